package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// FileRecordRepository — доступ к таблице file_record.
type FileRecordRepository interface {
	// GetBySHA1 возвращает запись по хешу содержимого.
	GetBySHA1(ctx context.Context, sha1 string) (*model.FileRecord, error)
	// InsertIfAbsent вставляет запись, если хеша ещё нет.
	// created = false, если запись уже существовала; f при этом не меняется.
	InsertIfAbsent(ctx context.Context, f *model.FileRecord) (created bool, err error)
	// FindNearDuplicates возвращает записи, чей перцептивный хеш отличается
	// от phash не более чем на maxDistance бит. Запись excludeSHA1 исключается.
	FindNearDuplicates(ctx context.Context, phash string, maxDistance int, excludeSHA1 string, limit int) ([]*model.FileRecord, error)
	// AddFilename добавляет имя файла в репозитории, если его ещё нет.
	AddFilename(ctx context.Context, sha1, filename string) error
}

type fileRecordRepo struct {
	db DBTX
}

// NewFileRecordRepository создаёт репозиторий записей содержимого.
func NewFileRecordRepository(db DBTX) FileRecordRepository {
	return &fileRecordRepo{db: db}
}

const fileRecordColumns = `sha1, phash, size, width, height, format, mime_type, filenames, created_at, updated_at`

func scanFileRecord(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var format string
	err := row.Scan(
		&f.SHA1, &f.PHash, &f.Size, &f.Width, &f.Height, &format, &f.MimeType,
		&f.Filenames, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Format = model.Format(format)
	return f, nil
}

func (r *fileRecordRepo) GetBySHA1(ctx context.Context, sha1 string) (*model.FileRecord, error) {
	query := `SELECT ` + fileRecordColumns + ` FROM file_record WHERE sha1 = $1`

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, sha1))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи содержимого: %w", err)
	}
	return f, nil
}

func (r *fileRecordRepo) InsertIfAbsent(ctx context.Context, f *model.FileRecord) (bool, error) {
	query := `
		INSERT INTO file_record (sha1, phash, size, width, height, format, mime_type, filenames)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sha1) DO NOTHING
		RETURNING created_at, updated_at`

	filenames := f.Filenames
	if filenames == nil {
		filenames = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		f.SHA1, f.PHash, f.Size, f.Width, f.Height, string(f.Format), f.MimeType, filenames,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		// DO NOTHING не возвращает строк — запись уже была
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка вставки записи содержимого: %w", err)
	}
	f.Filenames = filenames
	return true, nil
}

func (r *fileRecordRepo) FindNearDuplicates(
	ctx context.Context, phash string, maxDistance int, excludeSHA1 string, limit int,
) ([]*model.FileRecord, error) {
	query := `
		SELECT ` + fileRecordColumns + `
		FROM (
			SELECT *, bit_count(('x' || phash)::bit(64) # ('x' || $1::text)::bit(64)) AS distance
			FROM file_record
			WHERE phash IS NOT NULL AND sha1 <> $2
		) AS candidates
		WHERE distance <= $3
		ORDER BY distance, created_at
		LIMIT $4`

	rows, err := r.db.Query(ctx, query, phash, excludeSHA1, maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска похожих изображений: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи содержимого: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRecordRepo) AddFilename(ctx context.Context, sha1, filename string) error {
	query := `
		UPDATE file_record
		SET filenames = CASE WHEN $2 = ANY(filenames) THEN filenames ELSE array_append(filenames, $2) END,
			updated_at = now()
		WHERE sha1 = $1`

	tag, err := r.db.Exec(ctx, query, sha1, filename)
	if err != nil {
		return fmt.Errorf("ошибка добавления имени файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
