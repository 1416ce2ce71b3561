package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// CandidateMediaRepository — доступ к таблице candidate_media.
type CandidateMediaRepository interface {
	// Create создаёт элемент. Пустой ID генерируется.
	Create(ctx context.Context, m *model.CandidateMedia) error
	// Get возвращает элемент по идентичности (источник, локальный ID).
	Get(ctx context.Context, key model.MediaKey) (*model.CandidateMedia, error)
	// ListBySource возвращает все элементы источника, включая исключённые.
	ListBySource(ctx context.Context, sourceID string) ([]*model.CandidateMedia, error)
	// ListPublishable возвращает неисключённые и неопубликованные элементы источника.
	ListPublishable(ctx context.Context, sourceID string, limit int) ([]*model.CandidateMedia, error)
	// Update сохраняет метаданные и состояние исключения.
	Update(ctx context.Context, m *model.CandidateMedia) error
	// SetContentHash связывает элемент с записью содержимого.
	SetContentHash(ctx context.Context, id, sha1 string) error
	// AddFilename добавляет имя файла в репозитории, если его ещё нет.
	AddFilename(ctx context.Context, id, filename string) error
	// ResetIgnored снимает исключение указанной категории у элементов источника.
	ResetIgnored(ctx context.Context, sourceID string, category model.IgnoreCategory) (int, error)
	// CountBySource возвращает агрегированные счётчики источника.
	CountBySource(ctx context.Context, sourceID string) (model.SourceCounts, error)
}

type candidateMediaRepo struct {
	db DBTX
}

// NewCandidateMediaRepository создаёт репозиторий элементов источников.
func NewCandidateMediaRepository(db DBTX) CandidateMediaRepository {
	return &candidateMediaRepo{db: db}
}

const candidateMediaColumns = `id, source_id, local_id, asset_url, title, description, credit,
	license_code, captured_at, published_at, ignored, ignored_reason, ignored_category,
	sha1, filenames, created_at, updated_at`

func scanCandidateMedia(row pgx.Row) (*model.CandidateMedia, error) {
	m := &model.CandidateMedia{}
	var category string
	err := row.Scan(
		&m.ID, &m.SourceID, &m.LocalID, &m.AssetURL, &m.Title, &m.Description, &m.Credit,
		&m.LicenseCode, &m.CapturedAt, &m.PublishedAt, &m.Ignored, &m.IgnoredReason, &category,
		&m.SHA1, &m.Filenames, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.IgnoredCategory = model.IgnoreCategory(category)
	return m, nil
}

func (r *candidateMediaRepo) Create(ctx context.Context, m *model.CandidateMedia) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Filenames == nil {
		m.Filenames = []string{}
	}

	query := `
		INSERT INTO candidate_media (id, source_id, local_id, asset_url, title, description, credit,
			license_code, captured_at, published_at, ignored, ignored_reason, ignored_category,
			sha1, filenames)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		m.ID, m.SourceID, m.LocalID, m.AssetURL, m.Title, m.Description, m.Credit,
		m.LicenseCode, m.CapturedAt, m.PublishedAt, m.Ignored, m.IgnoredReason, string(m.IgnoredCategory),
		m.SHA1, m.Filenames,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: элемент %s/%s уже существует", ErrConflict, m.SourceID, m.LocalID)
		}
		return fmt.Errorf("ошибка создания элемента: %w", err)
	}
	return nil
}

func (r *candidateMediaRepo) Get(ctx context.Context, key model.MediaKey) (*model.CandidateMedia, error) {
	query := `SELECT ` + candidateMediaColumns + ` FROM candidate_media WHERE source_id = $1 AND local_id = $2`

	m, err := scanCandidateMedia(r.db.QueryRow(ctx, query, key.SourceID, key.LocalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента: %w", err)
	}
	return m, nil
}

func (r *candidateMediaRepo) ListBySource(ctx context.Context, sourceID string) ([]*model.CandidateMedia, error) {
	query := `SELECT ` + candidateMediaColumns + `
		FROM candidate_media
		WHERE source_id = $1
		ORDER BY local_id`

	return r.list(ctx, query, sourceID)
}

func (r *candidateMediaRepo) ListPublishable(ctx context.Context, sourceID string, limit int) ([]*model.CandidateMedia, error) {
	query := `SELECT ` + candidateMediaColumns + `
		FROM candidate_media
		WHERE source_id = $1 AND NOT ignored AND cardinality(filenames) = 0
		ORDER BY created_at, local_id
		LIMIT $2`

	return r.list(ctx, query, sourceID, limit)
}

func (r *candidateMediaRepo) list(ctx context.Context, query string, args ...any) ([]*model.CandidateMedia, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка элементов: %w", err)
	}
	defer rows.Close()

	var result []*model.CandidateMedia
	for rows.Next() {
		m, err := scanCandidateMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования элемента: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *candidateMediaRepo) Update(ctx context.Context, m *model.CandidateMedia) error {
	query := `
		UPDATE candidate_media
		SET asset_url = $2, title = $3, description = $4, credit = $5, license_code = $6,
			captured_at = $7, published_at = $8, ignored = $9, ignored_reason = $10,
			ignored_category = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		m.ID, m.AssetURL, m.Title, m.Description, m.Credit, m.LicenseCode,
		m.CapturedAt, m.PublishedAt, m.Ignored, m.IgnoredReason, string(m.IgnoredCategory),
	).Scan(&m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления элемента: %w", err)
	}
	return nil
}

func (r *candidateMediaRepo) SetContentHash(ctx context.Context, id, sha1 string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE candidate_media SET sha1 = $2, updated_at = now() WHERE id = $1`, id, sha1)
	if err != nil {
		return fmt.Errorf("ошибка связывания элемента с содержимым: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *candidateMediaRepo) AddFilename(ctx context.Context, id, filename string) error {
	query := `
		UPDATE candidate_media
		SET filenames = CASE WHEN $2 = ANY(filenames) THEN filenames ELSE array_append(filenames, $2) END,
			updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, filename)
	if err != nil {
		return fmt.Errorf("ошибка добавления имени файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *candidateMediaRepo) ResetIgnored(ctx context.Context, sourceID string, category model.IgnoreCategory) (int, error) {
	query := `
		UPDATE candidate_media
		SET ignored = false, ignored_reason = '', ignored_category = '', updated_at = now()
		WHERE source_id = $1 AND ignored AND ignored_category = $2`

	tag, err := r.db.Exec(ctx, query, sourceID, string(category))
	if err != nil {
		return 0, fmt.Errorf("ошибка сброса исключения: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *candidateMediaRepo) CountBySource(ctx context.Context, sourceID string) (model.SourceCounts, error) {
	query := `
		SELECT count(*),
			count(*) FILTER (WHERE ignored),
			count(*) FILTER (WHERE cardinality(filenames) > 0)
		FROM candidate_media
		WHERE source_id = $1`

	var c model.SourceCounts
	if err := r.db.QueryRow(ctx, query, sourceID).Scan(&c.Total, &c.Ignored, &c.Published); err != nil {
		return model.SourceCounts{}, fmt.Errorf("ошибка подсчёта элементов: %w", err)
	}
	return c, nil
}
