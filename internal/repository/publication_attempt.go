package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// PublicationAttemptRepository — журнал вызовов публикации (таблица publication_attempt).
type PublicationAttemptRepository interface {
	// Record сохраняет запись. Пустой ID генерируется.
	Record(ctx context.Context, a *model.PublicationAttempt) error
	// ListByMedia возвращает записи элемента, новые первыми.
	ListByMedia(ctx context.Context, key model.MediaKey, limit int) ([]*model.PublicationAttempt, error)
}

type publicationAttemptRepo struct {
	db DBTX
}

// NewPublicationAttemptRepository создаёт репозиторий журнала публикаций.
func NewPublicationAttemptRepository(db DBTX) PublicationAttemptRepository {
	return &publicationAttemptRepo{db: db}
}

func (r *publicationAttemptRepo) Record(ctx context.Context, a *model.PublicationAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	query := `
		INSERT INTO publication_attempt (id, source_id, local_id, sha1, requested_filename,
			outcome, filename, failure_kind, error, attempts, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, a.SourceID, a.LocalID, a.SHA1, a.RequestedFilename,
		string(a.Outcome), a.Filename, string(a.FailureKind), a.Error, a.Attempts,
		a.Duration.Milliseconds(),
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи попытки публикации: %w", err)
	}
	return nil
}

func (r *publicationAttemptRepo) ListByMedia(ctx context.Context, key model.MediaKey, limit int) ([]*model.PublicationAttempt, error) {
	query := `
		SELECT id, source_id, local_id, sha1, requested_filename, outcome, filename,
			failure_kind, error, attempts, duration_ms, created_at
		FROM publication_attempt
		WHERE source_id = $1 AND local_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, key.SourceID, key.LocalID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала публикаций: %w", err)
	}
	defer rows.Close()

	var result []*model.PublicationAttempt
	for rows.Next() {
		a := &model.PublicationAttempt{}
		var outcome, kind string
		var durationMs int64
		if err := rows.Scan(
			&a.ID, &a.SourceID, &a.LocalID, &a.SHA1, &a.RequestedFilename, &outcome, &a.Filename,
			&kind, &a.Error, &a.Attempts, &durationMs, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования попытки публикации: %w", err)
		}
		a.Outcome = model.PublicationOutcome(outcome)
		a.FailureKind = model.FailureKind(kind)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		result = append(result, a)
	}
	return result, rows.Err()
}
