// Пакет freshness — синхронизация свежести: сопоставление актуальной
// выборки источника с каталогом элементов.
//
// Synchronize выполняет для одного источника:
//  1. Чтение всех известных элементов источника
//  2. Вычисление переходов (BuildPlan, без обращений к БД)
//  3. Сохранение переходов в одной транзакции
//  4. Вытеснение кэшированных счётчиков источника
//
// Prometheus-метрики:
//   - media_harvester_freshness_duration_seconds — длительность синхронизации
//   - media_harvester_freshness_items_total — переходы по операциям
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository"
)

var (
	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_harvester_freshness_duration_seconds",
		Help:    "Длительность синхронизации свежести источника",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	}, []string{"source"})

	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_freshness_items_total",
		Help: "Количество переходов элементов при синхронизации свежести",
	}, []string{"source", "operation"}) // operation: created, refreshed, ignored, reinstated, reset
)

// Invalidator вытесняет кэшированные данные источника.
type Invalidator interface {
	InvalidateSource(sourceID string)
}

// Synchronizer — синхронизация свежести источников.
type Synchronizer struct {
	store       repository.Store
	policy      Policy
	invalidator Invalidator
	logger      *slog.Logger
}

// NewSynchronizer создаёт синхронизатор.
func NewSynchronizer(store repository.Store, policy Policy, invalidator Invalidator, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		store:       store,
		policy:      policy,
		invalidator: invalidator,
		logger:      logger.With(slog.String("component", "freshness")),
	}
}

// Synchronize сопоставляет свежую выборку источника с каталогом.
// Элементы выборки с чужим SourceID отклоняются.
func (s *Synchronizer) Synchronize(ctx context.Context, sourceID string, harvested []*model.CandidateMedia) (*model.SyncResult, error) {
	startedAt := time.Now().UTC()

	for _, h := range harvested {
		if h.SourceID != sourceID {
			return nil, fmt.Errorf("элемент %s/%s в выборке источника %s", h.SourceID, h.LocalID, sourceID)
		}
		if h.LocalID == "" {
			return nil, fmt.Errorf("элемент без локального ID в выборке источника %s", sourceID)
		}
	}

	known, err := s.store.Media().ListBySource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("чтение элементов источника %s: %w", sourceID, err)
	}

	plan := BuildPlan(known, harvested, s.policy)

	err = s.store.RunInTx(ctx, func(tx repository.Store) error {
		media := tx.Media()
		for _, m := range plan.Create {
			if err := media.Create(ctx, m); err != nil {
				return fmt.Errorf("создание %s/%s: %w", m.SourceID, m.LocalID, err)
			}
		}
		for _, m := range plan.Updates() {
			if err := media.Update(ctx, m); err != nil {
				return fmt.Errorf("обновление %s/%s: %w", m.SourceID, m.LocalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.invalidator != nil {
		s.invalidator.InvalidateSource(sourceID)
	}

	result := &model.SyncResult{
		SourceID:    sourceID,
		Harvested:   len(harvested),
		Created:     len(plan.Create),
		Refreshed:   len(plan.Refresh),
		Ignored:     len(plan.Ignore),
		Reinstated:  len(plan.Reinstate),
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}

	syncDuration.WithLabelValues(sourceID).Observe(result.CompletedAt.Sub(startedAt).Seconds())
	syncItemsTotal.WithLabelValues(sourceID, "created").Add(float64(result.Created))
	syncItemsTotal.WithLabelValues(sourceID, "refreshed").Add(float64(result.Refreshed))
	syncItemsTotal.WithLabelValues(sourceID, "ignored").Add(float64(result.Ignored))
	syncItemsTotal.WithLabelValues(sourceID, "reinstated").Add(float64(result.Reinstated))

	for _, m := range plan.Ignore {
		s.logger.Info("Элемент исключён",
			slog.String("source", sourceID),
			slog.String("local_id", m.LocalID),
			slog.String("category", string(m.IgnoredCategory)),
			slog.String("reason", m.IgnoredReason),
		)
	}

	s.logger.Info("Синхронизация свежести завершена",
		slog.String("source", sourceID),
		slog.Int("harvested", result.Harvested),
		slog.Int("created", result.Created),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("ignored", result.Ignored),
		slog.Int("reinstated", result.Reinstated),
		slog.Int("unchanged", plan.Unchanged),
	)

	return result, nil
}

// ParseResetTarget разбирает значение вида "<источник>:<категория>".
func ParseResetTarget(value string) (string, model.IgnoreCategory, error) {
	sourceID, category, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || sourceID == "" {
		return "", model.IgnoreNone, fmt.Errorf("ожидается <источник>:<категория>, получено %q", value)
	}
	c := model.IgnoreCategory(category)
	if c == model.IgnoreNone || !c.Valid() {
		return "", model.IgnoreNone, fmt.Errorf("неизвестная категория исключения %q", category)
	}
	return sourceID, c, nil
}

// ResetIgnored снимает исключение указанной категории со всех элементов
// источника (явное действие оператора). Возвращает число восстановленных элементов.
func (s *Synchronizer) ResetIgnored(ctx context.Context, sourceID string, category model.IgnoreCategory) (int, error) {
	if category == model.IgnoreNone || !category.Valid() {
		return 0, fmt.Errorf("неизвестная категория исключения %q", category)
	}

	n, err := s.store.Media().ResetIgnored(ctx, sourceID, category)
	if err != nil {
		return 0, fmt.Errorf("сброс исключений %s/%s: %w", sourceID, category, err)
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateSource(sourceID)
	}
	syncItemsTotal.WithLabelValues(sourceID, "reset").Add(float64(n))

	s.logger.Info("Исключения сброшены",
		slog.String("source", sourceID),
		slog.String("category", string(category)),
		slog.Int("count", n),
	)
	return n, nil
}
