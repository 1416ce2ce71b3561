// harvest.go — сервис периодического сбора и публикации медиа.
//
// HarvestService запускает фоновую горутину с ticker (MH_HARVEST_INTERVAL),
// которая обходит все источники (до MH_SOURCE_CONCURRENCY одновременно).
//
// RunSource выполняет полный цикл одного источника:
//  1. Harvest — текущий набор доступных элементов источника
//  2. Синхронизация свежести с каталогом (создание, обновление, исключение)
//  3. Отбор неопубликованных и неисключённых элементов (до MH_PUBLISH_BATCH)
//  4. Для каждого элемента (до MH_ITEM_CONCURRENCY одновременно):
//     загрузка → отпечаток → поиск по хешу → решение → публикация → запись итога
//
// Ошибка одного элемента (включая панику) не прерывает обработку остальных.
//
// Prometheus-метрики:
//   - media_harvester_cycle_duration_seconds — длительность цикла источника
//   - media_harvester_items_total — итоги обработки элементов
//   - media_harvester_near_duplicates_total — найденные похожие изображения
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/arturkryukov/artstore/media-harvester/internal/catalog"
	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
	"github.com/arturkryukov/artstore/media-harvester/internal/fetcher"
	"github.com/arturkryukov/artstore/media-harvester/internal/fingerprint"
	"github.com/arturkryukov/artstore/media-harvester/internal/harvest"
	"github.com/arturkryukov/artstore/media-harvester/internal/publisher"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository"
	"github.com/arturkryukov/artstore/media-harvester/internal/wikitext"
)

// Prometheus-метрики цикла обработки.
var (
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_harvester_cycle_duration_seconds",
		Help:    "Длительность цикла обработки источника",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s … ~2.3h
	}, []string{"source"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_items_total",
		Help: "Итоги обработки элементов",
	}, []string{"source", "outcome"}) // outcome: published, duplicate, skipped, failed

	nearDuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_near_duplicates_total",
		Help: "Новое содержимое, похожее на уже известное (по pHash)",
	}, []string{"source"})
)

// Fetcher — загрузка содержимого во временный файл.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Fingerprinter — вычисление отпечатка растрового изображения.
type Fingerprinter interface {
	Compute(open fingerprint.Opener, format model.Format) (*fingerprint.Fingerprint, error)
}

// Synchronizer — синхронизация свежести источника.
type Synchronizer interface {
	Synchronize(ctx context.Context, sourceID string, harvested []*model.CandidateMedia) (*model.SyncResult, error)
}

// Publisher — публикация в медиарепозиторий.
type Publisher interface {
	UploadEnabled() bool
	Publish(ctx context.Context, req publisher.UploadRequest) (*model.PublicationAttempt, error)
}

// HarvestOptions — параметры цикла обработки.
type HarvestOptions struct {
	// Interval — период запуска циклов
	Interval time.Duration
	// SourceConcurrency — источников одновременно
	SourceConcurrency int
	// ItemConcurrency — элементов источника одновременно
	ItemConcurrency int
	// PublishBatch — предел элементов на публикацию за цикл
	PublishBatch int
}

// itemOutcome — итог обработки элемента.
type itemOutcome string

const (
	outcomePublished itemOutcome = "published"
	outcomeDuplicate itemOutcome = "duplicate"
	outcomeSkipped   itemOutcome = "skipped"
	outcomeFailed    itemOutcome = "failed"
)

// HarvestService — фоновый сервис сбора и публикации.
type HarvestService struct {
	harvesters  []harvest.Harvester
	syncer      Synchronizer
	store       repository.Store
	catalog     catalog.Catalog
	fetcher     Fetcher
	fingerprint Fingerprinter
	publisher   Publisher
	builder     *wikitext.Builder
	opts        HarvestOptions
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHarvestService создаёт сервис сбора и публикации.
func NewHarvestService(
	harvesters []harvest.Harvester,
	syncer Synchronizer,
	store repository.Store,
	cat catalog.Catalog,
	fetch Fetcher,
	fp Fingerprinter,
	pub Publisher,
	builder *wikitext.Builder,
	opts HarvestOptions,
	logger *slog.Logger,
) *HarvestService {
	if opts.SourceConcurrency < 1 {
		opts.SourceConcurrency = 1
	}
	if opts.ItemConcurrency < 1 {
		opts.ItemConcurrency = 1
	}
	return &HarvestService{
		harvesters:  harvesters,
		syncer:      syncer,
		store:       store,
		catalog:     cat,
		fetcher:     fetch,
		fingerprint: fp,
		publisher:   pub,
		builder:     builder,
		opts:        opts,
		logger:      logger.With(slog.String("component", "harvest_service")),
	}
}

// Start запускает фоновую горутину: первый цикл сразу, далее по ticker.
func (s *HarvestService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодический сбор запущен",
			slog.String("interval", s.opts.Interval.String()),
			slog.Int("sources", len(s.harvesters)),
		)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			s.runCycle(ctx)

			select {
			case <-ctx.Done():
				s.logger.Info("Периодический сбор остановлен")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения текущего цикла.
func (s *HarvestService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *HarvestService) runCycle(ctx context.Context) {
	results, err := s.RunAll(ctx)
	if err != nil {
		s.logger.Error("Цикл сбора завершён с ошибками",
			slog.Int("ok_sources", len(results)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("Цикл сбора завершён", slog.Int("sources", len(results)))
}

// RunAll обрабатывает все источники, до SourceConcurrency одновременно.
// Возвращает результаты успешных источников и объединённую ошибку остальных.
func (s *HarvestService) RunAll(ctx context.Context) ([]*model.CycleResult, error) {
	if len(s.harvesters) == 0 {
		s.logger.Warn("Нет источников для обработки")
		return nil, nil
	}

	sem := make(chan struct{}, s.opts.SourceConcurrency)

	var mu sync.Mutex
	var results []*model.CycleResult
	var runErrors []error

	var wg sync.WaitGroup
	for _, h := range s.harvesters {
		wg.Add(1)
		go func(h harvest.Harvester) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := s.RunSource(ctx, h)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				runErrors = append(runErrors, fmt.Errorf("источник %s: %w", h.SourceID(), err))
			} else {
				results = append(results, result)
			}
		}(h)
	}
	wg.Wait()

	for _, runErr := range runErrors {
		s.logger.Warn("Ошибка обработки источника", slog.String("error", runErr.Error()))
	}

	return results, errors.Join(runErrors...)
}

// RunSource выполняет полный цикл одного источника.
// Ошибка сбора или синхронизации прерывает цикл источника: без полного
// набора нельзя решать, какие элементы исчезли.
func (s *HarvestService) RunSource(ctx context.Context, h harvest.Harvester) (*model.CycleResult, error) {
	sourceID := h.SourceID()
	startedAt := time.Now().UTC()
	timer := prometheus.NewTimer(cycleDuration.WithLabelValues(sourceID))
	defer timer.ObserveDuration()

	log := s.logger.With(slog.String("source_id", sourceID))

	harvested, err := h.Harvest(ctx)
	if err != nil {
		return nil, fmt.Errorf("сбор: %w", err)
	}

	syncResult, err := s.syncer.Synchronize(ctx, sourceID, harvested)
	if err != nil {
		return nil, fmt.Errorf("синхронизация: %w", err)
	}

	candidates, err := s.store.Media().ListPublishable(ctx, sourceID, s.opts.PublishBatch)
	if err != nil {
		return nil, fmt.Errorf("отбор элементов: %w", err)
	}

	result := &model.CycleResult{
		SourceID:   sourceID,
		Sync:       syncResult,
		Candidates: len(candidates),
		StartedAt:  startedAt,
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.ItemConcurrency)

	for _, m := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome, fetched := s.processItemSafe(ctx, h, m)

			itemsTotal.WithLabelValues(sourceID, string(outcome)).Inc()
			mu.Lock()
			defer mu.Unlock()
			if fetched {
				result.Fetched++
			}
			switch outcome {
			case outcomePublished:
				result.Published++
			case outcomeDuplicate:
				result.Duplicates++
			case outcomeSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.CompletedAt = time.Now().UTC()

	attrs := []any{
		slog.Int("harvested", syncResult.Harvested),
		slog.Int("created", syncResult.Created),
		slog.Int("ignored", syncResult.Ignored),
		slog.Int("candidates", result.Candidates),
		slog.Int("published", result.Published),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.CompletedAt.Sub(startedAt)),
	}
	if counts, err := s.catalog.CountsBySource(ctx, sourceID); err == nil {
		attrs = append(attrs,
			slog.Int("total_items", counts.Total),
			slog.Int("total_published", counts.Published),
			slog.Int("total_ignored", counts.Ignored),
		)
	}
	log.Info("Источник обработан", attrs...)

	return result, nil
}

// processItemSafe изолирует панику при обработке элемента.
func (s *HarvestService) processItemSafe(ctx context.Context, h harvest.Harvester, m *model.CandidateMedia) (outcome itemOutcome, fetched bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Паника при обработке элемента",
				slog.String("source_id", m.SourceID),
				slog.String("local_id", m.LocalID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = outcomeFailed
		}
	}()

	outcome, fetched, err := s.processItem(ctx, h, m)
	if err != nil {
		s.logger.Warn("Ошибка обработки элемента",
			slog.String("source_id", m.SourceID),
			slog.String("local_id", m.LocalID),
			slog.String("error", err.Error()),
		)
		return outcomeFailed, fetched
	}
	return outcome, fetched
}

// processItem — загрузка → отпечаток → каталог → решение → публикация.
func (s *HarvestService) processItem(ctx context.Context, h harvest.Harvester, m *model.CandidateMedia) (itemOutcome, bool, error) {
	log := s.logger.With(
		slog.String("source_id", m.SourceID),
		slog.String("local_id", m.LocalID),
	)

	res, err := s.fetcher.Fetch(ctx, m.AssetURL)
	if err != nil {
		return outcomeFailed, false, fmt.Errorf("загрузка %s: %w", m.AssetURL, err)
	}
	defer res.Close()

	rec, err := s.catalog.FindByHash(ctx, res.SHA1)
	if err != nil {
		return outcomeFailed, true, err
	}
	if rec == nil {
		rec, err = s.registerContent(ctx, log, m.SourceID, res)
		if err != nil {
			return outcomeFailed, true, err
		}
	}

	// Содержимое уже опубликовано (другим элементом или источником):
	// элемент связывается с существующим файлом без повторной загрузки.
	if rec.IsPublished() {
		if err := s.catalog.LinkFilename(ctx, m, rec, rec.Filenames[0]); err != nil {
			return outcomeFailed, true, err
		}
		log.Info("Содержимое уже опубликовано, элемент связан",
			slog.String("sha1", rec.SHA1),
			slog.String("filename", rec.Filenames[0]),
		)
		return outcomeDuplicate, true, nil
	}

	if m.SHA1 == nil || *m.SHA1 != rec.SHA1 {
		if err := s.store.Media().SetContentHash(ctx, m.ID, rec.SHA1); err != nil {
			return outcomeFailed, true, fmt.Errorf("связь с содержимым: %w", err)
		}
		sha := rec.SHA1
		m.SHA1 = &sha
	}

	if !s.publisher.UploadEnabled() {
		return outcomeSkipped, true, nil
	}
	if rec.Format == model.FormatUnknown {
		log.Warn("Формат содержимого не поддерживается репозиторием, элемент пропущен",
			slog.String("mime_type", rec.MimeType),
		)
		return outcomeSkipped, true, nil
	}
	page, err := s.builder.Build(m, h.Category())
	if err != nil {
		log.Warn("Элемент не готов к публикации", slog.String("error", err.Error()))
		return outcomeSkipped, true, nil
	}

	attempt, err := s.publisher.Publish(ctx, publisher.UploadRequest{
		SourceID: m.SourceID,
		LocalID:  m.LocalID,
		SHA1:     rec.SHA1,
		Filename: wikitext.Filename(m, rec.Format),
		Text:     page.Text,
		Comment:  page.Comment,
		URL:      m.AssetURL,
	})
	if err != nil {
		return outcomeFailed, true, fmt.Errorf("публикация: %w", err)
	}

	if err := s.store.Attempts().Record(ctx, attempt); err != nil {
		log.Warn("Ошибка записи попытки публикации", slog.String("error", err.Error()))
	}

	if !attempt.OK() {
		return outcomeFailed, true, fmt.Errorf("публикация не удалась (%s): %s", attempt.FailureKind, attempt.Error)
	}
	if err := s.catalog.LinkFilename(ctx, m, rec, attempt.Filename); err != nil {
		return outcomeFailed, true, err
	}
	return outcomePublished, true, nil
}

// registerContent вычисляет отпечаток нового содержимого и сохраняет FileRecord.
// Нечитаемое изображение сохраняется без pHash и размеров.
func (s *HarvestService) registerContent(ctx context.Context, log *slog.Logger, sourceID string, res *fetcher.Result) (*model.FileRecord, error) {
	rec := &model.FileRecord{
		SHA1:     res.SHA1,
		Size:     res.Size,
		Format:   res.Format,
		MimeType: res.MimeType,
	}

	if res.Format.IsRaster() {
		fp, err := s.fingerprint.Compute(res.Open, res.Format)
		if err != nil {
			log.Warn("Изображение не читается, запись без отпечатка",
				slog.String("sha1", res.SHA1),
				slog.String("format", string(res.Format)),
				slog.String("error", err.Error()),
			)
		} else {
			phash := fp.PHash
			w, h := fp.Width, fp.Height
			rec.PHash = &phash
			rec.Width = &w
			rec.Height = &h
		}
	}

	stored, created, err := s.catalog.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("сохранение содержимого: %w", err)
	}

	if created && stored.IsReadableImage() {
		similar, err := s.catalog.FindNearDuplicates(ctx, stored)
		if err != nil {
			log.Warn("Ошибка поиска похожих изображений", slog.String("error", err.Error()))
		} else if len(similar) > 0 {
			nearDuplicatesTotal.WithLabelValues(sourceID).Inc()
			shas := make([]string, 0, len(similar))
			for _, f := range similar {
				shas = append(shas, f.SHA1)
			}
			log.Info("Найдены похожие изображения, требуется ручная проверка",
				slog.String("sha1", stored.SHA1),
				slog.Any("similar", shas),
			)
		}
	}
	return stored, nil
}
