// Пакет catalog — каталог уникального содержимого: записи по SHA-1,
// привязка имён файлов репозитория к содержимому и элементам,
// поиск похожих изображений по перцептивному хешу.
//
// Запись содержимого создаётся не более одного раза: in-process мьютекс
// на хеш плюс атомарная вставка ON CONFLICT DO NOTHING.
// Перцептивный хеш никогда не объединяет записи, он только подсказывает.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository"
)

// Catalog — операции каталога содержимого.
type Catalog interface {
	// FindByHash возвращает запись по хешу или nil, если её нет.
	FindByHash(ctx context.Context, sha1 string) (*model.FileRecord, error)
	// FindNearDuplicates возвращает записи с близким перцептивным хешем.
	// Запись без pHash ничего не находит; сама запись исключается.
	FindNearDuplicates(ctx context.Context, f *model.FileRecord) ([]*model.FileRecord, error)
	// Upsert создаёт запись, если хеша ещё нет, и возвращает актуальную запись.
	Upsert(ctx context.Context, f *model.FileRecord) (*model.FileRecord, bool, error)
	// LinkFilename добавляет имя файла и в запись содержимого, и в элемент — в одной транзакции.
	LinkFilename(ctx context.Context, m *model.CandidateMedia, f *model.FileRecord, filename string) error
	// CountsBySource возвращает счётчики элементов источника (кэшируются).
	CountsBySource(ctx context.Context, sourceID string) (model.SourceCounts, error)
	// InvalidateSource вытесняет кэшированные счётчики источника.
	InvalidateSource(sourceID string)
}

// Service — реализация Catalog поверх repository.Store.
type Service struct {
	store           repository.Store
	cache           *CountsCache
	locks           *keyedMutex
	nearDupDistance int
	nearDupLimit    int
	logger          *slog.Logger
}

// NewService создаёт каталог.
// nearDupDistance — максимальное расстояние Хэмминга для похожих изображений.
func NewService(store repository.Store, cache *CountsCache, nearDupDistance int, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		cache:           cache,
		locks:           newKeyedMutex(),
		nearDupDistance: nearDupDistance,
		nearDupLimit:    20,
		logger:          logger.With(slog.String("component", "catalog")),
	}
}

func (s *Service) FindByHash(ctx context.Context, sha1 string) (*model.FileRecord, error) {
	f, err := s.store.Files().GetBySHA1(ctx, sha1)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("поиск содержимого %s: %w", sha1, err)
	}
	return f, nil
}

func (s *Service) FindNearDuplicates(ctx context.Context, f *model.FileRecord) ([]*model.FileRecord, error) {
	if f.PHash == nil {
		return nil, nil
	}
	found, err := s.store.Files().FindNearDuplicates(ctx, *f.PHash, s.nearDupDistance, f.SHA1, s.nearDupLimit)
	if err != nil {
		return nil, fmt.Errorf("поиск похожих изображений: %w", err)
	}
	return found, nil
}

func (s *Service) Upsert(ctx context.Context, f *model.FileRecord) (*model.FileRecord, bool, error) {
	unlock := s.locks.Lock(f.SHA1)
	defer unlock()

	files := s.store.Files()

	existing, err := files.GetBySHA1(ctx, f.SHA1)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("поиск содержимого %s: %w", f.SHA1, err)
	}

	created, err := files.InsertIfAbsent(ctx, f)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Debug("Запись содержимого создана",
			slog.String("sha1", f.SHA1),
			slog.String("format", string(f.Format)),
		)
		return f, true, nil
	}

	// Другой процесс вставил запись между чтением и вставкой
	existing, err = files.GetBySHA1(ctx, f.SHA1)
	if err != nil {
		return nil, false, fmt.Errorf("чтение содержимого %s после конфликта: %w", f.SHA1, err)
	}
	return existing, false, nil
}

func (s *Service) LinkFilename(ctx context.Context, m *model.CandidateMedia, f *model.FileRecord, filename string) error {
	if filename == "" {
		return fmt.Errorf("пустое имя файла для %s/%s", m.SourceID, m.LocalID)
	}

	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		if err := tx.Files().AddFilename(ctx, f.SHA1, filename); err != nil {
			return fmt.Errorf("имя файла для содержимого %s: %w", f.SHA1, err)
		}
		if m.SHA1 == nil || *m.SHA1 != f.SHA1 {
			if err := tx.Media().SetContentHash(ctx, m.ID, f.SHA1); err != nil {
				return fmt.Errorf("связь элемента %s/%s с содержимым: %w", m.SourceID, m.LocalID, err)
			}
		}
		if err := tx.Media().AddFilename(ctx, m.ID, filename); err != nil {
			return fmt.Errorf("имя файла для элемента %s/%s: %w", m.SourceID, m.LocalID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Отражаем изменения в объектах вызывающего кода
	if !f.HasFilename(filename) {
		f.Filenames = append(f.Filenames, filename)
	}
	if !m.HasFilename(filename) {
		m.Filenames = append(m.Filenames, filename)
	}
	sha := f.SHA1
	m.SHA1 = &sha

	s.InvalidateSource(m.SourceID)
	return nil
}

func (s *Service) CountsBySource(ctx context.Context, sourceID string) (model.SourceCounts, error) {
	if c, ok := s.cache.Lookup(sourceID); ok {
		return c, nil
	}
	c, err := s.store.Media().CountBySource(ctx, sourceID)
	if err != nil {
		return model.SourceCounts{}, err
	}
	s.cache.Store(sourceID, c)
	return c, nil
}

func (s *Service) InvalidateSource(sourceID string) {
	s.cache.Invalidate(sourceID)
}
