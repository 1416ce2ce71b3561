// Пакет repotest — in-memory реализация repository.Store для unit-тестов
// пакетов, которым не нужен настоящий PostgreSQL.
package repotest

import (
	"context"
	"math/bits"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository"
)

// Store хранит данные в памяти. Транзакции не изолируются:
// RunInTx просто вызывает fn, что достаточно для однопоточных проверок.
type Store struct {
	mu       sync.Mutex
	files    map[string]*model.FileRecord
	media    map[model.MediaKey]*model.CandidateMedia
	attempts []*model.PublicationAttempt

	// FailUpdate, если задан, возвращается из CandidateMediaRepository.Update.
	FailUpdate error
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		files: make(map[string]*model.FileRecord),
		media: make(map[model.MediaKey]*model.CandidateMedia),
	}
}

func (s *Store) Files() repository.FileRecordRepository           { return fileRepo{s} }
func (s *Store) Media() repository.CandidateMediaRepository       { return mediaRepo{s} }
func (s *Store) Attempts() repository.PublicationAttemptRepository { return attemptRepo{s} }

func (s *Store) RunInTx(_ context.Context, fn func(tx repository.Store) error) error {
	return fn(s)
}

// AttemptLog возвращает копию журнала публикаций.
func (s *Store) AttemptLog() []*model.PublicationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.PublicationAttempt(nil), s.attempts...)
}

// MediaSnapshot возвращает копию элемента по идентичности.
func (s *Store) MediaSnapshot(key model.MediaKey) *model.CandidateMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[key]
	if !ok {
		return nil
	}
	return cloneMedia(m)
}

func cloneMedia(m *model.CandidateMedia) *model.CandidateMedia {
	c := *m
	c.Filenames = append([]string{}, m.Filenames...)
	return &c
}

func cloneFile(f *model.FileRecord) *model.FileRecord {
	c := *f
	c.Filenames = append([]string{}, f.Filenames...)
	return &c
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// --- FileRecordRepository ---

type fileRepo struct{ s *Store }

func (r fileRepo) GetBySHA1(_ context.Context, sha1 string) (*model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.files[sha1]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneFile(f), nil
}

func (r fileRepo) InsertIfAbsent(_ context.Context, f *model.FileRecord) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.files[f.SHA1]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	if f.Filenames == nil {
		f.Filenames = []string{}
	}
	r.s.files[f.SHA1] = cloneFile(f)
	return true, nil
}

func (r fileRepo) FindNearDuplicates(
	_ context.Context, phash string, maxDistance int, excludeSHA1 string, limit int,
) ([]*model.FileRecord, error) {
	target, err := strconv.ParseUint(phash, 16, 64)
	if err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	type hit struct {
		f    *model.FileRecord
		dist int
	}
	var hits []hit
	for _, f := range r.s.files {
		if f.PHash == nil || f.SHA1 == excludeSHA1 {
			continue
		}
		v, err := strconv.ParseUint(*f.PHash, 16, 64)
		if err != nil {
			continue
		}
		if d := bits.OnesCount64(v ^ target); d <= maxDistance {
			hits = append(hits, hit{cloneFile(f), d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	var result []*model.FileRecord
	for i := 0; i < len(hits) && i < limit; i++ {
		result = append(result, hits[i].f)
	}
	return result, nil
}

func (r fileRepo) AddFilename(_ context.Context, sha1, filename string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.files[sha1]
	if !ok {
		return repository.ErrNotFound
	}
	f.Filenames = appendUnique(f.Filenames, filename)
	return nil
}

// --- CandidateMediaRepository ---

type mediaRepo struct{ s *Store }

func (r mediaRepo) Create(_ context.Context, m *model.CandidateMedia) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.media[m.Key()]; ok {
		return repository.ErrConflict
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Filenames == nil {
		m.Filenames = []string{}
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	r.s.media[m.Key()] = cloneMedia(m)
	return nil
}

func (r mediaRepo) Get(_ context.Context, key model.MediaKey) (*model.CandidateMedia, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.media[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneMedia(m), nil
}

func (r mediaRepo) ListBySource(_ context.Context, sourceID string) ([]*model.CandidateMedia, error) {
	return r.filter(sourceID, 0, func(*model.CandidateMedia) bool { return true }), nil
}

func (r mediaRepo) ListPublishable(_ context.Context, sourceID string, limit int) ([]*model.CandidateMedia, error) {
	return r.filter(sourceID, limit, func(m *model.CandidateMedia) bool {
		return !m.Ignored && !m.IsPublished()
	}), nil
}

func (r mediaRepo) filter(sourceID string, limit int, keep func(*model.CandidateMedia) bool) []*model.CandidateMedia {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.CandidateMedia
	for _, m := range r.s.media {
		if m.SourceID == sourceID && keep(m) {
			result = append(result, cloneMedia(m))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalID < result[j].LocalID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (r mediaRepo) byID(id string) *model.CandidateMedia {
	for _, m := range r.s.media {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (r mediaRepo) Update(_ context.Context, m *model.CandidateMedia) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailUpdate != nil {
		return r.s.FailUpdate
	}
	stored := r.byID(m.ID)
	if stored == nil {
		return repository.ErrNotFound
	}
	stored.CopyMetadata(m)
	stored.Ignored = m.Ignored
	stored.IgnoredReason = m.IgnoredReason
	stored.IgnoredCategory = m.IgnoredCategory
	stored.UpdatedAt = time.Now().UTC()
	m.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r mediaRepo) SetContentHash(_ context.Context, id, sha1 string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := r.byID(id)
	if stored == nil {
		return repository.ErrNotFound
	}
	h := sha1
	stored.SHA1 = &h
	return nil
}

func (r mediaRepo) AddFilename(_ context.Context, id, filename string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := r.byID(id)
	if stored == nil {
		return repository.ErrNotFound
	}
	stored.Filenames = appendUnique(stored.Filenames, filename)
	return nil
}

func (r mediaRepo) ResetIgnored(_ context.Context, sourceID string, category model.IgnoreCategory) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.media {
		if m.SourceID == sourceID && m.Ignored && m.IgnoredCategory == category {
			m.Reinstate()
			n++
		}
	}
	return n, nil
}

func (r mediaRepo) CountBySource(_ context.Context, sourceID string) (model.SourceCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var c model.SourceCounts
	for _, m := range r.s.media {
		if m.SourceID != sourceID {
			continue
		}
		c.Total++
		if m.Ignored {
			c.Ignored++
		}
		if m.IsPublished() {
			c.Published++
		}
	}
	return c, nil
}

// --- PublicationAttemptRepository ---

type attemptRepo struct{ s *Store }

func (r attemptRepo) Record(_ context.Context, a *model.PublicationAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	c := *a
	r.s.attempts = append(r.s.attempts, &c)
	return nil
}

func (r attemptRepo) ListByMedia(_ context.Context, key model.MediaKey, limit int) ([]*model.PublicationAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.PublicationAttempt
	for i := len(r.s.attempts) - 1; i >= 0 && len(result) < limit; i-- {
		a := r.s.attempts[i]
		if a.SourceID == key.SourceID && a.LocalID == key.LocalID {
			c := *a
			result = append(result, &c)
		}
	}
	return result, nil
}
