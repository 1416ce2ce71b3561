package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/media-harvester/internal/catalog"
	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
	"github.com/arturkryukov/artstore/media-harvester/internal/fetcher"
	"github.com/arturkryukov/artstore/media-harvester/internal/fingerprint"
	"github.com/arturkryukov/artstore/media-harvester/internal/freshness"
	"github.com/arturkryukov/artstore/media-harvester/internal/harvest"
	"github.com/arturkryukov/artstore/media-harvester/internal/publisher"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository/repotest"
	"github.com/arturkryukov/artstore/media-harvester/internal/wikitext"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pngBytes кодирует PNG 32×32 с узором, зависящим от seed.
func pngBytes(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8((x*seed + y*(seed+3)) % 256)
			img.Set(x, y, color.RGBA{R: v, G: 255 - v, B: uint8(seed * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// asset — содержимое mock-сервера источника.
type asset struct {
	contentType string
	body        []byte
}

func assetServer(t *testing.T, assets map[string]asset) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", a.contentType)
		_, _ = w.Write(a.body)
	}))
	t.Cleanup(server.Close)
	return server
}

// fakeHarvester отдаёт фиксированный набор элементов.
type fakeHarvester struct {
	id    string
	items []*model.CandidateMedia
	err   error
}

func (h *fakeHarvester) SourceID() string { return h.id }
func (h *fakeHarvester) Category() string { return "Media from " + h.id }

func (h *fakeHarvester) Harvest(context.Context) ([]*model.CandidateMedia, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([]*model.CandidateMedia, 0, len(h.items))
	for _, m := range h.items {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

// fakePublisher записывает вызовы и отвечает respond (по умолчанию — успех).
type fakePublisher struct {
	mu      sync.Mutex
	enabled bool
	calls   []publisher.UploadRequest
	respond func(req publisher.UploadRequest) *model.PublicationAttempt
}

func (p *fakePublisher) UploadEnabled() bool { return p.enabled }

func (p *fakePublisher) Publish(_ context.Context, req publisher.UploadRequest) (*model.PublicationAttempt, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.respond != nil {
		return p.respond(req), nil
	}
	return &model.PublicationAttempt{
		SourceID: req.SourceID, LocalID: req.LocalID, SHA1: req.SHA1,
		RequestedFilename: req.Filename,
		Outcome:           model.OutcomeSuccess,
		Filename:          req.Filename,
		Attempts:          1,
	}, nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// testEnv — собранный сервис с in-memory хранилищем.
type testEnv struct {
	store     *repotest.Store
	catalog   *catalog.Service
	publisher *fakePublisher
	service   *HarvestService
}

func newTestEnv(t *testing.T, harvesters []harvest.Harvester, itemConcurrency int) *testEnv {
	t.Helper()
	logger := testLogger()

	store := repotest.NewStore()
	cat := catalog.NewService(store, catalog.NewCountsCache(100, time.Minute), 6, logger)
	policy := freshness.NewPolicy([]string{"CC0-1.0", "CC-BY-4.0", "LOCAL-FREE"}, nil)
	syncer := freshness.NewSynchronizer(store, policy, cat, logger)
	fetch := fetcher.New(fetcher.Config{Timeout: 5 * time.Second, MaxBytes: 10 << 20, TempDir: t.TempDir()}, logger)
	pub := &fakePublisher{enabled: true}

	svc := NewHarvestService(harvesters, syncer, store, cat, fetch, fingerprint.NewEngine(0, logger), pub,
		wikitext.NewBuilder(),
		HarvestOptions{Interval: time.Hour, SourceConcurrency: 2, ItemConcurrency: itemConcurrency, PublishBatch: 100},
		logger,
	)
	return &testEnv{store: store, catalog: cat, publisher: pub, service: svc}
}

func item(sourceID, localID, url string) *model.CandidateMedia {
	return &model.CandidateMedia{
		SourceID:    sourceID,
		LocalID:     localID,
		AssetURL:    url,
		Title:       "Item " + localID,
		LicenseCode: "CC0-1.0",
	}
}

func TestRunSource_PublishesNewContent(t *testing.T) {
	server := assetServer(t, map[string]asset{
		"/a.png": {"image/png", pngBytes(t, 1)},
		"/b.png": {"image/png", pngBytes(t, 2)},
	})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{
		item("met", "a", server.URL+"/a.png"),
		item("met", "b", server.URL+"/b.png"),
	}}
	env := newTestEnv(t, []harvest.Harvester{h}, 4)

	result, err := env.service.RunSource(context.Background(), h)
	if err != nil {
		t.Fatalf("RunSource вернул ошибку: %v", err)
	}
	if result.Sync.Created != 2 || result.Candidates != 2 {
		t.Errorf("Created/Candidates = %d/%d, ожидается 2/2", result.Sync.Created, result.Candidates)
	}
	if result.Published != 2 || result.Fetched != 2 || result.Failed != 0 {
		t.Errorf("Published/Fetched/Failed = %d/%d/%d, ожидается 2/2/0", result.Published, result.Fetched, result.Failed)
	}

	m := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "a"})
	if !m.IsPublished() || m.SHA1 == nil {
		t.Fatalf("элемент a не опубликован: %+v", m)
	}
	if m.Filenames[0] != "Item a (met a).png" {
		t.Errorf("Filenames = %v", m.Filenames)
	}

	rec, err := env.catalog.FindByHash(context.Background(), *m.SHA1)
	if err != nil || rec == nil {
		t.Fatalf("FindByHash: %v, %v", rec, err)
	}
	if !rec.IsReadableImage() || rec.Width == nil || *rec.Width != 32 {
		t.Errorf("FileRecord без отпечатка: %+v", rec)
	}
	if !rec.HasFilename("Item a (met a).png") {
		t.Errorf("FileRecord.Filenames = %v", rec.Filenames)
	}

	if len(env.store.AttemptLog()) != 2 {
		t.Errorf("записей попыток = %d, ожидается 2", len(env.store.AttemptLog()))
	}

	call := env.publisher.calls[0]
	if !strings.Contains(call.Text, "[[Category:Media from met]]") || !strings.Contains(call.Text, "{{Cc-zero}}") {
		t.Errorf("текст страницы:\n%s", call.Text)
	}
}

func TestRunSource_NeverRepublishes(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "a", server.URL+"/a.png")}}
	env := newTestEnv(t, []harvest.Harvester{h}, 2)

	for i := 0; i < 3; i++ {
		if _, err := env.service.RunSource(context.Background(), h); err != nil {
			t.Fatalf("RunSource #%d: %v", i+1, err)
		}
	}
	if env.publisher.callCount() != 1 {
		t.Errorf("вызовов публикации = %d, ожидается 1", env.publisher.callCount())
	}
}

func TestRunSource_SameContentLinkedAsDuplicate(t *testing.T) {
	body := pngBytes(t, 5)
	server := assetServer(t, map[string]asset{
		"/one.png": {"image/png", body},
		"/two.png": {"image/png", body},
	})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{
		item("met", "1", server.URL+"/one.png"),
		item("met", "2", server.URL+"/two.png"),
	}}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	result, err := env.service.RunSource(context.Background(), h)
	if err != nil {
		t.Fatalf("RunSource вернул ошибку: %v", err)
	}
	if result.Published != 1 || result.Duplicates != 1 {
		t.Errorf("Published/Duplicates = %d/%d, ожидается 1/1", result.Published, result.Duplicates)
	}
	if env.publisher.callCount() != 1 {
		t.Errorf("вызовов публикации = %d, ожидается 1", env.publisher.callCount())
	}

	second := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "2"})
	if len(second.Filenames) != 1 || second.Filenames[0] != "Item 1 (met 1).png" {
		t.Errorf("дубликат связан с %v, ожидается имя первого элемента", second.Filenames)
	}
}

func TestRunSource_ItemIsolation(t *testing.T) {
	server := assetServer(t, map[string]asset{
		"/ok.png":    {"image/png", pngBytes(t, 1)},
		"/panic.png": {"image/png", pngBytes(t, 2)},
	})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{
		item("met", "missing", server.URL+"/missing.png"),
		item("met", "ok", server.URL+"/ok.png"),
		item("met", "panic", server.URL+"/panic.png"),
	}}
	env := newTestEnv(t, []harvest.Harvester{h}, 3)
	env.publisher.respond = func(req publisher.UploadRequest) *model.PublicationAttempt {
		if req.LocalID == "panic" {
			panic("сбой публикации")
		}
		return &model.PublicationAttempt{SourceID: req.SourceID, LocalID: req.LocalID, SHA1: req.SHA1,
			Outcome: model.OutcomeSuccess, Filename: req.Filename, Attempts: 1}
	}

	result, err := env.service.RunSource(context.Background(), h)
	if err != nil {
		t.Fatalf("RunSource вернул ошибку: %v", err)
	}
	if result.Published != 1 || result.Failed != 2 {
		t.Errorf("Published/Failed = %d/%d, ожидается 1/2", result.Published, result.Failed)
	}
	if m := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "ok"}); !m.IsPublished() {
		t.Error("элемент ok не опубликован из-за ошибок соседей")
	}
}

func TestRunSource_ReadOnly(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "a", server.URL+"/a.png")}}
	env := newTestEnv(t, []harvest.Harvester{h}, 2)
	env.publisher.enabled = false

	result, err := env.service.RunSource(context.Background(), h)
	if err != nil {
		t.Fatalf("RunSource вернул ошибку: %v", err)
	}
	if result.Skipped != 1 || env.publisher.callCount() != 0 {
		t.Errorf("Skipped = %d, вызовов = %d; ожидается 1 и 0", result.Skipped, env.publisher.callCount())
	}
	m := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "a"})
	if m.SHA1 == nil {
		t.Error("содержимое не связано с элементом в режиме только чтения")
	}
	if m.IsPublished() {
		t.Error("элемент помечен опубликованным без публикации")
	}
}

func TestRunSource_FailureRetriedNextCycle(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "a", server.URL+"/a.png")}}
	env := newTestEnv(t, []harvest.Harvester{h}, 2)

	fail := true
	env.publisher.respond = func(req publisher.UploadRequest) *model.PublicationAttempt {
		if fail {
			return &model.PublicationAttempt{SourceID: req.SourceID, LocalID: req.LocalID,
				Outcome: model.OutcomeFailure, FailureKind: model.FailureTimeout, Error: "timeout", Attempts: 2}
		}
		return &model.PublicationAttempt{SourceID: req.SourceID, LocalID: req.LocalID,
			Outcome: model.OutcomeConflict, Filename: "Existing.png", Attempts: 1}
	}

	result, _ := env.service.RunSource(context.Background(), h)
	if result.Failed != 1 {
		t.Errorf("Failed = %d, ожидается 1", result.Failed)
	}
	log := env.store.AttemptLog()
	if len(log) != 1 || log[0].FailureKind != model.FailureTimeout {
		t.Errorf("журнал попыток = %+v", log)
	}

	fail = false
	result, _ = env.service.RunSource(context.Background(), h)
	if result.Published != 1 {
		t.Errorf("Published = %d, ожидается 1 после повтора", result.Published)
	}
	m := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "a"})
	if len(m.Filenames) != 1 || m.Filenames[0] != "Existing.png" {
		t.Errorf("Filenames = %v, ожидается имя существующего файла", m.Filenames)
	}
}

func TestRunSource_UnreadableImageStoredWithoutFingerprint(t *testing.T) {
	server := assetServer(t, map[string]asset{"/bad.png": {"image/png", []byte("definitely not a png")}})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "bad", server.URL+"/bad.png")}}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	result, err := env.service.RunSource(context.Background(), h)
	if err != nil {
		t.Fatalf("RunSource вернул ошибку: %v", err)
	}
	if result.Published != 1 {
		t.Errorf("Published = %d, ожидается 1", result.Published)
	}

	m := env.store.MediaSnapshot(model.MediaKey{SourceID: "met", LocalID: "bad"})
	rec, _ := env.catalog.FindByHash(context.Background(), *m.SHA1)
	if rec.PHash != nil || rec.IsReadableImage() {
		t.Errorf("FileRecord с отпечатком для нечитаемого изображения: %+v", rec)
	}
}

func TestRunSource_SkipsWithoutLicenseTemplate(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	m := item("met", "a", server.URL+"/a.png")
	m.LicenseCode = "LOCAL-FREE"
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{m}}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	result, _ := env.service.RunSource(context.Background(), h)
	if result.Skipped != 1 || env.publisher.callCount() != 0 {
		t.Errorf("Skipped = %d, вызовов = %d; ожидается 1 и 0", result.Skipped, env.publisher.callCount())
	}
}

func TestRunSource_IgnoredItemsNotPublished(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	m := item("met", "a", server.URL+"/a.png")
	m.LicenseCode = "All-Rights-Reserved"
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{m}}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	result, _ := env.service.RunSource(context.Background(), h)
	if result.Candidates != 0 || env.publisher.callCount() != 0 {
		t.Errorf("Candidates = %d, вызовов = %d; ожидается 0 и 0", result.Candidates, env.publisher.callCount())
	}
}

func TestRunSource_HarvestError(t *testing.T) {
	h := &fakeHarvester{id: "met", err: errors.New("лента недоступна")}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	if _, err := env.service.RunSource(context.Background(), h); err == nil {
		t.Fatal("RunSource не вернул ошибку при сбое сбора")
	}
	if counts, _ := env.catalog.CountsBySource(context.Background(), "met"); counts.Total != 0 {
		t.Errorf("синхронизация выполнена при сбое сбора: %+v", counts)
	}
}

func TestRunAll_PartialFailure(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	good := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "a", server.URL+"/a.png")}}
	bad := &fakeHarvester{id: "nasa", err: errors.New("лента недоступна")}
	env := newTestEnv(t, []harvest.Harvester{good, bad}, 1)

	results, err := env.service.RunAll(context.Background())
	if len(results) != 1 || results[0].SourceID != "met" {
		t.Errorf("results = %v, ожидается только met", results)
	}
	if err == nil || !strings.Contains(err.Error(), "nasa") {
		t.Errorf("ошибка = %v, ожидается упоминание nasa", err)
	}
}

func TestHarvestService_StartStop(t *testing.T) {
	server := assetServer(t, map[string]asset{"/a.png": {"image/png", pngBytes(t, 1)}})
	h := &fakeHarvester{id: "met", items: []*model.CandidateMedia{item("met", "a", server.URL+"/a.png")}}
	env := newTestEnv(t, []harvest.Harvester{h}, 1)

	env.service.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for env.publisher.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	env.service.Stop()

	if env.publisher.callCount() != 1 {
		t.Errorf("вызовов публикации = %d, ожидается 1 (первый цикл при старте)", env.publisher.callCount())
	}
}
