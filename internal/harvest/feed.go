package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// defaultMaxPages — предел страниц ленты по умолчанию.
const defaultMaxPages = 50

// maxFeedPageBytes — предел размера одной страницы ленты.
const maxFeedPageBytes = 32 << 20

// ErrFeedStatus — лента вернула не 200.
var ErrFeedStatus = errors.New("неожиданный HTTP-статус ленты")

var (
	harvestItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_harvest_items_total",
		Help: "Элементы, полученные из источников",
	}, []string{"source", "status"}) // status: accepted, rejected
)

// feedPage — страница JSON-ленты.
type feedPage struct {
	Items []feedItem `json:"items"`
	// Next — адрес следующей страницы (пусто — последняя)
	Next string `json:"next"`
}

// feedItem — элемент JSON-ленты.
type feedItem struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	License     string `json:"license"`
	Credit      string `json:"credit"`
	CapturedAt  string `json:"captured_at"`
	PublishedAt string `json:"published_at"`
}

// parseFeedTime разбирает время в формате RFC 3339 или YYYY-MM-DD.
// Пустая строка — время неизвестно.
func parseFeedTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("некорректное время %q", s)
}

// FeedHarvester — адаптер JSON-ленты с постраничным переходом по next.
type FeedHarvester struct {
	src    SourceConfig
	client *http.Client
	ua     string
	logger *slog.Logger
}

// NewFeedHarvester создаёт адаптер JSON-ленты.
func NewFeedHarvester(src SourceConfig, cfg ClientConfig, logger *slog.Logger) *FeedHarvester {
	if src.MaxPages == 0 {
		src.MaxPages = defaultMaxPages
	}
	return &FeedHarvester{
		src:    src,
		client: &http.Client{Timeout: cfg.Timeout},
		ua:     cfg.UserAgent,
		logger: logger.With(
			slog.String("component", "harvest"),
			slog.String("source_id", src.ID),
		),
	}
}

// SourceID реализует Harvester.
func (h *FeedHarvester) SourceID() string { return h.src.ID }

// Category реализует Harvester.
func (h *FeedHarvester) Category() string { return h.src.Category }

// Harvest загружает все страницы ленты. Некорректные элементы пропускаются
// с предупреждением; повторный id внутри ленты учитывается один раз.
// Ошибка любой страницы прерывает сбор: неполный набор нельзя передавать
// на синхронизацию.
func (h *FeedHarvester) Harvest(ctx context.Context) ([]*model.CandidateMedia, error) {
	var (
		result  []*model.CandidateMedia
		seen    = make(map[string]bool)
		pageURL = h.src.URL
	)

	for page := 1; pageURL != ""; page++ {
		if page > h.src.MaxPages {
			return nil, fmt.Errorf("превышен предел страниц ленты (%d)", h.src.MaxPages)
		}

		fp, err := h.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("страница %d: %w", page, err)
		}

		for _, item := range fp.Items {
			m, err := h.toCandidate(item)
			if err != nil {
				harvestItemsTotal.WithLabelValues(h.src.ID, "rejected").Inc()
				h.logger.Warn("Элемент ленты отклонён",
					slog.String("local_id", item.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if seen[m.LocalID] {
				continue
			}
			seen[m.LocalID] = true
			harvestItemsTotal.WithLabelValues(h.src.ID, "accepted").Inc()
			result = append(result, m)
		}

		next, err := resolveNext(pageURL, fp.Next)
		if err != nil {
			return nil, fmt.Errorf("страница %d: %w", page, err)
		}
		pageURL = next
	}

	h.logger.Debug("Лента получена", slog.Int("items", len(result)))
	return result, nil
}

func (h *FeedHarvester) fetchPage(ctx context.Context, pageURL string) (*feedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.ua != "" {
		req.Header.Set("User-Agent", h.ua)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса ленты: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d: %s", ErrFeedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var fp feedPage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedPageBytes)).Decode(&fp); err != nil {
		return nil, fmt.Errorf("ошибка разбора ленты: %w", err)
	}
	return &fp, nil
}

// toCandidate проверяет элемент и переводит его в CandidateMedia.
func (h *FeedHarvester) toCandidate(item feedItem) (*model.CandidateMedia, error) {
	localID := strings.TrimSpace(item.ID)
	if localID == "" {
		return nil, errors.New("пустой id")
	}
	assetURL := strings.TrimSpace(item.URL)
	u, err := url.Parse(assetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("некорректный url %q", item.URL)
	}
	capturedAt, err := parseFeedTime(item.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("captured_at: %w", err)
	}
	publishedAt, err := parseFeedTime(item.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("published_at: %w", err)
	}
	license := strings.TrimSpace(item.License)
	if license == "" {
		license = h.src.License
	}

	return &model.CandidateMedia{
		SourceID:    h.src.ID,
		LocalID:     localID,
		AssetURL:    assetURL,
		Title:       strings.TrimSpace(item.Title),
		Description: strings.TrimSpace(item.Description),
		Credit:      strings.TrimSpace(item.Credit),
		LicenseCode: license,
		CapturedAt:  capturedAt,
		PublishedAt: publishedAt,
	}, nil
}

// resolveNext разрешает относительный адрес следующей страницы.
func resolveNext(current, next string) (string, error) {
	next = strings.TrimSpace(next)
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес страницы: %w", err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес next %q: %w", next, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.String() == current {
		return "", fmt.Errorf("next указывает на текущую страницу")
	}
	return resolved.String(), nil
}
