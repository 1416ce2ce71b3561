package catalog

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Prometheus-метрики кэша счётчиков.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_harvester_counts_cache_hits_total",
		Help: "Общее количество попаданий в кэш счётчиков источников.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_harvester_counts_cache_misses_total",
		Help: "Общее количество промахов кэша счётчиков источников.",
	})
	cacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_harvester_counts_cache_invalidations_total",
		Help: "Сколько раз счётчики источника вытеснены после записи (sync, связывание имени, сброс исключений).",
	})
)

// CountsCache хранит сводку по источнику (всего элементов, опубликовано,
// исключено) для итогового лога цикла сбора. Ключ — идентификатор источника.
//
// TTL ограничивает устаревание, но корректность держится на явном
// вытеснении: синхронизация свежести, LinkFilename и ResetIgnored вызывают
// Invalidate для своего источника сразу после фиксации транзакции.
//
// nil-кэш допустим и означает «без кэширования»: каждый запрос идёт в БД.
type CountsCache struct {
	cache *expirable.LRU[string, model.SourceCounts]
}

// NewCountsCache создаёт кэш на maxSources источников с временем жизни ttl.
// maxSources ≤ 0 отключает кэширование (возвращается nil).
func NewCountsCache(maxSources int, ttl time.Duration) *CountsCache {
	if maxSources <= 0 {
		return nil
	}
	return &CountsCache{cache: expirable.NewLRU[string, model.SourceCounts](maxSources, nil, ttl)}
}

// Lookup возвращает закэшированную сводку источника.
func (c *CountsCache) Lookup(sourceID string) (model.SourceCounts, bool) {
	if c == nil {
		return model.SourceCounts{}, false
	}
	counts, ok := c.cache.Get(sourceID)
	if !ok {
		cacheMissesTotal.Inc()
		return model.SourceCounts{}, false
	}
	cacheHitsTotal.Inc()
	return counts, true
}

// Store запоминает сводку, только что прочитанную из БД.
func (c *CountsCache) Store(sourceID string, counts model.SourceCounts) {
	if c == nil {
		return
	}
	c.cache.Add(sourceID, counts)
}

// Invalidate вытесняет сводку источника после записи в его элементы.
func (c *CountsCache) Invalidate(sourceID string) {
	if c == nil {
		return
	}
	if c.cache.Remove(sourceID) {
		cacheInvalidationsTotal.Inc()
	}
}
