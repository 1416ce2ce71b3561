// Пакет harvest — адаптеры источников: получение списка доступных
// элементов источника в виде нормализованных CandidateMedia.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Harvester — адаптер одного источника.
type Harvester interface {
	// SourceID — идентификатор источника
	SourceID() string
	// Category — категория репозитория для загрузок источника (может быть пустой)
	Category() string
	// Harvest возвращает полный текущий набор доступных элементов источника.
	Harvest(ctx context.Context) ([]*model.CandidateMedia, error)
}

// Типы источников.
const (
	TypeJSONFeed = "json_feed"
)

var sourceIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// SourceConfig — описание источника в файле источников.
type SourceConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
	// License — код лицензии для элементов без собственного кода
	License string `yaml:"license"`
	// MaxPages — предел страниц при переходе по next (0 — по умолчанию)
	MaxPages int `yaml:"max_pages"`
	// Disabled — источник пропускается
	Disabled bool `yaml:"disabled"`
}

// SourcesFile — корень YAML-файла источников.
type SourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources читает и проверяет файл источников.
// Возвращает только включённые источники.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла источников: %w", err)
	}
	return ParseSources(data)
}

// ParseSources разбирает содержимое файла источников.
func ParseSources(data []byte) ([]SourceConfig, error) {
	var file SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла источников: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	enabled := make([]SourceConfig, 0, len(file.Sources))
	for i, src := range file.Sources {
		if !sourceIDRe.MatchString(src.ID) {
			return nil, fmt.Errorf("источник #%d: некорректный id %q", i+1, src.ID)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("источник %s: id повторяется", src.ID)
		}
		seen[src.ID] = true

		if src.Type == "" {
			src.Type = TypeJSONFeed
		}
		if src.Type != TypeJSONFeed {
			return nil, fmt.Errorf("источник %s: неизвестный тип %q", src.ID, src.Type)
		}
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("источник %s: некорректный url %q", src.ID, src.URL)
		}
		if src.MaxPages < 0 {
			return nil, fmt.Errorf("источник %s: max_pages не может быть отрицательным", src.ID)
		}

		if !src.Disabled {
			enabled = append(enabled, src)
		}
	}
	return enabled, nil
}

// ClientConfig — параметры HTTP-клиента адаптеров.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// Build создаёт адаптеры для источников.
func Build(sources []SourceConfig, cfg ClientConfig, logger *slog.Logger) []Harvester {
	harvesters := make([]Harvester, 0, len(sources))
	for _, src := range sources {
		// Единственный тип проверен в ParseSources.
		harvesters = append(harvesters, NewFeedHarvester(src, cfg, logger))
	}
	return harvesters
}

// Filter оставляет адаптеры с указанными id (пустой список — все).
func Filter(harvesters []Harvester, ids []string) ([]Harvester, error) {
	if len(ids) == 0 {
		return harvesters, nil
	}
	byID := make(map[string]Harvester, len(harvesters))
	for _, h := range harvesters {
		byID[h.SourceID()] = h
	}
	out := make([]Harvester, 0, len(ids))
	for _, id := range ids {
		h, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("источник %q не найден", id)
		}
		out = append(out, h)
	}
	return out, nil
}
