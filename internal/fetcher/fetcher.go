// Пакет fetcher — загрузка удалённого содержимого во временный файл
// с подсчётом SHA-1 на лету и определением формата.
//
// Паттерн: temp файл → запись + SHA-1 → fsync → Result.
// При любой ошибке внутри Fetch временный файл удаляется; при успехе
// его удаляет вызывающий код через Result.Close().
package fetcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Ошибки загрузки.
var (
	// ErrUnexpectedStatus — сервер вернул не 2xx.
	ErrUnexpectedStatus = errors.New("неожиданный HTTP-статус")
	// ErrTooLarge — содержимое превышает допустимый размер.
	ErrTooLarge = errors.New("содержимое превышает допустимый размер")
)

var (
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_harvester_fetch_duration_seconds",
		Help:    "Длительность загрузки содержимого",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms … ~102s
	}, []string{"status"}) // status: ok, error

	fetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_harvester_fetch_bytes_total",
		Help: "Суммарный объём загруженного содержимого",
	})
)

// formatByMIME — таблица соответствия MIME-типа формату.
var formatByMIME = map[string]model.Format{
	"image/jpeg":      model.FormatJPEG,
	"image/pjpeg":     model.FormatJPEG,
	"image/png":       model.FormatPNG,
	"image/gif":       model.FormatGIF,
	"image/webp":      model.FormatWebP,
	"image/bmp":       model.FormatBMP,
	"image/x-ms-bmp":  model.FormatBMP,
	"image/tiff":      model.FormatTIFF,
	"image/svg+xml":   model.FormatSVG,
	"application/pdf": model.FormatPDF,
	"video/mp4":       model.FormatMP4,
	"video/webm":      model.FormatWebM,
	"audio/ogg":       model.FormatOGG,
	"video/ogg":       model.FormatOGG,
	"application/ogg": model.FormatOGG,
}

// FormatForMIME возвращает формат для MIME-типа (параметры игнорируются).
// Неизвестный тип — FormatUnknown.
func FormatForMIME(contentType string) model.Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if f, ok := formatByMIME[mediaType]; ok {
		return f
	}
	return model.FormatUnknown
}

// Config — параметры загрузчика.
type Config struct {
	// Timeout — таймаут одного запроса
	Timeout time.Duration
	// MaxBytes — максимальный размер содержимого
	MaxBytes int64
	// TempDir — каталог временных файлов (пусто — системный)
	TempDir string
	// UserAgent — заголовок User-Agent
	UserAgent string
}

// Result — загруженное содержимое во временном файле.
type Result struct {
	// SHA1 — хеш содержимого, 40 hex-символов в нижнем регистре
	SHA1 string
	// Size — размер в байтах
	Size int64
	// MimeType — MIME-тип (из заголовка или определённый по содержимому)
	MimeType string
	// Format — формат по таблице MIME
	Format model.Format

	path string
}

// Open открывает временный файл для повторного чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (r *Result) Open() (io.ReadCloser, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия временного файла: %w", err)
	}
	return f, nil
}

// Close удаляет временный файл. Повторный вызов безопасен.
func (r *Result) Close() error {
	if r.path == "" {
		return nil
	}
	err := os.Remove(r.path)
	r.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла: %w", err)
	}
	return nil
}

// Fetcher — загрузчик удалённого содержимого.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New создаёт загрузчик.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{},
		cfg:    cfg,
		logger: logger.With(slog.String("component", "fetcher")),
	}
}

// Fetch загружает содержимое по URL во временный файл.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, rawURL)
	status := "ok"
	if err != nil {
		status = "error"
	}
	fetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*Result, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d для %s", ErrUnexpectedStatus, resp.StatusCode, rawURL)
	}

	tmp, err := os.CreateTemp(f.cfg.TempDir, "mh-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	// Streaming запись с одновременным подсчётом SHA-1
	hasher := sha1.New()
	var body io.Reader = resp.Body
	if f.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}

	size, err := io.Copy(tmp, io.TeeReader(body, hasher))
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}
	if f.cfg.MaxBytes > 0 && size > f.cfg.MaxBytes {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: больше %d байт", ErrTooLarge, f.cfg.MaxBytes)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	fetchBytesTotal.Add(float64(size))

	res := &Result{
		SHA1: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
		path: tmpPath,
	}
	res.MimeType, res.Format = f.detectFormat(resp.Header.Get("Content-Type"), tmpPath)

	if res.Format == model.FormatUnknown {
		f.logger.Warn("Неизвестный формат содержимого",
			slog.String("url", rawURL),
			slog.String("mime_type", res.MimeType),
		)
	}

	return res, nil
}

// detectFormat определяет MIME-тип и формат. Заголовок Content-Type
// используется, если он конкретный; иначе тип определяется по содержимому.
func (f *Fetcher) detectFormat(header, path string) (string, model.Format) {
	mediaType, _, err := mime.ParseMediaType(header)
	if err == nil && mediaType != "application/octet-stream" {
		if format := FormatForMIME(mediaType); format != model.FormatUnknown {
			return mediaType, format
		}
	}

	mt, serr := mimetype.DetectFile(path)
	if serr != nil {
		f.logger.Debug("Не удалось определить тип по содержимому", slog.String("error", serr.Error()))
		if err == nil {
			return mediaType, model.FormatUnknown
		}
		return "application/octet-stream", model.FormatUnknown
	}

	sniffed, _, perr := mime.ParseMediaType(mt.String())
	if perr != nil {
		sniffed = mt.String()
	}
	return sniffed, FormatForMIME(sniffed)
}
