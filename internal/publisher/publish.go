package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// maxSends — предел отправок загрузки за один вызов Publish
// (исходная + по одному повтору на таймаут, токен и URL).
const maxSends = 4

// upstreamTimeoutMarker — тело ответа прокси при таймауте бэкенда.
const upstreamTimeoutMarker = "upstream request timeout"

var errUpstreamTimeout = errors.New("таймаут на стороне репозитория")

// existingFileRe извлекает имя существующего файла из текста конфликта.
var existingFileRe = regexp.MustCompile(`File:([^\]\[|\n"]+)`)

var (
	publishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_harvester_publish_duration_seconds",
		Help:    "Длительность вызова публикации (включая ожидание и повторы)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms … ~205s
	})

	publishOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_publish_outcomes_total",
		Help: "Итоги публикации",
	}, []string{"outcome", "kind"})

	publishRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_harvester_publish_retries_total",
		Help: "Повторные отправки загрузки по причинам",
	}, []string{"cause"}) // cause: timeout, token, invalid_url
)

// UploadRequest — запрос загрузки по URL.
type UploadRequest struct {
	// SourceID, LocalID, SHA1 — публикуемый элемент (для записи попытки)
	SourceID string
	LocalID  string
	SHA1     string
	// Filename — желаемое имя файла в репозитории (нормализованное)
	Filename string
	// Text — вики-текст страницы описания
	Text string
	// Comment — комментарий загрузки
	Comment string
	// URL — адрес исходного файла
	URL string
}

// duplicateError — репозиторий уже содержит это содержимое под именем Filename.
type duplicateError struct {
	Filename string
}

func (e *duplicateError) Error() string {
	return fmt.Sprintf("дубликат существующего файла %s", e.Filename)
}

// retries — использованные повторы по причинам.
type retries struct {
	timeout    bool
	token      bool
	invalidURL bool
}

// Publish публикует файл. Одновременно выполняется не более одной публикации;
// между началами отправок выдерживается MinInterval.
//
// Неудача публикации выражается записью с Outcome=failure и nil-ошибкой.
// Ошибка возвращается только при отмене ctx.
func (c *Client) Publish(ctx context.Context, req UploadRequest) (*model.PublicationAttempt, error) {
	start := time.Now()
	attempt := &model.PublicationAttempt{
		SourceID:          req.SourceID,
		LocalID:           req.LocalID,
		SHA1:              req.SHA1,
		RequestedFilename: req.Filename,
	}

	if !c.UploadEnabled() {
		c.fail(attempt, model.FailureReadOnly, errors.New("публикация отключена"))
		return c.finish(attempt, start), nil
	}

	c.limiter.Lock()
	defer c.limiter.Unlock()

	log := c.logger.With(
		slog.String("source_id", req.SourceID),
		slog.String("local_id", req.LocalID),
		slog.String("filename", req.Filename),
	)

	assetURL := req.URL
	var used retries

	for attempt.Attempts < maxSends {
		token, err := c.token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTimeout(err) && !used.timeout {
				used.timeout = true
				publishRetriesTotal.WithLabelValues("timeout").Inc()
				log.Warn("Таймаут получения токена, повтор", slog.String("error", err.Error()))
				continue
			}
			c.fail(attempt, failureKind(err), err)
			break
		}

		if err := c.limiter.wait(ctx); err != nil {
			return nil, err
		}
		attempt.Attempts++

		filename, err := c.upload(ctx, token, req, assetURL)
		if err == nil {
			attempt.Outcome = model.OutcomeSuccess
			attempt.Filename = filename
			log.Info("Файл опубликован", slog.String("published_as", filename))
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if existing, ok := existingFilename(err); ok {
			attempt.Outcome = model.OutcomeConflict
			attempt.Filename = existing
			log.Info("Содержимое уже есть в репозитории", slog.String("existing", existing))
			break
		}

		switch {
		case isTimeout(err):
			if !used.timeout {
				used.timeout = true
				publishRetriesTotal.WithLabelValues("timeout").Inc()
				log.Warn("Таймаут загрузки, повтор", slog.String("error", err.Error()))
				continue
			}
			c.fail(attempt, model.FailureTimeout, err)

		case isBadToken(err):
			c.invalidateToken()
			if !used.token {
				used.token = true
				publishRetriesTotal.WithLabelValues("token").Inc()
				log.Warn("Токен недействителен, обновление и повтор", slog.String("error", err.Error()))
				continue
			}
			// Повторная ошибка токена — обычная неудача.
			c.fail(attempt, model.FailureOther, fmt.Errorf("повторная ошибка токена: %w", err))

		case isInvalidURL(err):
			if !used.invalidURL {
				used.invalidURL = true
				if encoded := encodeURL(assetURL); encoded != assetURL {
					publishRetriesTotal.WithLabelValues("invalid_url").Inc()
					log.Warn("URL отклонён, повтор с кодированным URL",
						slog.String("url", encoded),
						slog.String("error", err.Error()),
					)
					assetURL = encoded
					continue
				}
			}
			c.fail(attempt, model.FailureInvalidURL, err)

		default:
			c.fail(attempt, model.FailureOther, err)
		}
		break
	}

	if attempt.Outcome == "" {
		c.fail(attempt, model.FailureOther, errors.New("исчерпан лимит отправок"))
	}
	if attempt.Outcome == model.OutcomeFailure {
		log.Warn("Публикация не удалась",
			slog.String("kind", string(attempt.FailureKind)),
			slog.Int("attempts", attempt.Attempts),
			slog.String("error", attempt.Error),
		)
	}
	return c.finish(attempt, start), nil
}

func (c *Client) fail(a *model.PublicationAttempt, kind model.FailureKind, err error) {
	a.Outcome = model.OutcomeFailure
	a.FailureKind = kind
	a.Error = err.Error()
}

func (c *Client) finish(a *model.PublicationAttempt, start time.Time) *model.PublicationAttempt {
	a.Duration = time.Since(start)
	publishDuration.Observe(a.Duration.Seconds())
	publishOutcomesTotal.WithLabelValues(string(a.Outcome), string(a.FailureKind)).Inc()
	return a
}

// existingFilename распознаёт конфликт «точный дубликат» и извлекает имя
// существующего файла.
func existingFilename(err error) (string, bool) {
	var dup *duplicateError
	if errors.As(err, &dup) {
		return dup.Filename, true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch apiErr.Code {
	case "fileexists-no-change", "duplicate":
	default:
		return "", false
	}
	m := existingFileRe.FindStringSubmatch(apiErr.Info)
	if m == nil {
		return "", false
	}
	name := strings.TrimRight(strings.TrimSpace(m[1]), ".")
	if name == "" {
		return "", false
	}
	return name, true
}

// isTimeout — транспортный таймаут или таймаут на стороне репозитория.
func isTimeout(err error) bool {
	if errors.Is(err, errUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Code, "DBQueryTimeoutError")
}

func isBadToken(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == "badtoken" || apiErr.Code == "notoken")
}

func isInvalidURL(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case "http-invalid-url", "copyuploadbaddomain", "invalid-url":
		return true
	}
	return false
}

func failureKind(err error) model.FailureKind {
	switch {
	case isTimeout(err):
		return model.FailureTimeout
	case isBadToken(err):
		return model.FailureToken
	default:
		return model.FailureOther
	}
}

// encodeURL возвращает URL с процентным кодированием пути и запроса.
// Если URL не разбирается, возвращается исходная строка.
func encodeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.RawPath = ""
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}
