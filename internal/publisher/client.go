// Пакет publisher — клиент API медиарепозитория (MediaWiki action API).
// Подписывает запросы OAuth1, кеширует CSRF-токен, сериализует загрузки
// глобальным ограничителем частоты и разрешает известные конфликты.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dghubble/oauth1"
)

// rightUploadByURL — право загрузки по URL.
const rightUploadByURL = "upload_by_url"

// maxResponseBytes — предел чтения тела ответа API.
const maxResponseBytes = 1 << 20

// Config — параметры клиента репозитория.
type Config struct {
	// APIURL — адрес api.php
	APIURL string
	// OAuth1: ключи потребителя и токен доступа
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
	// MinInterval — минимальный интервал между началами отправок загрузки
	MinInterval time.Duration
	// APITimeout — таймаут служебных запросов (токен, права)
	APITimeout time.Duration
	// UploadTimeout — таймаут одного запроса загрузки
	UploadTimeout time.Duration
	// UserAgent — заголовок User-Agent
	UserAgent string
}

// signed — заданы все учётные данные OAuth1.
func (c Config) signed() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

// APIError — ошибка, возвращённая API репозитория.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ошибка API репозитория %s: %s", e.Code, e.Info)
}

// apiResponse — общий конверт ответа action API.
type apiResponse struct {
	Error *APIError `json:"error"`
	Query *struct {
		Tokens *struct {
			CSRFToken string `json:"csrftoken"`
		} `json:"tokens"`
		UserInfo *struct {
			ID     int      `json:"id"`
			Name   string   `json:"name"`
			Rights []string `json:"rights"`
		} `json:"userinfo"`
	} `json:"query"`
	Upload *uploadResult `json:"upload"`
}

type uploadResult struct {
	Result   string                     `json:"result"`
	Filename string                     `json:"filename"`
	Warnings map[string]json.RawMessage `json:"warnings"`
}

// Client — клиент API репозитория.
// Безопасен для конкурентного использования; загрузки выполняются строго по одной.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	limiter *rateLimiter

	tokenMu   sync.Mutex
	csrfToken string

	uploadEnabled atomic.Bool
}

// New создаёт клиент. Без полного набора учётных данных OAuth1 запросы
// не подписываются, а загрузка остаётся выключенной до CheckUploadRights.
func New(cfg Config, logger *slog.Logger) *Client {
	base := &http.Client{Transport: http.DefaultTransport}
	httpClient := base
	if cfg.signed() {
		ctx := context.WithValue(context.Background(), oauth1.HTTPClient, base)
		httpClient = oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret).
			Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret))
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "publisher")),
		limiter:    newRateLimiter(cfg.MinInterval),
	}
}

// UploadEnabled — публикация разрешена (права проверены).
func (c *Client) UploadEnabled() bool {
	return c.uploadEnabled.Load()
}

// CheckUploadRights запрашивает права учётной записи и включает загрузку,
// если среди них есть upload_by_url. Без права клиент работает в режиме
// только чтения.
func (c *Client) CheckUploadRights(ctx context.Context) error {
	if !c.cfg.signed() {
		c.uploadEnabled.Store(false)
		c.logger.Warn("Учётные данные OAuth не заданы, публикация отключена")
		return nil
	}

	params := url.Values{
		"action": {"query"},
		"meta":   {"userinfo"},
		"uiprop": {"rights"},
	}
	var resp apiResponse
	if err := c.apiGet(ctx, params, &resp); err != nil {
		c.uploadEnabled.Store(false)
		return fmt.Errorf("ошибка запроса прав учётной записи: %w", err)
	}
	if resp.Query == nil || resp.Query.UserInfo == nil {
		c.uploadEnabled.Store(false)
		return fmt.Errorf("ответ без userinfo")
	}

	info := resp.Query.UserInfo
	enabled := slices.Contains(info.Rights, rightUploadByURL)
	c.uploadEnabled.Store(enabled)
	if !enabled {
		c.logger.Warn("У учётной записи нет права upload_by_url, публикация отключена",
			slog.String("user", info.Name),
		)
		return nil
	}

	c.logger.Info("Права на загрузку подтверждены",
		slog.String("user", info.Name),
	)
	return nil
}

// CheckReady реализует проверку готовности для /health/ready.
func (c *Client) CheckReady() (status string, message string) {
	if !c.UploadEnabled() {
		return "degraded", "публикация отключена (режим только чтения)"
	}
	return "ok", ""
}

// token возвращает кешированный CSRF-токен или запрашивает новый.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.csrfToken != "" {
		return c.csrfToken, nil
	}

	params := url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"csrf"},
	}
	var resp apiResponse
	if err := c.apiGet(ctx, params, &resp); err != nil {
		return "", fmt.Errorf("ошибка получения CSRF-токена: %w", err)
	}
	if resp.Query == nil || resp.Query.Tokens == nil || resp.Query.Tokens.CSRFToken == "" {
		return "", fmt.Errorf("ответ без CSRF-токена")
	}

	c.csrfToken = resp.Query.Tokens.CSRFToken
	c.logger.Debug("CSRF-токен получен")
	return c.csrfToken, nil
}

// invalidateToken сбрасывает кешированный токен.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.csrfToken = ""
	c.tokenMu.Unlock()
}

// apiGet выполняет служебный GET-запрос с таймаутом APITimeout.
func (c *Client) apiGet(ctx context.Context, params url.Values, out *apiResponse) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	params.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка запроса к API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API вернул статус %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ошибка разбора ответа: %w", err)
	}
	if out.Error != nil {
		return out.Error
	}
	return nil
}

// upload отправляет один запрос загрузки по URL с таймаутом UploadTimeout.
// Возвращает имя загруженного файла.
func (c *Client) upload(ctx context.Context, token string, req UploadRequest, assetURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	form := url.Values{
		"action":   {"upload"},
		"filename": {req.Filename},
		"text":     {req.Text},
		"comment":  {req.Comment},
		"url":      {assetURL},
		"token":    {token},
		"format":   {"json"},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("ошибка создания запроса: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ошибка запроса загрузки: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("ошибка чтения ответа загрузки: %w", err)
	}
	if resp.StatusCode == http.StatusGatewayTimeout || strings.Contains(string(body), upstreamTimeoutMarker) {
		return "", fmt.Errorf("%w: статус %d", errUpstreamTimeout, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API вернул статус %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ошибка разбора ответа загрузки: %w", err)
	}
	if out.Error != nil {
		return "", out.Error
	}
	if out.Upload == nil {
		return "", fmt.Errorf("ответ без результата загрузки")
	}
	return parseUploadResult(out.Upload)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
}

// parseUploadResult разбирает блок upload ответа.
func parseUploadResult(r *uploadResult) (string, error) {
	switch r.Result {
	case "Success":
		return r.Filename, nil
	case "Warning":
		if raw, ok := r.Warnings["duplicate"]; ok {
			if name := firstString(raw); name != "" {
				return "", &duplicateError{Filename: name}
			}
		}
		keys := make([]string, 0, len(r.Warnings))
		for k := range r.Warnings {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return "", &APIError{Code: "warning", Info: strings.Join(keys, ",")}
	default:
		return "", fmt.Errorf("неожиданный результат загрузки %q", r.Result)
	}
}

// firstString извлекает строку из JSON-строки или первый элемент JSON-массива.
func firstString(raw json.RawMessage) string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
