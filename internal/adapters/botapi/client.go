// Package botapi — клиент Telegram Bot API поверх net/http.
//
// Бот — лицо сервиса для пользователей: шлёт уведомления (session.Messenger), пишет
// в лог-канал (audit.ChannelSender), запрашивает профили при синхронизации
// (accounts.ChatLookup) и забирает ответы на запросы продления always-on (Poller).
// Ошибки классифицируются на временные (5xx, сеть, retry_after) и постоянные
// (большинство 4xx); временные повторяются общим троттлером.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/metrics"
	"kingtg-userbot/internal/infra/throttle"
)

// httpClientTimeout — таймаут HTTP-клиента. Должен перекрывать long-poll getUpdates.
const httpClientTimeout = 60 * time.Second

// DefaultBaseURL — адрес Bot API.
const DefaultBaseURL = "https://api.telegram.org"

// defaultMaxRetries — повторы временных ошибок одного вызова.
const defaultMaxRetries = 3

// Options — параметры клиента.
type Options struct {
	Token  string
	TestDC bool
	// RPS — средняя частота запросов.
	RPS int
	// Burst — ёмкость бакета; 0 — 2*RPS.
	Burst int
	// BaseURL переопределяет адрес API (тесты).
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	// RetryInterval — начальная пауза backoff; 0 — умолчание throttle.
	RetryInterval time.Duration
}

// Client выполняет методы Bot API.
type Client struct {
	endpoint string
	http     *http.Client
	throttle *throttle.Throttler
	log      *zap.Logger
}

// APIError — неуспешный ответ Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	retryAfter  time.Duration
	permanent   bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api %s: %d %s", e.Method, e.Code, e.Description)
}

// RetryAfter возвращает серверную паузу (0 — не задана).
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// StopRetry сообщает троттлеру, что повтор бессмыслен.
func (e *APIError) StopRetry() bool { return e.permanent }

// New создаёт клиента.
//
// Поведение:
//   - при TestDC=true добавляет суффикс /test к токену согласно Bot API;
//   - адрес методов имеет вид <base>/bot<token>/<method>;
//   - RPS задаёт целевую среднюю частоту запросов.
func New(opts Options) *Client {
	token := opts.Token
	if opts.TestDC {
		token += "/test"
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: httpClientTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	thOpts := []throttle.Option{
		throttle.WithMaxRetries(maxRetries),
		throttle.WithWaitExtractors(RetryAfterExtractor()),
	}
	if opts.RetryInterval > 0 {
		thOpts = append(thOpts, throttle.WithBackoff(opts.RetryInterval, opts.RetryInterval*4))
	}
	if opts.Burst > 0 {
		thOpts = append(thOpts, throttle.WithBurst(opts.Burst))
	}
	return &Client{
		endpoint: fmt.Sprintf("%s/bot%s/", base, token),
		http:     hc,
		throttle: throttle.New(opts.RPS, thOpts...),
		log:      logger.Named("botapi"),
	}
}

// Call выполняет метод с повторами временных ошибок и декодирует result в out (если не nil).
func (c *Client) Call(ctx context.Context, method string, payload, out any) error {
	return c.throttle.Do(ctx, func() error {
		err := c.do(ctx, method, payload, out)
		metrics.BotAPIRequests.WithLabelValues(method, statusLabel(err)).Inc()
		return err
	})
}

// do выполняет один POST JSON. Возвращает *APIError для ответов API и сырую ошибку
// для сетевых сбоев.
func (c *Client) do(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &APIError{Method: method, Description: err.Error(), permanent: true}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+method, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "bot api %s", method)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	return decodeResponse(method, resp, respBody, out)
}

// decodeResponse разбирает конверт Bot API. Не-200 без JSON-тела классифицируется
// по статусу: 429 и 5xx временные, прочие 4xx постоянные.
func decodeResponse(method string, resp *http.Response, body []byte, out any) error {
	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return httpError(method, resp, body)
		}
		return errors.Wrapf(err, "bot api %s: decode response", method)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: strings.TrimSpace(env.Description)}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters.RetryAfter > 0 {
			apiErr.retryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		} else {
			apiErr.retryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		}
		apiErr.permanent = isPermanent(apiErr.Code, apiErr.Description)
		return apiErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "bot api %s: decode result", method)
	}
	return nil
}

func httpError(method string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Method:      method,
		Code:        resp.StatusCode,
		Description: msg,
		retryAfter:  parseRetryAfterHeader(resp.Header.Get("Retry-After")),
		permanent:   isPermanent(resp.StatusCode, msg),
	}
}

// parseRetryAfterHeader парсит Retry-After: число секунд или абсолютную дату.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(value); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// isPermanent: большинство 4xx постоянные, кроме 429 и сообщений с retry after.
func isPermanent(code int, desc string) bool {
	if code == http.StatusTooManyRequests {
		return false
	}
	desc = strings.ToLower(desc)
	if strings.Contains(desc, "retry_after") || strings.Contains(desc, "retry after") {
		return false
	}
	return code >= 400 && code < 500
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strconv.Itoa(apiErr.Code)
	}
	return "network"
}
