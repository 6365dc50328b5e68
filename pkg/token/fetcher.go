// Package token получает и выпускает токены голосового провайдера.
//
// Fetcher используется клиентом: он запрашивает токен у основного эндпоинта
// и при неудаче один раз обращается к резервному. Issuer используется
// сервером для выпуска capability и access токенов.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/web_dialer/pkg/metrics"
)

// Пути эндпоинтов по умолчанию
const (
	PrimaryPath   = "/api/token"
	SecondaryPath = "/api/simple-token"
)

// ErrTokenUnavailable оба эндпоинта не вернули токен
var ErrTokenUnavailable = errors.New("token unavailable")

// UnavailableError описывает последнюю неудачную попытку
type UnavailableError struct {
	Endpoint string
	Detail   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("token unavailable: %s: %s", e.Endpoint, e.Detail)
}

// Is позволяет сравнивать с ErrTokenUnavailable через errors.Is
func (e *UnavailableError) Is(target error) bool {
	return target == ErrTokenUnavailable
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Fetcher получает токен с резервированием
type Fetcher struct {
	primary   string
	secondary string
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// FetcherOption настраивает Fetcher
type FetcherOption func(*Fetcher)

// WithHTTPClient задает HTTP клиент
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithFetcherLogger задает логгер
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithFetcherMetrics задает сборщик метрик
func WithFetcherMetrics(m *metrics.Collector) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher создает Fetcher для пары полных URL эндпоинтов
func NewFetcher(primaryURL, secondaryURL string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		primary:   primaryURL,
		secondary: secondaryURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(slog.String("component", "token"))
	return f
}

// NewFetcherForBase создает Fetcher для стандартных путей на сервере baseURL
func NewFetcherForBase(baseURL string, opts ...FetcherOption) *Fetcher {
	return NewFetcher(baseURL+PrimaryPath, baseURL+SecondaryPath, opts...)
}

// Acquire возвращает токен. Сначала опрашивается основной эндпоинт, затем
// резервный. Если оба не ответили токеном, возвращается *UnavailableError
// с деталями последней попытки.
func (f *Fetcher) Acquire(ctx context.Context) (string, error) {
	var lastErr error
	for _, endpoint := range []string{f.primary, f.secondary} {
		if endpoint == "" {
			continue
		}
		tok, err := f.fetch(ctx, endpoint)
		f.metrics.TokenFetch(endpoint, err == nil)
		if err == nil {
			f.logger.Info("token acquired", slog.String("endpoint", endpoint))
			return tok, nil
		}
		f.logger.Warn("token endpoint failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()))
		lastErr = &UnavailableError{Endpoint: endpoint, Detail: err.Error()}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = &UnavailableError{Detail: "no token endpoints configured"}
	}
	return "", lastErr
}

func (f *Fetcher) fetch(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrap(err, "read body")
	}

	f.logger.Debug("token endpoint responded",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload tokenResponse
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return "", errors.Errorf("status %d: %s", resp.StatusCode, payload.Error)
		}
		return "", errors.Errorf("status %d", resp.StatusCode)
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errors.Wrap(err, "decode body")
	}
	if payload.Token == "" {
		return "", errors.New("response has no token")
	}
	return payload.Token, nil
}
