// Package api реализует HTTP сервер дозвонщика: выдачу токенов,
// голосовой webhook с TwiML, прием статусных callback провайдера,
// отладочный эндпоинт, health и метрики.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/arzzra/web_dialer/pkg/config"
	"github.com/arzzra/web_dialer/pkg/metrics"
	"github.com/arzzra/web_dialer/pkg/token"
)

// Маршруты API
const (
	RouteToken          = "/api/token"
	RouteSimpleToken    = "/api/simple-token"
	RouteVoice          = "/api/voice"
	RouteStatusCallback = "/api/status-callback"
	RouteDebug          = "/api/debug"
	RouteHealth         = "/health"
	RouteMetrics        = "/metrics"
)

// AccountChecker проверяет учетную запись провайдера
type AccountChecker interface {
	AccountStatus(ctx context.Context) (string, error)
}

// Server HTTP сервер дозвонщика
type Server struct {
	cfg        *config.Server
	issuer     *token.Issuer
	issuerErr  error
	logger     *slog.Logger
	metrics    *metrics.Collector
	gatherer   prometheus.Gatherer
	accounts   AccountChecker
	clock      clock.Clock
	decoder    *schema.Decoder
	validator  *twilioclient.RequestValidator
	startTime  time.Time
	handler    http.Handler
	httpServer *http.Server
}

// Option настраивает Server
type Option func(*Server)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics задает сборщик метрик и источник для /metrics
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// WithAccountChecker задает проверку аккаунта для /api/debug?verify=1
func WithAccountChecker(a AccountChecker) Option {
	return func(s *Server) { s.accounts = a }
}

// WithClock задает часы
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer создает сервер. Неполная конфигурация провайдера не мешает
// запуску: эндпоинты токенов отвечают 500 с перечнем недостающих значений.
func NewServer(cfg *config.Server, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   clock.New(),
		decoder: schema.NewDecoder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "api"))
	s.decoder.IgnoreUnknownKeys(true)
	s.startTime = s.clock.Now()

	s.issuer, s.issuerErr = token.NewIssuer(token.IssuerConfig{
		AccountSID:  cfg.Twilio.AccountSID,
		AuthToken:   cfg.Twilio.AuthToken,
		TwiMLAppSID: cfg.Twilio.TwiMLAppSID,
		APIKey:      cfg.Twilio.APIKey,
		APISecret:   cfg.Twilio.APISecret,
		ClientName:  cfg.ClientIdentity,
		TTL:         cfg.TokenTTL,
	}, s.clock)

	if cfg.ValidateSignatures {
		v := twilioclient.NewRequestValidator(cfg.Twilio.AuthToken)
		s.validator = &v
	}

	router := mux.NewRouter()
	router.Use(s.instrument)

	router.HandleFunc(RouteToken, s.handleToken).Methods(http.MethodPost)
	router.HandleFunc(RouteSimpleToken, s.handleSimpleToken).Methods(http.MethodPost)
	router.Handle(RouteVoice, s.signed(http.HandlerFunc(s.handleVoice))).Methods(http.MethodPost)
	router.Handle(RouteStatusCallback, s.signed(http.HandlerFunc(s.handleStatusCallback))).Methods(http.MethodPost)
	router.HandleFunc(RouteDebug, s.handleDebug).Methods(http.MethodGet)
	router.HandleFunc(RouteHealth, s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle(RouteMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler возвращает корневой обработчик
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start начинает прием HTTP запросов
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", slog.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop корректно останавливает сервер
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(s.clock.Now().Sub(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
