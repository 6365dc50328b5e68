// Package metrics содержит Prometheus метрики веб-дозвонщика.
//
// Один Collector разделяется менеджером сессии, HTTP API и SIP устройством.
// Все методы безопасны для вызова на nil указателе, поэтому компоненты
// могут работать без метрик.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация сборщика метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "webdialer",
	}
}

// Collector собирает и экспортирует метрики дозвонщика
type Collector struct {
	sessionTransitions *prometheus.CounterVec
	calls              *prometheus.CounterVec
	callDuration       prometheus.Histogram
	tokenFetches       *prometheus.CounterVec
	tokensIssued       *prometheus.CounterVec
	webhookRequests    *prometheus.CounterVec
	statusCallbacks    *prometheus.CounterVec
	sipRegistrations   *prometheus.CounterVec
	rtpPacketsSent     prometheus.Counter
}

// NewCollector регистрирует метрики в reg. Если reg равен nil,
// используется prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer, cfg Config) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.sessionTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "session_transitions_total",
		Help:      "Total number of call session status transitions",
	}, []string{"from", "to"})

	c.calls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "calls_total",
		Help:      "Total number of finished calls by direction and outcome",
	}, []string{"direction", "outcome"})

	c.callDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "call_duration_seconds",
		Help:      "Duration of connected calls",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	c.tokenFetches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "token_fetch_total",
		Help:      "Token fetch attempts by endpoint and result",
	}, []string{"endpoint", "result"})

	c.tokensIssued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "tokens_issued_total",
		Help:      "Tokens minted by the server by kind",
	}, []string{"kind"})

	c.webhookRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "webhook_requests_total",
		Help:      "HTTP API requests by route and status code",
	}, []string{"route", "code"})

	c.statusCallbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "call_status_callbacks_total",
		Help:      "Provider call status callbacks by reported status",
	}, []string{"status"})

	c.sipRegistrations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "sip_registrations_total",
		Help:      "SIP REGISTER attempts by result",
	}, []string{"result"})

	c.rtpPacketsSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "rtp_packets_sent_total",
		Help:      "RTP packets written by the SIP device",
	})

	return c
}

// SessionTransition учитывает переход статуса сессии
func (c *Collector) SessionTransition(from, to string) {
	if c == nil {
		return
	}
	c.sessionTransitions.WithLabelValues(from, to).Inc()
}

// CallFinished учитывает завершенный вызов. duration учитывается
// в гистограмме только для соединенных вызовов.
func (c *Collector) CallFinished(direction, outcome string, duration time.Duration, connected bool) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(direction, outcome).Inc()
	if connected {
		c.callDuration.Observe(duration.Seconds())
	}
}

// TokenFetch учитывает попытку получения токена
func (c *Collector) TokenFetch(endpoint string, ok bool) {
	if c == nil {
		return
	}
	c.tokenFetches.WithLabelValues(endpoint, result(ok)).Inc()
}

// TokenIssued учитывает выпущенный сервером токен
func (c *Collector) TokenIssued(kind string) {
	if c == nil {
		return
	}
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// WebhookRequest учитывает запрос к HTTP API
func (c *Collector) WebhookRequest(route string, code int) {
	if c == nil {
		return
	}
	c.webhookRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// StatusCallback учитывает callback статуса вызова от провайдера
func (c *Collector) StatusCallback(status string) {
	if c == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	c.statusCallbacks.WithLabelValues(status).Inc()
}

// SIPRegistration учитывает попытку регистрации
func (c *Collector) SIPRegistration(ok bool) {
	if c == nil {
		return
	}
	c.sipRegistrations.WithLabelValues(result(ok)).Inc()
}

// RTPPacketSent учитывает отправленный RTP пакет
func (c *Collector) RTPPacketSent() {
	if c == nil {
		return
	}
	c.rtpPacketsSent.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
