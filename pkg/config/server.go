package config

import (
	"flag"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Окружения запуска
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Server конфигурация HTTP сервера
type Server struct {
	Twilio Twilio

	BindAddr string
	Port     int
	LogLevel string
	// Environment development включает /api/debug
	Environment string
	// PublicBaseURL внешний адрес сервера для статусных callback,
	// если в запросе нет заголовка Origin
	PublicBaseURL string
	// ValidateSignatures проверять X-Twilio-Signature у webhook
	ValidateSignatures bool
	AllowedOrigins     []string
	// ClientIdentity фиксированное имя клиента в токенах
	ClientIdentity string
	TokenTTL       time.Duration
}

// Addr адрес для прослушивания
func (s *Server) Addr() string {
	return net.JoinHostPort(s.BindAddr, strconv.Itoa(s.Port))
}

// IsDevelopment true в режиме разработки
func (s *Server) IsDevelopment() bool {
	return s.Environment == EnvDevelopment
}

// LoadServer разбирает флаги args, применяет переопределения из окружения
// и проверяет учетные данные провайдера.
func LoadServer(args []string, getenv func(string) string) (*Server, error) {
	cfg := &Server{}
	fs := flag.NewFlagSet("dialer-server", flag.ContinueOnError)

	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	fs.IntVar(&cfg.Port, "port", 3000, "HTTP port")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Environment, "env", EnvProduction, "Environment (development, production)")
	fs.StringVar(&cfg.PublicBaseURL, "public-url", "", "Public base URL used for status callbacks")
	fs.BoolVar(&cfg.ValidateSignatures, "validate-signatures", false, "Validate X-Twilio-Signature on webhooks")
	fs.StringVar(&cfg.ClientIdentity, "identity", "", "Fixed client identity for issued tokens")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", time.Hour, "Lifetime of issued tokens")
	var origins string
	fs.StringVar(&origins, "origins", "*", "Comma-separated list of allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	if v := getenv("DIALER_BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return nil, errors.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := getenv("DIALER_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("DIALER_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("DIALER_PUBLIC_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := getenv("DIALER_VALIDATE_SIGNATURES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Errorf("invalid DIALER_VALIDATE_SIGNATURES %q", v)
		}
		cfg.ValidateSignatures = b
	}
	if v := getenv("DIALER_CLIENT_IDENTITY"); v != "" {
		cfg.ClientIdentity = v
	}
	if v := getenv("DIALER_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid DIALER_TOKEN_TTL %q", v)
		}
		cfg.TokenTTL = d
	}
	if v := getenv("DIALER_ORIGINS"); v != "" {
		origins = v
	}
	cfg.AllowedOrigins = splitList(origins)
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	cfg.Twilio = TwilioFromEnv(getenv)
	if cfg.ValidateSignatures && cfg.PublicBaseURL == "" {
		return cfg, errors.New("signature validation requires a public URL")
	}
	if err := cfg.Twilio.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseLogLevel преобразует имя уровня в slog.Level. Неизвестные имена дают Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
