package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Бэкенды истории вызовов
const (
	HistoryMemory = "memory"
	HistoryFile   = "file"
	HistorySQLite = "sqlite"
)

// Softphone конфигурация консольного софтфона
type Softphone struct {
	// ServerURL базовый адрес сервера токенов
	ServerURL         string `yaml:"server_url"`
	TokenPath         string `yaml:"token_path"`
	FallbackTokenPath string `yaml:"fallback_token_path"`

	LogLevel       string `yaml:"log_level"`
	RecordIncoming bool   `yaml:"record_incoming"`

	History HistoryConfig `yaml:"history"`
	SIP     SIPConfig     `yaml:"sip"`
}

// HistoryConfig где хранить журнал вызовов
type HistoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// SIPConfig параметры SIP устройства
type SIPConfig struct {
	// Registrar адрес регистратора host:port
	Registrar string `yaml:"registrar"`
	Domain    string `yaml:"domain"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// ListenAddr локальный адрес SIP host:port
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"`
	// MediaIP адрес, объявляемый в SDP
	MediaIP   string        `yaml:"media_ip"`
	DSCP      int           `yaml:"dscp"`
	Expires   time.Duration `yaml:"expires"`
	UserAgent string        `yaml:"user_agent"`
}

// DefaultSoftphone возвращает значения по умолчанию
func DefaultSoftphone() Softphone {
	return Softphone{
		ServerURL:         "http://localhost:3000",
		TokenPath:         "/api/token",
		FallbackTokenPath: "/api/simple-token",
		LogLevel:          "info",
		History: HistoryConfig{
			Backend: HistoryFile,
			Path:    filepath.Join(userHomeDir(), ".webdialer"),
		},
		SIP: SIPConfig{
			ListenAddr: "0.0.0.0:5060",
			Transport:  "udp",
			MediaIP:    "127.0.0.1",
			DSCP:       46,
			Expires:    time.Hour,
			UserAgent:  "webdialer",
		},
	}
}

// LoadSoftphone читает YAML файл path поверх значений по умолчанию.
// Отсутствующий файл не является ошибкой. Затем применяются
// переменные окружения SOFTPHONE_*.
func LoadSoftphone(path string, getenv func(string) string) (Softphone, error) {
	cfg := DefaultSoftphone()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return cfg, errors.Wrapf(err, "read %s", path)
		}
	}

	overrides := map[string]*string{
		"SOFTPHONE_SERVER_URL":      &cfg.ServerURL,
		"SOFTPHONE_LOGLEVEL":        &cfg.LogLevel,
		"SOFTPHONE_HISTORY_BACKEND": &cfg.History.Backend,
		"SOFTPHONE_HISTORY_PATH":    &cfg.History.Path,
		"SOFTPHONE_SIP_REGISTRAR":   &cfg.SIP.Registrar,
		"SOFTPHONE_SIP_DOMAIN":      &cfg.SIP.Domain,
		"SOFTPHONE_SIP_USERNAME":    &cfg.SIP.Username,
		"SOFTPHONE_SIP_PASSWORD":    &cfg.SIP.Password,
		"SOFTPHONE_SIP_LISTEN":      &cfg.SIP.ListenAddr,
		"SOFTPHONE_MEDIA_IP":        &cfg.SIP.MediaIP,
	}
	for name, dst := range overrides {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("SOFTPHONE_SIP_DSCP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Errorf("invalid SOFTPHONE_SIP_DSCP %q", v)
		}
		cfg.SIP.DSCP = n
	}

	return cfg, cfg.Validate()
}

// Validate проверяет согласованность параметров
func (s Softphone) Validate() error {
	switch s.History.Backend {
	case HistoryMemory, HistoryFile, HistorySQLite:
	default:
		return errors.Errorf("unknown history backend %q", s.History.Backend)
	}
	if s.History.Backend != HistoryMemory && s.History.Path == "" {
		return errors.New("history path is required")
	}
	if s.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if s.SIP.DSCP < 0 || s.SIP.DSCP > 63 {
		return errors.Errorf("dscp %d out of range", s.SIP.DSCP)
	}
	return nil
}

// TokenURLs полные адреса основного и резервного эндпоинтов
func (s Softphone) TokenURLs() (string, string) {
	return s.ServerURL + s.TokenPath, s.ServerURL + s.FallbackTokenPath
}

func userHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
