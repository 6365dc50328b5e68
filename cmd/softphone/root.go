package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arzzra/web_dialer/pkg/config"
	"github.com/arzzra/web_dialer/pkg/history"
)

// app общие зависимости подкоманд
type app struct {
	configPath string
	cfg        config.Softphone
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "softphone",
		Short: "Console softphone for the web dialer",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Path to softphone YAML config")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.LoadSoftphone(a.configPath, os.Getenv)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	return nil
}

// openStore открывает журнал вызовов в выбранном бэкенде.
// Возвращаемую функцию нужно вызвать по завершении работы.
func (a *app) openStore() (*history.Store, func(), error) {
	var (
		backend history.Backend
		closeFn = func() {}
	)
	switch a.cfg.History.Backend {
	case config.HistoryMemory:
		backend = history.NewMemoryBackend()
	case config.HistoryFile:
		fb, err := history.NewFileBackend(a.cfg.History.Path)
		if err != nil {
			return nil, nil, err
		}
		backend = fb
	case config.HistorySQLite:
		if err := os.MkdirAll(a.cfg.History.Path, 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "create history dir")
		}
		sb, err := history.OpenSQLiteBackend(filepath.Join(a.cfg.History.Path, "history.db"))
		if err != nil {
			return nil, nil, err
		}
		backend = sb
		closeFn = func() {
			if err := sb.Close(); err != nil {
				a.logger.Warn("close history db", slog.String("error", err.Error()))
			}
		}
	default:
		return nil, nil, errors.Errorf("unknown history backend %q", a.cfg.History.Backend)
	}
	return history.NewStore(backend, history.WithLogger(a.logger)), closeFn, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "softphone.yaml"
	}
	return filepath.Join(home, ".webdialer", "softphone.yaml")
}
