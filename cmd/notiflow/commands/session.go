// Package commands implements the notiflow CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/session"
)

var (
	configMu   sync.Mutex
	configPath string
)

// SetConfigPath makes every command read configuration from path only.
func SetConfigPath(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configPath = path
}

func loadConfig() (*am.Config, error) {
	configMu.Lock()
	path := configPath
	configMu.Unlock()

	if path != "" {
		return am.LoadFromFile(path)
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openSession loads the configuration and builds a session. The caller owns Close.
func openSession(opts session.Options) (*session.Session, *am.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger
	}
	s, err := session.New(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

// startOneShot opens a session without the realtime feed and loads the
// server list. With tolerateStale a failed fetch falls back to the cache
// when it had anything, unless the credential was rejected.
func startOneShot(cmd *cobra.Command, tolerateStale bool) (*session.Session, error) {
	s, _, err := openSession(session.Options{NoFeed: true})
	if err != nil {
		return nil, err
	}
	if err := s.Start(cmd.Context()); err != nil {
		if !tolerateStale || errors.IsUnauthorizedError(err) || len(s.Manager().Notifications()) == 0 {
			s.Close()
			return nil, err
		}
		pterm.Warning.WithWriter(cmd.ErrOrStderr()).Printfln("Server unavailable, showing cached notifications: %v", err)
	}
	return s, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func outputFormat(cmd *cobra.Command) (display.Format, error) {
	return display.FormatFromCommand(cmd)
}
