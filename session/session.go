// Package session assembles one notification session: REST client, job
// tracker, manager, realtime feed, cleanup janitor, credential watcher and
// the optional local cache. Nothing here is package-level state; a process
// may run several sessions side by side.
package session

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/api"
	"github.com/teranos/notiflow/auth"
	"github.com/teranos/notiflow/cache"
	"github.com/teranos/notiflow/db"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/manager"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/pulse/janitor"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

// Options customize a session. The zero value is production behavior.
type Options struct {
	Logger  *zap.SugaredLogger
	Metrics metrics.Sink

	// Credentials overrides the source derived from the config
	Credentials auth.Source

	// Test seams
	Dialer     realtime.Dialer
	HTTPClient *http.Client

	// NoCache skips the SQLite cache even when database.path is set
	NoCache bool
	// NoFeed builds the session without a realtime connection (one-shot CLI commands)
	NoFeed bool
}

// Session is the state container for one signed-in user.
type Session struct {
	cfg    *am.Config
	logger *zap.SugaredLogger

	creds   auth.Source
	api     *api.Client
	tracker *jobs.Tracker
	manager *manager.Manager
	feed    *realtime.Feed
	janitor *janitor.Janitor
	watcher *auth.Watcher
	conn    *sql.DB

	startOnce sync.Once
	closeOnce sync.Once
}

// New validates cfg and builds every component without starting any.
func New(cfg *am.Config, opts Options) (s *Session, err error) {
	if cfg == nil {
		return nil, errors.New("session requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.OrNop(opts.Logger)
	sink := metrics.OrNoop(opts.Metrics)

	s = &Session{cfg: cfg, logger: log.With(logger.FieldComponent, "session", logger.FieldOrgID, cfg.API.OrgID)}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	s.creds = opts.Credentials
	if s.creds == nil {
		s.creds = auth.SourceFromConfig(cfg)
	}

	apiCfg := api.ConfigFromAM(cfg, s.creds)
	apiCfg.Logger = log
	apiCfg.Metrics = sink
	apiCfg.HTTPClient = opts.HTTPClient
	s.api, err = api.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}

	s.tracker = jobs.NewTracker(jobs.WithLogger(log))

	mgrOpts := []manager.Option{
		manager.WithTracker(s.tracker),
		manager.WithOrgID(cfg.API.OrgID),
		manager.WithLogger(log),
		manager.WithMetrics(sink),
	}
	if cfg.Database.Path != "" && !opts.NoCache {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrap(err, "failed to create cache directory")
		}
		s.conn, err = db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open notification cache")
		}
		mgrOpts = append(mgrOpts, manager.WithCache(cache.NewStore(s.conn, cfg.API.OrgID, log)))
	}
	s.manager = manager.New(s.api, mgrOpts...)

	if !opts.NoFeed {
		feedOpts := []realtime.Option{realtime.WithLogger(log), realtime.WithMetrics(sink)}
		if opts.Dialer != nil {
			feedOpts = append(feedOpts, realtime.WithDialer(opts.Dialer))
		}
		s.feed, err = realtime.NewFeed(realtime.ConfigFromAM(cfg), s.manager, feedOpts...)
		if err != nil {
			return nil, err
		}
	}

	s.janitor, err = janitor.New(s.tracker, janitor.ConfigFromAM(cfg),
		janitor.WithLogger(log),
		janitor.WithOnCleanup(func(int) { s.manager.JobsChanged() }))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// API returns the REST client.
func (s *Session) API() *api.Client { return s.api }

// Manager returns the notification manager.
func (s *Session) Manager() *manager.Manager { return s.manager }

// Tracker returns the job tracker.
func (s *Session) Tracker() *jobs.Tracker { return s.tracker }

// Feed returns the realtime feed, nil when built with NoFeed.
func (s *Session) Feed() *realtime.Feed { return s.feed }

// Start warms the list from the cache, fetches the server list, starts the
// cleanup schedule and connects the feed once a credential is available.
// A failed fetch is logged and returned; the session stays usable and the
// feed's history event fills the list once it connects.
func (s *Session) Start(ctx context.Context) error {
	var refreshErr error
	s.startOnce.Do(func() {
		if n, err := s.manager.WarmStart(ctx); err != nil {
			s.logger.Warnw("Cache warm start failed", logger.FieldError, err)
		} else if n > 0 {
			s.logger.Debugw("Warm start", logger.FieldCount, n)
		}

		if err := s.manager.Refresh(ctx); err != nil {
			refreshErr = err
		}

		s.janitor.Start()

		if s.feed == nil {
			return
		}
		s.startCredentialWatch()
		creds, err := s.creds.Credentials(ctx)
		if err != nil {
			s.logger.Infow("No credential yet, realtime feed idle", logger.FieldError, err)
			return
		}
		s.feed.SetCredential(creds.Token)
	})
	return refreshErr
}

// startCredentialWatch follows the credentials file when the token comes from it.
func (s *Session) startCredentialWatch() {
	fs, ok := s.creds.(auth.FileSource)
	if !ok || fs.Path == "" {
		return
	}
	w, err := auth.NewWatcher(fs.Path, s.logger)
	if err != nil {
		s.logger.Warnw("Credential changes will not be picked up", logger.FieldFile, fs.Path, logger.FieldError, err)
		return
	}
	w.OnChange(func(c auth.Credentials) {
		// An empty token disconnects the feed
		s.feed.SetCredential(c.Token)
	})
	w.Start()
	s.watcher = w
}

// Close disconnects the feed, stops the schedules and releases the cache.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.closeResources()
	})
	return err
}

func (s *Session) closeResources() error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Debugw("Watcher stop", logger.FieldError, err)
		}
	}
	if s.feed != nil {
		s.feed.Disconnect()
	}
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return errors.Wrap(err, "failed to close notification cache")
		}
	}
	return nil
}
