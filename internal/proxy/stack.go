package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hhoffstaette/popfile/internal/classifier"
	_ "github.com/hhoffstaette/popfile/internal/classifier/keyword" // Register keyword classifier
	"github.com/hhoffstaette/popfile/internal/config"
	"github.com/hhoffstaette/popfile/internal/history"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
	"github.com/hhoffstaette/popfile/internal/server"
)

// bucketCredential opens the classifier session the history store uses
// to resolve bucket names.
const bucketCredential = "popfiled"

// StackConfig groups the configuration needed to build a Stack.
type StackConfig struct {
	Config config.Config

	// Classifier overrides the configured backend when non-nil. The
	// Stack does not close it.
	Classifier classifier.Classifier
	Collector  metrics.Collector // nil → NoopCollector
	Logger     *slog.Logger      // nil → slog.Default()

	// Dial overrides the upstream dialer; used by tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Stack owns all components of a running proxy and manages their lifecycle.
type Stack struct {
	cfg        config.Config
	classifier classifier.Classifier
	store      *history.Store
	queries    *history.QueryEngine
	sweeper    *history.Sweeper
	maintainer *history.Maintainer
	supervisor *server.Supervisor
	collector  metrics.Collector
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	closers    []io.Closer
	logger     *slog.Logger
}

// NewStack creates a Stack from the given configuration, wiring up all components.
func NewStack(ctx context.Context, cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Stack{
		cfg:       cfg.Config,
		collector: collector,
		dial:      cfg.Dial,
		logger:    logger,
	}

	cls := cfg.Classifier
	if cls == nil {
		var err error
		cls, err = classifier.Open(classifierConfig(cfg.Config.Classifier))
		if err != nil {
			return nil, fmt.Errorf("opening classifier: %w", err)
		}
		s.closers = append(s.closers, cls)
		logger.Info("classifier enabled", "type", cfg.Config.Classifier.Type)
	}
	s.classifier = cls

	buckets, err := cls.Open(ctx, bucketCredential)
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening classifier session: %w", err)
	}
	s.closers = append(s.closers, buckets)

	db, err := history.OpenDB(cfg.Config.History.Database)
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.closers = append(s.closers, db)
	logger.Info("history enabled",
		"database", cfg.Config.History.Database,
		"msgdir", cfg.Config.History.MsgDir,
		"retention_days", cfg.Config.History.RetentionDays)

	arch := cfg.Config.History.Archive
	s.store = history.NewStore(db, cfg.Config.History.MsgDir, buckets, history.WithArchive(history.ArchiveOptions{
		Enabled: arch.Enabled,
		Path:    arch.Path,
		Classes: arch.Classes,
	}))
	s.queries = history.NewQueryEngine(s.store)
	s.closers = append(s.closers, s.queries)
	s.sweeper = history.NewSweeper(s.store, cfg.Config.History.RetentionDays)
	s.maintainer = history.NewMaintainer(s.store, s.sweeper, cfg.Config.History.Tick(), collector)

	s.supervisor = server.New(server.Config{
		Cfg:       &s.cfg,
		Logger:    logger,
		Collector: collector,
	})
	s.supervisor.SetHandlerFactory(s.handlerFor)

	return s, nil
}

func classifierConfig(c config.ClassifierConfig) classifier.Config {
	rules := make([]classifier.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, classifier.Rule{
			Field:    r.Field,
			Contains: r.Contains,
			Bucket:   r.Bucket,
			Magnet:   r.Magnet,
		})
	}
	return classifier.Config{
		Type:          c.Type,
		DefaultBucket: c.DefaultBucket,
		Buckets:       c.Buckets,
		Rules:         rules,
	}
}

// handlerFor builds the proxy handler for one listener.
func (s *Stack) handlerFor(lc config.ListenerConfig) (server.ConnectionHandler, error) {
	return Handler(Config{
		Hostname:       s.cfg.Hostname,
		Listener:       lc,
		UserSeparator:  s.cfg.POP3.UserSeparator,
		ConnectTimeout: s.cfg.Timeouts.ConnectTimeout(),
		CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
		LogTransaction: s.cfg.LogLevel == "debug",
		TLSMinVersion:  s.cfg.TLS.MinTLSVersion(),
		Dial:           s.dial,
		Store:          s.store,
		Classifier:     s.classifier,
		Collector:      s.collector,
	})
}

// Run starts history maintenance and the listeners and blocks until the
// context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.supervisor.Run(ctx)
	})
}

// Serve is Run over already-open listeners, one per configured listener.
func (s *Stack) Serve(ctx context.Context, lns []net.Listener) error {
	return s.run(ctx, func(ctx context.Context) error {
		return s.supervisor.Serve(ctx, lns)
	})
}

func (s *Stack) run(ctx context.Context, serve func(context.Context) error) error {
	ctx = logging.WithLogger(ctx, s.logger)

	// Maintenance outlives the listeners so its final drain sees every
	// commit made by the last sessions.
	mctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.maintainer.Run(mctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("history maintenance stopped", "error", err)
		}
	}()

	err := serve(ctx)
	stop()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunSingleConn processes exactly one session on conn as if it had been
// accepted on the listener lc.
func (s *Stack) RunSingleConn(ctx context.Context, conn net.Conn, lc config.ListenerConfig) error {
	handler, err := s.handlerFor(lc)
	if err != nil {
		return err
	}
	c := server.NewConnection(conn, server.ConnectionConfig{
		IdleTimeout:    s.cfg.Timeouts.IdleTimeout(),
		CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
		LogTransaction: s.cfg.LogLevel == "debug",
		Logger:         s.logger,
	})
	defer c.Close()

	handler(logging.WithLogger(ctx, s.logger), c)
	return nil
}

// Store returns the slot store.
func (s *Stack) Store() *history.Store { return s.store }

// Queries returns the history query engine.
func (s *Stack) Queries() *history.QueryEngine { return s.queries }

// Sweeper returns the retention sweeper.
func (s *Stack) Sweeper() *history.Sweeper { return s.sweeper }

// Maintainer returns the history maintenance loop.
func (s *Stack) Maintainer() *history.Maintainer { return s.maintainer }

// Supervisor returns the connection supervisor.
func (s *Stack) Supervisor() *server.Supervisor { return s.supervisor }

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
