package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hhoffstaette/popfile/internal/config"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
)

const (
	defaultNotifyBuffer = 64
	defaultReapInterval = time.Second
)

// Notification reports the outcome of one classified message.
type Notification struct {
	SlotID   uint32
	Protocol string
	Bucket   string
	Magnet   string
}

// String renders the outcome as "bucket:magnet".
func (n Notification) String() string {
	return n.Bucket + ":" + n.Magnet
}

// HandlerFactory returns the handler serving connections accepted on a
// listener.
type HandlerFactory func(lc config.ListenerConfig) (ConnectionHandler, error)

// Config holds configuration for creating a Supervisor.
type Config struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Collector metrics.Collector

	// NotifyBuffer is the notification channel capacity. Zero uses a default.
	NotifyBuffer int
	// ReapInterval is how often finished workers are removed. Zero uses a default.
	ReapInterval time.Duration
}

// worker tracks one connection being served.
type worker struct {
	id       uint64
	session  string
	clientIP string
	protocol string
	started  time.Time
	conn     *Connection
	done     chan struct{}
}

// Supervisor accepts connections on every configured listener and serves
// each one on its own goroutine. Workers report classification outcomes
// over a bounded channel; the supervisor tallies them and reaps finished
// workers.
type Supervisor struct {
	cfg          *config.Config
	logger       *slog.Logger
	collector    metrics.Collector
	limiter      *ConnectionLimiter
	newHandler   HandlerFactory
	reapInterval time.Duration

	notifications chan Notification

	mu         sync.Mutex
	workers    map[uint64]*worker
	nextWorker uint64
	listeners  []net.Listener
	stats      map[string]int64

	wg sync.WaitGroup
}

// New creates a Supervisor.
func New(sc Config) *Supervisor {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}
	collector := sc.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	buffer := sc.NotifyBuffer
	if buffer <= 0 {
		buffer = defaultNotifyBuffer
	}
	reap := sc.ReapInterval
	if reap <= 0 {
		reap = defaultReapInterval
	}

	return &Supervisor{
		cfg:           sc.Cfg,
		logger:        logger,
		collector:     collector,
		limiter:       NewConnectionLimiter(sc.Cfg.Limits.MaxConnections),
		reapInterval:  reap,
		notifications: make(chan Notification, buffer),
		workers:       make(map[uint64]*worker),
		stats:         make(map[string]int64),
	}
}

// SetHandlerFactory sets the per-listener handler factory.
// Must be called before Run.
func (s *Supervisor) SetHandlerFactory(f HandlerFactory) {
	s.newHandler = f
}

// Run listens on all configured addresses and blocks until ctx is
// cancelled. On shutdown it closes the listeners and every open
// connection, then waits for workers to finish.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.cfg.Listeners) == 0 {
		return ErrNoListeners
	}

	lns := make([]net.Listener, 0, len(s.cfg.Listeners))
	for _, lc := range s.cfg.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		lns = append(lns, ln)
	}

	return s.Serve(ctx, lns)
}

// Serve accepts on already-open listeners, one per configured listener in
// the same order, until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context, lns []net.Listener) error {
	if s.newHandler == nil {
		return ErrNoHandler
	}
	if len(lns) != len(s.cfg.Listeners) {
		return fmt.Errorf("got %d listeners for %d configured", len(lns), len(s.cfg.Listeners))
	}

	handlers := make([]ConnectionHandler, len(lns))
	for i, lc := range s.cfg.Listeners {
		h, err := s.newHandler(lc)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		handlers[i] = h
	}

	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()

	s.logger.Info("starting supervisor",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(lns)),
		slog.Int("max_connections", s.cfg.Limits.MaxConnections))

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop(loopCtx)
	}()

	var accepters sync.WaitGroup
	for i, ln := range lns {
		lc := s.cfg.Listeners[i]
		s.logger.Info("listening",
			slog.String("address", ln.Addr().String()),
			slog.String("mode", string(lc.Mode)),
			slog.String("upstream", lc.Upstream))

		accepters.Add(1)
		go func(ln net.Listener, lc config.ListenerConfig, h ConnectionHandler) {
			defer accepters.Done()
			s.acceptLoop(ctx, ln, lc, h)
		}(ln, lc, handlers[i])
	}

	<-ctx.Done()
	s.logger.Info("supervisor shutting down")

	for _, ln := range lns {
		ln.Close()
	}
	accepters.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		w.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	stopLoop()
	<-loopDone
	s.reap()

	s.logger.Info("supervisor stopped")
	return ctx.Err()
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, lc config.ListenerConfig, h ConnectionHandler) {
	protocol := string(lc.Mode)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error",
					slog.String("address", lc.Address),
					slog.String("error", err.Error()))
				return
			}
		}

		if !s.limiter.TryAcquire() {
			s.collector.ConnectionRejected(protocol)
			s.logger.Warn("connection limit reached",
				slog.String("client_ip", extractIPFromAddr(conn.RemoteAddr())),
				slog.String("mode", protocol),
				slog.Int64("max_connections", s.limiter.Max()))
			rejectConnection(conn, lc.Mode)
			continue
		}

		s.spawn(ctx, conn, lc, h)
	}
}

// rejectConnection tells the client the proxy is busy and hangs up.
func rejectConnection(conn net.Conn, mode config.ListenerMode) {
	msg := "-ERR too many connections\r\n"
	if mode == config.ModeSMTP {
		msg = "421 too many connections\r\n"
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte(msg))
	conn.Close()
}

// spawn starts a worker goroutine for conn.
func (s *Supervisor) spawn(ctx context.Context, conn net.Conn, lc config.ListenerConfig, h ConnectionHandler) {
	clientIP := extractIPFromAddr(conn.RemoteAddr())
	protocol := string(lc.Mode)
	session := uuid.NewString()

	logger := s.logger.With(
		slog.String("session", session),
		slog.String("client_ip", clientIP),
		slog.String("listener", lc.Address),
		slog.String("protocol", protocol))

	c := NewConnection(conn, ConnectionConfig{
		IdleTimeout:    s.cfg.Timeouts.IdleTimeout(),
		CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
		LogTransaction: s.cfg.LogLevel == "debug",
		Logger:         logger,
		Notify:         s.notify,
	})

	s.mu.Lock()
	s.nextWorker++
	w := &worker{
		id:       s.nextWorker,
		session:  session,
		clientIP: clientIP,
		protocol: protocol,
		started:  time.Now(),
		conn:     c,
		done:     make(chan struct{}),
	}
	s.workers[w.id] = w
	s.mu.Unlock()

	logger.Debug("spawned worker",
		slog.Uint64("worker", w.id),
		slog.Int64("available", s.limiter.Available()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(w.done)
		defer s.limiter.Release()
		defer c.Close()

		s.collector.ConnectionOpened(protocol)
		defer s.collector.ConnectionClosed(protocol)

		// Overall connection lifetime.
		wctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.ConnectionTimeout())
		defer cancel()
		stop := context.AfterFunc(wctx, func() { c.Close() })
		defer stop()

		h(logging.WithLogger(wctx, logger), c)
	}()
}

// notify queues n for the supervisor loop without blocking. When the
// channel is full the notification is dropped.
func (s *Supervisor) notify(n Notification) {
	select {
	case s.notifications <- n:
	default:
		s.collector.NotificationDropped()
		s.logger.Warn("notification channel full, dropping outcome",
			slog.Uint64("slot", uint64(n.SlotID)),
			slog.String("outcome", n.String()))
	}
}

// loop tallies notifications and periodically reaps finished workers.
func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainNotifications()
			return
		case n := <-s.notifications:
			s.record(n)
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Supervisor) drainNotifications() {
	for {
		select {
		case n := <-s.notifications:
			s.record(n)
		default:
			return
		}
	}
}

func (s *Supervisor) record(n Notification) {
	s.mu.Lock()
	s.stats[n.Bucket]++
	s.mu.Unlock()

	s.logger.Debug("message classified",
		slog.Uint64("slot", uint64(n.SlotID)),
		slog.String("protocol", n.Protocol),
		slog.String("outcome", n.String()))
}

// reap removes workers whose goroutine has finished. It never waits.
func (s *Supervisor) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		select {
		case <-w.done:
			delete(s.workers, id)
			s.logger.Debug("reaped worker",
				slog.Uint64("worker", id),
				slog.String("session", w.session),
				slog.String("client_ip", w.clientIP),
				slog.Duration("duration", time.Since(w.started)))
		default:
		}
	}
}

// Stats returns the number of classified messages per bucket.
func (s *Supervisor) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// Workers returns the number of workers not yet reaped.
func (s *Supervisor) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Addrs returns the addresses of the active listeners.
func (s *Supervisor) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}
