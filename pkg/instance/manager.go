// Package instance is the public API of the worker instance manager.
//
// A Manager accepts worker sessions over WebSocket, confirms every worker with
// the node manager before treating it as active, routes worker events to the
// registered handlers and lets handlers reply to one worker or all of them.
//
//	m, err := instance.New(cfg)
//	if err != nil {
//		return err
//	}
//	m.On("result", func(ctx context.Context, p *instance.Payload, e instance.Emitter) error {
//		return e.EmitTo(p.WorkerID, "next", nil)
//	})
//	err = m.Launch(onConnected, onError)
package instance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/NERVE-labs-team/sallar-network-server-library/api/handlers"
	"github.com/NERVE-labs-team/sallar-network-server-library/api/middleware"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/authority"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/dispatch"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/journal"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/lifecycle"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/logging"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/metrics"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/registry"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/ws"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger     *zerolog.Logger
	httpClient *http.Client
}

// WithLogger sets the logger. By default one is built from the configured
// log level and format.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithHTTPClient sets the client used for authority calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Manager composes the registry, the lifecycle machine, the handler table and
// the HTTP server. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	registry *registry.Registry
	table    *dispatch.Table
	machine  *lifecycle.Machine
	service  *ws.Service
	journal  *journal.Journal // nil when disabled
	engine   *gin.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	onConnected EventHandler
	onError     ErrorHandler
	launched    bool
	closed      bool
	server      *http.Server
	listener    net.Listener
	serveDone   chan struct{}
	serveErr    error
}

var _ Emitter = (*Manager)(nil)

// New validates cfg and creates a Manager. The only error it returns wraps
// ErrInvalidConfiguration.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	if o.logger != nil {
		logger = *o.logger
	}

	metrics.Register()

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(),
		table:    dispatch.NewTable(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	var recorder journal.Recorder
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			m.cancel()
			return nil, fmt.Errorf("%w: journal_path: %v", model.ErrInvalidConfiguration, err)
		}
		m.journal = j
		recorder = j
	}

	m.machine = lifecycle.NewMachine(lifecycle.Config{
		Registry:  m.registry,
		Authority: authority.NewClient(cfg, o.httpClient, logging.Component(logger, "authority")),
		Table:     m.table,
		Emitter:   m,
		Recorder:  recorder,
		Callbacks: lifecycle.Callbacks{OnConnected: m.connected, OnError: m.failed},
		Logger:    logging.Component(logger, "lifecycle"),
	})
	m.service = ws.NewService(m.ctx, func(c *ws.Client) ws.Session {
		return m.machine.Open(c)
	}, ws.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, logging.Component(logger, "ws"))
	m.engine = m.buildEngine()

	if cfg.DevMode {
		m.logger.Warn().Msg("dev mode: authority calls are skipped")
	}
	return m, nil
}

func (m *Manager) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logging.Component(m.logger, "http")))
	r.Use(middleware.RequestMetrics())
	r.Use(middleware.CrossOrigin())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"workers": m.registry.Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.NewWebSocketHandler(m.service).RegisterRoutes(r)

	var history handlers.HistoryReader
	if m.journal != nil {
		history = m.journal
	}
	api := r.Group("/api")
	handlers.NewWorkerHandler(m, history).RegisterRoutes(api)

	r.NoRoute(middleware.Static(m.cfg.PublicPath))
	return r
}

// On registers handler for event. It must be called before Launch; a later
// registration for the same event replaces the earlier one.
func (m *Manager) On(event string, handler EventHandler) error {
	return m.table.Register(event, handler)
}

// Launch freezes the handler table, wires the callbacks and starts listening
// on the configured port. It returns once the listener is bound.
func (m *Manager) Launch(onConnected EventHandler, onError ErrorHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.launched {
		return ErrAlreadyLaunched
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(m.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", m.cfg.HTTPPort, err)
	}

	m.onConnected = onConnected
	m.onError = onError
	m.table.Seal()
	m.launched = true
	m.listener = ln
	m.server = &http.Server{
		Handler:           m.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.serveDone = make(chan struct{})

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("http server stopped")
			m.mu.Lock()
			m.serveErr = err
			m.mu.Unlock()
		}
	}(m.server, m.serveDone)

	m.logger.Info().
		Str("addr", ln.Addr().String()).
		Strs("events", m.table.Names()).
		Bool("dev_mode", m.cfg.DevMode).
		Msg("instance manager listening")
	return nil
}

// Wait blocks until the server launched by Launch stops. It returns nil after
// Close and the serve error otherwise.
func (m *Manager) Wait() error {
	m.mu.RLock()
	done := m.serveDone
	m.mu.RUnlock()
	if done == nil {
		return errors.New("manager not launched")
	}
	<-done

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serveErr
}

// Emit broadcasts event to every active worker. Workers whose session is
// already going away are skipped.
func (m *Manager) Emit(event string, data any) error {
	frame, err := ws.Encode(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	for _, conn := range m.registry.Conns() {
		if err := conn.Send(frame); err != nil {
			m.logger.Debug().Err(err).Str("session_id", conn.ID()).Str("event", event).Msg("broadcast skipped session")
		}
	}
	return nil
}

// EmitTo delivers event to the session bound to workerID. An empty workerID
// broadcasts like Emit. An unknown worker id is not an error and nothing is sent.
func (m *Manager) EmitTo(workerID, event string, data any) error {
	if workerID == "" {
		return m.Emit(event, data)
	}
	conn, ok := m.registry.LookupByWorkerID(workerID)
	if !ok {
		return nil
	}
	frame, err := ws.Encode(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", event, workerID, err)
	}
	return nil
}

// Workers returns a snapshot of the active worker ids in admission order.
func (m *Manager) Workers() []string {
	return m.registry.ActiveIDs()
}

// Close stops accepting sessions and closes the open ones. Active workers are
// not rejected: a shutdown is not a disconnection. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	server := m.server
	m.mu.Unlock()

	m.machine.Shutdown()

	var errs []error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
	}
	// unblocks sessions waiting on the authority
	m.cancel()
	if err := m.service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}
	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	metrics.SetWorkersActive(m.registry.Len())

	m.logger.Info().Msg("instance manager closed")
	return errors.Join(errs...)
}

// Engine returns the gin engine serving the manager. Extra routes can be added
// before Launch.
func (m *Manager) Engine() *gin.Engine {
	return m.engine
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Addr returns the bound listener address, or "" before Launch.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Manager) connected(ctx context.Context, p *Payload, e Emitter) error {
	m.mu.RLock()
	h := m.onConnected
	m.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, p, e)
}

func (m *Manager) failed(p *Payload, err error) {
	m.mu.RLock()
	h := m.onError
	m.mu.RUnlock()
	if h == nil {
		m.logger.Warn().Err(err).Str("worker_id", p.WorkerID).Msg("unhandled worker error")
		return
	}
	h(p, err)
}
