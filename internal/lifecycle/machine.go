// Package lifecycle drives each worker session from connection through
// confirmation to admission, and cleans up after the session is lost.
//
// A session moves Connecting -> Confirming -> Active -> Closed. A session whose
// confirmation or connection callback fails ends in Rejected without ever being
// admitted, and its loss triggers no cleanup.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/authority"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/dispatch"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/journal"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/metrics"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/registry"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/ws"
)

// Callbacks are the caller supplied hooks wired at launch.
type Callbacks struct {
	// OnConnected runs after a successful confirmation and before admission.
	// An error aborts the admission.
	OnConnected model.EventHandler
	// OnError receives every error raised while handling sessions.
	OnError model.ErrorHandler
}

// Machine owns the registry and runs the lifecycle of every session.
type Machine struct {
	registry  *registry.Registry
	authority authority.Authority
	table     *dispatch.Table
	emitter   model.Emitter
	recorder  journal.Recorder
	callbacks Callbacks
	logger    zerolog.Logger

	shuttingDown atomic.Bool
}

// Config holds the collaborators of a Machine.
type Config struct {
	Registry  *registry.Registry
	Authority authority.Authority
	Table     *dispatch.Table
	Emitter   model.Emitter
	Recorder  journal.Recorder // optional
	Callbacks Callbacks
	Logger    zerolog.Logger
}

// NewMachine creates a new lifecycle machine.
func NewMachine(cfg Config) *Machine {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = journal.Nop{}
	}
	return &Machine{
		registry:  cfg.Registry,
		authority: cfg.Authority,
		table:     cfg.Table,
		emitter:   cfg.Emitter,
		recorder:  recorder,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger,
	}
}

// Shutdown marks the machine as shutting down. Sessions lost afterwards are
// removed from the registry without a disconnect report or a reject call.
func (m *Machine) Shutdown() {
	m.shuttingDown.Store(true)
}

// Open starts tracking a new session in the Connecting state.
func (m *Machine) Open(conn model.Conn) *Connection {
	return &Connection{m: m, conn: conn, state: model.StateConnecting}
}

// Connection is the lifecycle of one session. Its Handle methods must be called
// from the session's read loop only.
type Connection struct {
	m    *Machine
	conn model.Conn

	mu        sync.RWMutex
	state     model.State
	bootstrap *model.Payload
}

// State returns the current lifecycle state.
func (c *Connection) State() model.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s model.State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.m.logger.Debug().Str("session_id", c.conn.ID()).Str("from", string(prev)).Str("to", string(s)).Msg("lifecycle transition")
}

// HandleMessage processes one inbound event.
func (c *Connection) HandleMessage(ctx context.Context, event string, data json.RawMessage) {
	switch c.State() {
	case model.StateConnecting:
		if event != model.BootstrapEvent {
			// handlers are bound only after admission
			return
		}
		c.handleBootstrap(ctx, model.ParsePayload(data))
	case model.StateActive:
		if event == model.BootstrapEvent {
			return
		}
		c.handleEvent(ctx, event, model.ParsePayload(data))
	}
}

func (c *Connection) handleBootstrap(ctx context.Context, p *model.Payload) {
	m := c.m
	sessionID := c.conn.ID()
	if p.WorkerID == "" {
		m.logger.Debug().Str("session_id", sessionID).Msg("ignoring bootstrap without worker_id")
		return
	}
	if !m.registry.Reserve(sessionID, p.WorkerID) {
		m.logger.Debug().Str("session_id", sessionID).Str("worker_id", p.WorkerID).Msg("ignoring duplicate bootstrap")
		return
	}

	c.setState(model.StateConfirming)

	err := m.authority.Confirm(ctx, p.WorkerID)
	if err == nil && m.callbacks.OnConnected != nil {
		err = dispatch.Invoke(ctx, m.callbacks.OnConnected, p, &entryEmitter{Emitter: m.emitter, workerID: p.WorkerID, conn: c.conn})
	}
	if err != nil {
		m.registry.Release(sessionID)
		c.setState(model.StateRejected)
		m.record(ctx, journal.KindEntryRejected, p.WorkerID, sessionID, err)
		m.report(p, err)
		c.conn.Close()
		return
	}

	if _, ok := m.registry.Admit(c.conn, p.WorkerID); !ok {
		// Reservation guarantees admission; reaching here means the registry was
		// mutated outside the machine.
		m.registry.Release(sessionID)
		c.setState(model.StateRejected)
		m.report(p, fmt.Errorf("admit %s: worker already registered", p.WorkerID))
		c.conn.Close()
		return
	}

	c.mu.Lock()
	c.bootstrap = p
	c.mu.Unlock()
	c.setState(model.StateActive)

	metrics.SetWorkersActive(m.registry.Len())
	m.record(ctx, journal.KindAdmitted, p.WorkerID, sessionID, nil)
	m.logger.Info().Str("worker_id", p.WorkerID).Str("session_id", sessionID).Msg("worker admitted")
}

func (c *Connection) handleEvent(ctx context.Context, event string, p *model.Payload) {
	handled, err := c.m.table.Dispatch(ctx, event, p, c.m.emitter)
	if !handled {
		return
	}
	if err != nil {
		c.m.logger.Error().Err(err).Str("event", event).Str("session_id", c.conn.ID()).Msg("handler failed")
		c.m.report(p, err)
	}
}

// HandleClose runs once the transport reports the session lost.
func (c *Connection) HandleClose(ctx context.Context) {
	c.mu.Lock()
	prev := c.state
	if prev != model.StateRejected {
		c.state = model.StateClosed
	}
	bootstrap := c.bootstrap
	c.mu.Unlock()

	m := c.m
	sessionID := c.conn.ID()

	if prev != model.StateActive {
		// never admitted: nothing to report and nothing to reject
		m.registry.Release(sessionID)
		return
	}

	if m.shuttingDown.Load() {
		m.registry.Remove(sessionID)
		metrics.SetWorkersActive(m.registry.Len())
		return
	}

	m.report(bootstrap, model.ErrWorkerDisconnected)

	w, ok := m.registry.Remove(sessionID)
	metrics.SetWorkersActive(m.registry.Len())
	if !ok {
		return
	}
	m.logger.Info().Str("worker_id", w.WorkerID).Str("session_id", sessionID).Msg("worker disconnected")

	// The session context may already be cancelled; the departure is still recorded.
	ctx = context.WithoutCancel(ctx)
	m.record(ctx, journal.KindDisconnected, w.WorkerID, sessionID, nil)

	if err := m.authority.Reject(ctx, w.WorkerID); err != nil {
		m.record(ctx, journal.KindRejectFailed, w.WorkerID, sessionID, err)
		m.report(bootstrap, err)
	}
}

// entryEmitter lets the connection callback address the worker being admitted,
// which is not in the registry yet.
type entryEmitter struct {
	model.Emitter
	workerID string
	conn     model.Conn
}

func (e *entryEmitter) EmitTo(workerID, event string, data any) error {
	if workerID != e.workerID {
		return e.Emitter.EmitTo(workerID, event, data)
	}
	frame, err := ws.Encode(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return e.conn.Send(frame)
}

// report hands err to the error handler. A panicking handler is logged and swallowed.
func (m *Machine) report(p *model.Payload, err error) {
	metrics.RecordCallbackError(errorKind(err))
	if m.callbacks.OnError == nil {
		return
	}
	if p == nil {
		p = &model.Payload{}
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("error handler panicked")
		}
	}()
	m.callbacks.OnError(p, err)
}

func (m *Machine) record(ctx context.Context, kind journal.Kind, workerID, sessionID string, cause error) {
	e := journal.Entry{Kind: kind, WorkerID: workerID, SessionID: sessionID}
	if cause != nil {
		e.Detail = cause.Error()
	}
	if err := m.recorder.Record(ctx, e); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("journal write failed")
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrWorkerDisconnected):
		return "disconnected"
	case errors.Is(err, model.ErrConfirmationFailed):
		return "confirmation_failed"
	case errors.Is(err, model.ErrRejectionFailed):
		return "rejection_failed"
	case errors.Is(err, model.ErrHandlerPanic):
		return "panic"
	default:
		return "handler"
	}
}
