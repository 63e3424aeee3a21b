package model

import (
	"context"
	"encoding/json"
	"time"
)

// BootstrapEvent is the first message a worker sends to declare its identity.
const BootstrapEvent = "instance-launched"

// State represents the lifecycle state of a worker session.
type State string

const (
	StateConnecting State = "connecting"
	StateConfirming State = "confirming"
	StateActive     State = "active"
	StateClosed     State = "closed"
	// StateRejected is the terminal state of a session that never became active.
	StateRejected State = "rejected"
)

// Conn is a single persistent session between a worker and the manager.
type Conn interface {
	// ID returns the transport assigned session id.
	ID() string
	// Send queues an already encoded frame for delivery.
	Send(frame []byte) error
	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// Worker is a confirmed worker bound to its session.
type Worker struct {
	WorkerID   string    `json:"workerId"`
	SessionID  string    `json:"sessionId"`
	Conn       Conn      `json:"-"`
	AdmittedAt time.Time `json:"admittedAt"`
}

// Payload is the body of an inbound worker event.
// Every payload carries at least the worker id.
type Payload struct {
	WorkerID string          `json:"worker_id"`
	Data     json.RawMessage `json:"-"`
}

// ParsePayload decodes the worker id from a raw event body and keeps the body.
// A body that is not a JSON object yields an empty worker id.
func ParsePayload(data json.RawMessage) *Payload {
	p := &Payload{Data: data}
	if len(data) == 0 {
		return p
	}
	var head struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(data, &head); err == nil {
		p.WorkerID = head.WorkerID
	}
	return p
}

// Decode unmarshals the full event body into v.
func (p *Payload) Decode(v any) error {
	if len(p.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(p.Data, v)
}

// Emitter is the view of the manager handed to event handlers.
type Emitter interface {
	// Emit broadcasts an event to every active worker.
	Emit(event string, data any) error
	// EmitTo delivers an event to one active worker. Unknown ids are ignored and
	// an empty id broadcasts.
	EmitTo(workerID, event string, data any) error
	// Workers returns a snapshot of active worker ids in admission order.
	Workers() []string
}

// EventHandler handles one inbound worker event.
type EventHandler func(ctx context.Context, p *Payload, m Emitter) error

// ErrorHandler receives every error raised while handling worker sessions.
type ErrorHandler func(p *Payload, err error)
