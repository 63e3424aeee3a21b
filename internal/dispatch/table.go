// Package dispatch holds the event handler table applied to every active worker.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/metrics"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
)

// Table maps event names to handlers. It is populated before launch and sealed
// afterwards; there is no removal.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]model.EventHandler
	sealed   bool
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]model.EventHandler)}
}

// Register stores handler for event. A later registration for the same name
// replaces the earlier one.
func (t *Table) Register(event string, handler model.EventHandler) error {
	if event == "" || handler == nil {
		return fmt.Errorf("register %q: event name and handler are required", event)
	}
	if event == model.BootstrapEvent {
		return fmt.Errorf("%w: %s", model.ErrReservedEvent, event)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("%w: %s", model.ErrDispatcherSealed, event)
	}
	t.handlers[event] = handler
	return nil
}

// Seal freezes the table.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// Sealed reports whether the table is frozen.
func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

// Lookup returns the handler registered for event.
func (t *Table) Lookup(event string) (model.EventHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[event]
	return h, ok
}

// Names returns the registered event names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the handler bound to event. Unbound events are dropped and
// report handled=false. A panicking handler is converted to an error wrapping
// model.ErrHandlerPanic.
func (t *Table) Dispatch(ctx context.Context, event string, p *model.Payload, m model.Emitter) (handled bool, err error) {
	h, ok := t.Lookup(event)
	if !ok {
		return false, nil
	}
	metrics.RecordWorkerEvent(event)
	return true, Invoke(ctx, h, p, m)
}

// Invoke calls h and turns a panic into an error.
func Invoke(ctx context.Context, h model.EventHandler, p *model.Payload, m model.Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", model.ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return h(ctx, p, m)
}
