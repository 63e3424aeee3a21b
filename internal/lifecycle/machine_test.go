package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/dispatch"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/journal"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/registry"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	closed int
	frames []string
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, string(frame))
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// fakeAuthority records calls and fails for the configured worker ids.
type fakeAuthority struct {
	mu          sync.Mutex
	confirms    []string
	rejects     []string
	failConfirm map[string]bool
	failReject  bool
	onConfirm   func(workerID string)
}

func (a *fakeAuthority) Confirm(_ context.Context, workerID string) error {
	if a.onConfirm != nil {
		a.onConfirm(workerID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirms = append(a.confirms, workerID)
	if a.failConfirm[workerID] {
		return fmt.Errorf("%w: authority responded 403", model.ErrConfirmationFailed)
	}
	return nil
}

func (a *fakeAuthority) Reject(_ context.Context, workerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects = append(a.rejects, workerID)
	if a.failReject {
		return fmt.Errorf("%w: authority unreachable", model.ErrRejectionFailed)
	}
	return nil
}

func (a *fakeAuthority) Rejects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.rejects...)
}

type reported struct {
	WorkerID string
	Err      error
	// ActiveAtReport is the registry content when the error was reported.
	ActiveAtReport []string
}

type errorSink struct {
	mu  sync.Mutex
	all []reported
	reg *registry.Registry
}

func (s *errorSink) handle(p *model.Payload, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, reported{WorkerID: p.WorkerID, Err: err, ActiveAtReport: s.reg.ActiveIDs()})
}

func (s *errorSink) Reports() []reported {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reported(nil), s.all...)
}

type nopEmitter struct{ reg *registry.Registry }

func (nopEmitter) Emit(string, any) error           { return nil }
func (nopEmitter) EmitTo(string, string, any) error { return nil }
func (e nopEmitter) Workers() []string              { return e.reg.ActiveIDs() }

type memoryRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *memoryRecorder) Record(_ context.Context, e journal.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func (r *memoryRecorder) Kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]journal.Kind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}

type testEnv struct {
	machine   *Machine
	registry  *registry.Registry
	authority *fakeAuthority
	table     *dispatch.Table
	errors    *errorSink
	recorder  *memoryRecorder
}

func setupTestMachine(t *testing.T, onConnected model.EventHandler) *testEnv {
	t.Helper()
	reg := registry.New()
	auth := &fakeAuthority{failConfirm: map[string]bool{}}
	table := dispatch.NewTable()
	sink := &errorSink{reg: reg}
	rec := &memoryRecorder{}

	m := NewMachine(Config{
		Registry:  reg,
		Authority: auth,
		Table:     table,
		Emitter:   nopEmitter{reg: reg},
		Recorder:  rec,
		Callbacks: Callbacks{OnConnected: onConnected, OnError: sink.handle},
		Logger:    zerolog.Nop(),
	})
	return &testEnv{machine: m, registry: reg, authority: auth, table: table, errors: sink, recorder: rec}
}

func bootstrap(workerID string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"worker_id": workerID})
	return b
}

func TestMachine_Bootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed worker becomes active", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		conn := &fakeConn{id: "sa"}
		c := env.machine.Open(conn)

		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if c.State() != model.StateActive {
			t.Fatalf("expected active, got %s", c.State())
		}
		if ids := env.registry.ActiveIDs(); len(ids) != 1 || ids[0] != "w1" {
			t.Errorf("expected [w1], got %v", ids)
		}
		if conn.Closed() {
			t.Error("active session was closed")
		}
	})

	t.Run("duplicate bootstrap on the same session is ignored", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		c := env.machine.Open(&fakeConn{id: "sa"})

		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if n := len(env.registry.ActiveIDs()); n != 1 {
			t.Errorf("expected one active worker, got %d", n)
		}
		if len(env.authority.confirms) != 1 {
			t.Errorf("expected one confirm call, got %d", len(env.authority.confirms))
		}
	})

	t.Run("same worker id on a second session is ignored", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		first := env.machine.Open(&fakeConn{id: "sa"})
		second := env.machine.Open(&fakeConn{id: "sb"})

		first.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		second.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if second.State() != model.StateConnecting {
			t.Errorf("second session should stay connecting, got %s", second.State())
		}
		if n := len(env.registry.ActiveIDs()); n != 1 {
			t.Errorf("expected one active worker, got %d", n)
		}
	})

	t.Run("missing or malformed worker id is ignored", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		c := env.machine.Open(&fakeConn{id: "sa"})

		c.HandleMessage(ctx, model.BootstrapEvent, json.RawMessage(`{}`))
		c.HandleMessage(ctx, model.BootstrapEvent, json.RawMessage(`"w1"`))
		c.HandleMessage(ctx, model.BootstrapEvent, nil)

		if c.State() != model.StateConnecting {
			t.Errorf("expected connecting, got %s", c.State())
		}
		if len(env.authority.confirms) != 0 {
			t.Error("authority called for a malformed bootstrap")
		}

		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		if c.State() != model.StateActive {
			t.Errorf("valid bootstrap after malformed ones should admit, got %s", c.State())
		}
	})

	t.Run("confirmation completes before admission", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		env.authority.onConfirm = func(string) {
			if len(env.registry.ActiveIDs()) != 0 {
				t.Error("worker visible before confirmation completed")
			}
		}
		env.machine.Open(&fakeConn{id: "sa"}).HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
	})
}

func TestMachine_ConfirmationFailure(t *testing.T) {
	ctx := context.Background()
	env := setupTestMachine(t, nil)
	env.authority.failConfirm["w2"] = true

	var handlerCalled bool
	_ = env.table.Register("ping", func(context.Context, *model.Payload, model.Emitter) error {
		handlerCalled = true
		return nil
	})

	conn := &fakeConn{id: "sa"}
	c := env.machine.Open(conn)
	c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w2"))

	if c.State() != model.StateRejected {
		t.Fatalf("expected rejected, got %s", c.State())
	}
	if !conn.Closed() {
		t.Error("session not closed after confirmation failure")
	}
	for _, id := range env.registry.ActiveIDs() {
		if id == "w2" {
			t.Fatal("unconfirmed worker is active")
		}
	}
	reports := env.errors.Reports()
	if len(reports) != 1 || !errors.Is(reports[0].Err, model.ErrConfirmationFailed) || reports[0].WorkerID != "w2" {
		t.Fatalf("expected one ConfirmationFailed report for w2, got %+v", reports)
	}

	c.HandleMessage(ctx, "ping", bootstrap("w2"))
	if handlerCalled {
		t.Error("handler observed a worker that failed confirmation")
	}

	c.HandleClose(ctx)
	if len(env.authority.Rejects()) != 0 {
		t.Error("reject called for a worker that never became active")
	}
	if len(env.errors.Reports()) != 1 {
		t.Error("closing a rejected session must not report again")
	}

	// the id is free again for a retry on a new session
	env.authority.failConfirm["w2"] = false
	retry := env.machine.Open(&fakeConn{id: "sb"})
	retry.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w2"))
	if retry.State() != model.StateActive {
		t.Errorf("retry should be admitted, got %s", retry.State())
	}
}

func TestMachine_OnConnected(t *testing.T) {
	ctx := context.Background()

	t.Run("callback runs with the bootstrap payload", func(t *testing.T) {
		var got string
		env := setupTestMachine(t, func(_ context.Context, p *model.Payload, m model.Emitter) error {
			got = p.WorkerID
			return nil
		})
		env.machine.Open(&fakeConn{id: "sa"}).HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		if got != "w1" {
			t.Errorf("expected callback for w1, got %q", got)
		}
	})

	t.Run("callback can address the worker being admitted", func(t *testing.T) {
		var before []string
		env := setupTestMachine(t, func(_ context.Context, p *model.Payload, m model.Emitter) error {
			before = m.Workers()
			return m.EmitTo(p.WorkerID, "welcome", map[string]string{"worker_id": p.WorkerID})
		})
		conn := &fakeConn{id: "sa"}
		env.machine.Open(conn).HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if len(before) != 0 {
			t.Errorf("worker listed before admission: %v", before)
		}
		frames := conn.Frames()
		if len(frames) != 1 || frames[0] != `{"event":"welcome","data":{"worker_id":"w1"}}` {
			t.Errorf("unexpected frames %v", frames)
		}
	})

	t.Run("callback error aborts admission", func(t *testing.T) {
		boom := errors.New("boom")
		env := setupTestMachine(t, func(context.Context, *model.Payload, model.Emitter) error { return boom })
		conn := &fakeConn{id: "sa"}
		c := env.machine.Open(conn)
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if c.State() != model.StateRejected || !conn.Closed() {
			t.Fatalf("expected rejected and closed, got %s closed=%v", c.State(), conn.Closed())
		}
		if len(env.registry.ActiveIDs()) != 0 {
			t.Error("worker admitted despite callback error")
		}
		reports := env.errors.Reports()
		if len(reports) != 1 || !errors.Is(reports[0].Err, boom) {
			t.Errorf("expected callback error report, got %+v", reports)
		}
		c.HandleClose(ctx)
		if len(env.authority.Rejects()) != 0 {
			t.Error("reject called for a worker that never became active")
		}
	})

	t.Run("callback panic aborts admission", func(t *testing.T) {
		env := setupTestMachine(t, func(context.Context, *model.Payload, model.Emitter) error { panic("oops") })
		c := env.machine.Open(&fakeConn{id: "sa"})
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		if c.State() != model.StateRejected {
			t.Fatalf("expected rejected, got %s", c.State())
		}
		reports := env.errors.Reports()
		if len(reports) != 1 || !errors.Is(reports[0].Err, model.ErrHandlerPanic) {
			t.Errorf("expected panic report, got %+v", reports)
		}
	})
}

func TestMachine_Disconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("active worker is removed and rejected once", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		c := env.machine.Open(&fakeConn{id: "sa"})
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		c.HandleClose(ctx)
		c.HandleClose(ctx)

		if c.State() != model.StateClosed {
			t.Errorf("expected closed, got %s", c.State())
		}
		if ids := env.registry.ActiveIDs(); len(ids) != 0 {
			t.Errorf("expected no active workers, got %v", ids)
		}
		if rejects := env.authority.Rejects(); len(rejects) != 1 || rejects[0] != "w1" {
			t.Errorf("expected exactly one reject for w1, got %v", rejects)
		}

		reports := env.errors.Reports()
		if len(reports) != 1 || !errors.Is(reports[0].Err, model.ErrWorkerDisconnected) {
			t.Fatalf("expected one WorkerDisconnected report, got %+v", reports)
		}
		if reports[0].WorkerID != "w1" {
			t.Errorf("expected report for w1, got %q", reports[0].WorkerID)
		}
		if len(reports[0].ActiveAtReport) != 1 {
			t.Error("disconnect must be reported before cleanup")
		}
	})

	t.Run("reject failure is reported and removal stands", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		env.authority.failReject = true
		c := env.machine.Open(&fakeConn{id: "sa"})
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		c.HandleClose(ctx)

		if len(env.registry.ActiveIDs()) != 0 {
			t.Error("reject failure reopened the registry entry")
		}
		reports := env.errors.Reports()
		if len(reports) != 2 {
			t.Fatalf("expected disconnect and rejection reports, got %+v", reports)
		}
		if !errors.Is(reports[0].Err, model.ErrWorkerDisconnected) || !errors.Is(reports[1].Err, model.ErrRejectionFailed) {
			t.Errorf("unexpected report order: %v, %v", reports[0].Err, reports[1].Err)
		}
		if len(env.authority.Rejects()) != 1 {
			t.Error("reject must not be retried")
		}
		kinds := env.recorder.Kinds()
		if len(kinds) != 3 || kinds[2] != journal.KindRejectFailed {
			t.Errorf("unexpected journal kinds %v", kinds)
		}
	})

	t.Run("session lost before bootstrap", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		c := env.machine.Open(&fakeConn{id: "sa"})
		c.HandleClose(ctx)

		if len(env.errors.Reports()) != 0 || len(env.authority.Rejects()) != 0 {
			t.Error("a session that never bootstrapped must close silently")
		}
	})

	t.Run("shutdown closes silently", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		c := env.machine.Open(&fakeConn{id: "sa"})
		c.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))

		env.machine.Shutdown()
		c.HandleClose(ctx)

		if len(env.registry.ActiveIDs()) != 0 {
			t.Error("worker not removed on shutdown")
		}
		if len(env.authority.Rejects()) != 0 || len(env.errors.Reports()) != 0 {
			t.Error("shutdown must not reject or report")
		}
	})

	t.Run("worker can reconnect after disconnect", func(t *testing.T) {
		env := setupTestMachine(t, nil)
		first := env.machine.Open(&fakeConn{id: "sa"})
		first.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		first.HandleClose(ctx)

		second := env.machine.Open(&fakeConn{id: "sb"})
		second.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
		if second.State() != model.StateActive {
			t.Errorf("expected reconnect to be admitted, got %s", second.State())
		}
	})
}

func TestMachine_EventDispatch(t *testing.T) {
	ctx := context.Background()
	env := setupTestMachine(t, nil)

	var mu sync.Mutex
	var seen []string
	_ = env.table.Register("progress", func(_ context.Context, p *model.Payload, m model.Emitter) error {
		mu.Lock()
		seen = append(seen, p.WorkerID)
		mu.Unlock()
		return nil
	})
	_ = env.table.Register("fails", func(context.Context, *model.Payload, model.Emitter) error {
		return errors.New("handler failed")
	})
	_ = env.table.Register("panics", func(context.Context, *model.Payload, model.Emitter) error {
		panic("handler exploded")
	})

	a := env.machine.Open(&fakeConn{id: "sa"})
	b := env.machine.Open(&fakeConn{id: "sb"})

	// events before admission are not dispatched
	a.HandleMessage(ctx, "progress", bootstrap("w1"))

	a.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w1"))
	b.HandleMessage(ctx, model.BootstrapEvent, bootstrap("w2"))

	a.HandleMessage(ctx, "fails", bootstrap("w1"))
	a.HandleMessage(ctx, "panics", bootstrap("w1"))
	a.HandleMessage(ctx, "progress", bootstrap("w1"))
	b.HandleMessage(ctx, "progress", bootstrap("w2"))
	a.HandleMessage(ctx, "unknown", bootstrap("w1"))

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != "[w1 w2]" {
		t.Errorf("expected progress from w1 then w2, got %v", seen)
	}

	reports := env.errors.Reports()
	if len(reports) != 2 {
		t.Fatalf("expected two handler reports, got %+v", reports)
	}
	if !errors.Is(reports[1].Err, model.ErrHandlerPanic) {
		t.Errorf("expected panic to be reported, got %v", reports[1].Err)
	}
	if a.State() != model.StateActive || b.State() != model.StateActive {
		t.Error("handler failures must not affect session state")
	}
}

func TestMachine_ErrorHandlerPanicIsContained(t *testing.T) {
	reg := registry.New()
	auth := &fakeAuthority{failConfirm: map[string]bool{"w1": true}}
	m := NewMachine(Config{
		Registry:  reg,
		Authority: auth,
		Table:     dispatch.NewTable(),
		Emitter:   nopEmitter{reg: reg},
		Callbacks: Callbacks{OnError: func(*model.Payload, error) { panic("sink broke") }},
		Logger:    zerolog.Nop(),
	})

	conn := &fakeConn{id: "sa"}
	c := m.Open(conn)
	c.HandleMessage(context.Background(), model.BootstrapEvent, bootstrap("w1"))
	if !conn.Closed() {
		t.Error("session should still be closed when the error handler panics")
	}
}

func TestMachine_ConcurrentSessions(t *testing.T) {
	env := setupTestMachine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	conns := make([]*Connection, 40)
	for i := range conns {
		conns[i] = env.machine.Open(&fakeConn{id: fmt.Sprintf("s%d", i)})
	}
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			// ten distinct ids shared by four sessions each
			c.HandleMessage(ctx, model.BootstrapEvent, bootstrap(fmt.Sprintf("w%d", i%10)))
			if i%2 == 0 {
				c.HandleClose(ctx)
			}
		}(i, c)
	}
	wg.Wait()

	ids := env.registry.ActiveIDs()
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate active id %s in %v", id, ids)
		}
		seen[id] = true
	}
	active := 0
	for _, c := range conns {
		if c.State() == model.StateActive {
			active++
		}
	}
	if active != len(ids) {
		t.Errorf("active sessions (%d) and active ids (%d) diverged", active, len(ids))
	}
}
