// Package registry tracks the confirmed workers and the session each one is bound to.
package registry

import (
	"sync"
	"time"

	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
)

// Registry is the connection registry. It keeps two consistent views of the
// admitted workers: session id -> worker and worker ids in admission order.
//
// A worker id can also be reserved while its session is being confirmed, so two
// sessions announcing the same id cannot both reach the authority.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*model.Worker
	order     []string
	// pending maps a session id to the worker id it reserved.
	pending map[string]string
	// claimed holds every worker id that is either pending or admitted.
	claimed map[string]string

	now func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bySession: make(map[string]*model.Worker),
		pending:   make(map[string]string),
		claimed:   make(map[string]string),
		now:       time.Now,
	}
}

// Reserve claims workerID for sessionID ahead of confirmation.
// It returns false when the session is already pending or admitted, or when the
// worker id is claimed by any session.
func (r *Registry) Reserve(sessionID, workerID string) bool {
	if sessionID == "" || workerID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionKnownLocked(sessionID) {
		return false
	}
	if _, taken := r.claimed[workerID]; taken {
		return false
	}
	r.pending[sessionID] = workerID
	r.claimed[workerID] = sessionID
	return true
}

// Release drops the reservation held by sessionID, if any.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workerID, ok := r.pending[sessionID]
	if !ok {
		return
	}
	delete(r.pending, sessionID)
	if r.claimed[workerID] == sessionID {
		delete(r.claimed, workerID)
	}
}

// Admit inserts the worker into both views. It is a no-op returning false when
// the session or the worker id is already registered. A reservation held by
// the same session is converted into the admission.
func (r *Registry) Admit(conn model.Conn, workerID string) (*model.Worker, bool) {
	if conn == nil || workerID == "" {
		return nil, false
	}
	sessionID := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[sessionID]; ok {
		return nil, false
	}
	if reserved, ok := r.pending[sessionID]; ok && reserved != workerID {
		return nil, false
	}
	if owner, taken := r.claimed[workerID]; taken && owner != sessionID {
		return nil, false
	}

	delete(r.pending, sessionID)
	w := &model.Worker{
		WorkerID:   workerID,
		SessionID:  sessionID,
		Conn:       conn,
		AdmittedAt: r.now(),
	}
	r.bySession[sessionID] = w
	r.claimed[workerID] = sessionID
	r.order = append(r.order, workerID)
	return w, true
}

// LookupBySession returns the worker admitted on sessionID.
func (r *Registry) LookupBySession(sessionID string) (*model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.bySession[sessionID]
	return w, ok
}

// LookupByWorkerID returns the session bound to an admitted worker id.
func (r *Registry) LookupByWorkerID(workerID string) (model.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.claimed[workerID]
	if !ok {
		return nil, false
	}
	w, ok := r.bySession[sessionID]
	if !ok {
		// reserved but not admitted yet
		return nil, false
	}
	return w.Conn, true
}

// Remove atomically removes the worker admitted on sessionID from both views
// and returns it, so the caller runs cleanup exactly once.
func (r *Registry) Remove(sessionID string) (*model.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.bySession, sessionID)
	delete(r.claimed, w.WorkerID)
	for i, id := range r.order {
		if id == w.WorkerID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return w, true
}

// ActiveIDs returns a snapshot of admitted worker ids in admission order.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Conns returns a snapshot of the sessions of every admitted worker.
func (r *Registry) Conns() []model.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Conn, 0, len(r.bySession))
	for _, id := range r.order {
		if w, ok := r.bySession[r.claimed[id]]; ok {
			out = append(out, w.Conn)
		}
	}
	return out
}

// Len returns the number of admitted workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

func (r *Registry) sessionKnownLocked(sessionID string) bool {
	if _, ok := r.bySession[sessionID]; ok {
		return true
	}
	_, ok := r.pending[sessionID]
	return ok
}
