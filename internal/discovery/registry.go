package discovery

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionBusy    = errors.New("session outbound buffer full")
)

const sessionBuffer = 16

// Registry maps live SSE sessions to their outbound queues.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]chan []byte
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]chan []byte)}
}

// Open creates a session and returns its id and outbound queue.
func (r *Registry) Open() (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, sessionBuffer)
	r.mu.Lock()
	r.sessions[id] = ch
	r.mu.Unlock()
	return id, ch
}

// Close removes the session and closes its queue. Unknown ids are ignored.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		close(ch)
	}
}

// CloseAll ends every session; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.sessions {
		delete(r.sessions, id)
		close(ch)
	}
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Send queues msg for the session without blocking.
func (r *Registry) Send(id string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrSessionBusy
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
