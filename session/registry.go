package session

import (
	"log/slog"
	"sync"
)

// Registry tracks the active sender sessions by sharer id, providing the
// create/remove/list operations the control plane drives.
type Registry struct {
	log *slog.Logger
	mu  sync.RWMutex

	senders map[int]*SharerSender
	nextID  int
}

// NewRegistry returns an empty registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "registry"),
		senders: make(map[int]*SharerSender),
		nextID:  1,
	}
}

// NextID reserves the next sharer id.
func (r *Registry) NextID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Add registers a sender under its id. It returns false if the id is
// already taken.
func (r *Registry) Add(s *SharerSender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.senders[s.ID()]; ok {
		r.log.Warn("sharer id already registered", "sharer_id", s.ID())
		return false
	}
	r.senders[s.ID()] = s
	r.log.Info("sharer registered", "sharer_id", s.ID())
	return true
}

// Get looks a sender up by id.
func (r *Registry) Get(id int) (*SharerSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[id]
	return s, ok
}

// Remove unregisters and returns the sender of id.
func (r *Registry) Remove(id int) (*SharerSender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.senders[id]
	if ok {
		delete(r.senders, id)
		r.log.Info("sharer removed", "sharer_id", id)
	}
	return s, ok
}

// List returns the active senders.
func (r *Registry) List() []*SharerSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	senders := make([]*SharerSender, 0, len(r.senders))
	for _, s := range r.senders {
		senders = append(senders, s)
	}
	return senders
}
