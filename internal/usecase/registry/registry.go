// Package registry holds the in-process Service Registry: the authoritative
// map of currently registered components, plus the Recipient Resolver that
// turns a logical recipient into a concrete delivery URL.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"postoffice/internal/domain"
)

// Registry is the in-memory authoritative store of component registrations.
// It maintains two indexes, byId and byType, and guarantees add-to-both-or-
// neither: a reader never observes a component present in one index but
// absent from the other.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]domain.Component
	byType map[string][]string // type -> ordered component ids (first registered wins lookups)
	logger *slog.Logger
	bus    domain.EventBus
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]domain.Component),
		byType: make(map[string][]string),
		logger: logger,
	}
}

// SetEventBus attaches the bus Register/Remove publish component lifecycle
// events to. Optional: a Registry with no bus simply skips publishing.
func (r *Registry) SetEventBus(bus domain.EventBus) {
	r.bus = bus
}

func (r *Registry) publish(eventType domain.EventType, payload any) {
	if r.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.bus.Publish(context.Background(), domain.Event{Type: eventType, Timestamp: time.Now(), Payload: raw})
}

// Register upserts a component. Idempotent on id: re-registering the same id
// with a different type moves it to the new type index.
func (r *Registry) Register(c domain.Component) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[c.ID]; ok && existing.Type != c.Type {
		r.removeFromTypeIndexLocked(existing.Type, c.ID)
	}
	r.byID[c.ID] = c
	r.addToTypeIndexLocked(c.Type, c.ID)
	r.logger.Info("component registered", "id", c.ID, "type", c.Type, "url", c.URL)
	r.publish(domain.EventComponentRegistered, c)
}

// Remove unregisters a component by id. Returns domain.ErrComponentNotFound
// if it was not present.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return domain.ErrComponentNotFound
	}
	delete(r.byID, id)
	r.removeFromTypeIndexLocked(c.Type, id)
	r.logger.Info("component removed", "id", id, "type", c.Type)
	r.publish(domain.EventComponentRemoved, c)
	return nil
}

// GetByID returns the component registered under id.
func (r *Registry) GetByID(id string) (domain.Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return domain.Component{}, domain.ErrComponentNotFound
	}
	return c, nil
}

// GetByType returns every component registered under type, in registration order.
func (r *Registry) GetByType(t string) []domain.Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byType[t]
	out := make([]domain.Component, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// GetURL resolves typeOrId to a single URL: first by id, else the first
// registered component of that type (see DESIGN.md open question 3 — stable
// order, not round-robin). Returns domain.ErrComponentNotFound on a miss.
func (r *Registry) GetURL(typeOrID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byID[typeOrID]; ok {
		return c.URL, nil
	}
	ids := r.byType[typeOrID]
	if len(ids) == 0 {
		return "", domain.ErrComponentNotFound
	}
	if c, ok := r.byID[ids[0]]; ok {
		return c.URL, nil
	}
	return "", domain.ErrComponentNotFound
}

// Services returns a snapshot of well-known-service-type -> URL for every
// currently registered type, used by GET /getServices.
func (r *Registry) Services() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.byType))
	for t, ids := range r.byType {
		if len(ids) == 0 {
			continue
		}
		if c, ok := r.byID[ids[0]]; ok {
			out[t] = c.URL
		}
	}
	return out
}

// CountsByType returns the number of registered components per type, used by
// GET /ready?detail=full.
func (r *Registry) CountsByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.byType))
	for t, ids := range r.byType {
		out[t] = len(ids)
	}
	return out
}

func (r *Registry) addToTypeIndexLocked(t, id string) {
	for _, existing := range r.byType[t] {
		if existing == id {
			return
		}
	}
	r.byType[t] = append(r.byType[t], id)
}

func (r *Registry) removeFromTypeIndexLocked(t, id string) {
	ids := r.byType[t]
	for i, existing := range ids {
		if existing == id {
			r.byType[t] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byType[t]) == 0 {
		delete(r.byType, t)
	}
}
