package tonconnect

import (
	"sync"
	"time"

	"github.com/tonwhales/tonhub-connect/internal/metrics"
)

// RequestStatus is the lifecycle state of a pending wallet request.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusExpired RequestStatus = "expired"
)

// PendingRequest is one wallet-side request awaiting a decision. From is the
// dApp client session id for remote requests and empty for injected ones.
type PendingRequest struct {
	ID         string        `json:"id"`
	From       string        `json:"from,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Method     string        `json:"method"`
	Params     []string      `json:"params,omitempty"`
	Status     RequestStatus `json:"status"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// PendingRequestRegistry keeps the ordered, id-deduplicated list of pending
// requests. Expired entries keep their place until dismissed so observers
// can show what lapsed.
type PendingRequestRegistry struct {
	mu       sync.RWMutex
	ordered  []PendingRequest
	onChange func()
}

// NewPendingRequestRegistry returns an empty registry.
func NewPendingRequestRegistry() *PendingRequestRegistry {
	return &PendingRequestRegistry{}
}

// OnChange registers the observer hook, invoked after every mutation.
func (r *PendingRequestRegistry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add appends a request. An existing id is updated in place, keeping its
// position in the order.
func (r *PendingRequestRegistry) Add(req PendingRequest) {
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	r.mu.Lock()
	replaced := false
	for i := range r.ordered {
		if r.ordered[i].ID == req.ID {
			r.ordered[i] = req
			replaced = true
			break
		}
	}
	if !replaced {
		r.ordered = append(r.ordered, req)
	}
	r.mu.Unlock()
	r.notify()
}

// Update replaces the entry with the same id. A missing id is a no-op.
func (r *PendingRequestRegistry) Update(req PendingRequest) {
	r.mu.Lock()
	updated := false
	for i := range r.ordered {
		if r.ordered[i].ID == req.ID {
			r.ordered[i] = req
			updated = true
			break
		}
	}
	r.mu.Unlock()
	if updated {
		r.notify()
	}
}

// Remove drops the entry with the given id.
func (r *PendingRequestRegistry) Remove(id string) {
	r.mu.Lock()
	kept := r.ordered[:0]
	removed := false
	for _, req := range r.ordered {
		if req.ID == id {
			removed = true
			continue
		}
		kept = append(kept, req)
	}
	r.ordered = kept
	r.mu.Unlock()
	if removed {
		r.notify()
	}
}

// RemoveBySession drops every entry originating from one client session.
func (r *PendingRequestRegistry) RemoveBySession(from string) {
	r.mu.Lock()
	kept := r.ordered[:0]
	removed := false
	for _, req := range r.ordered {
		if req.From == from {
			removed = true
			continue
		}
		kept = append(kept, req)
	}
	r.ordered = kept
	r.mu.Unlock()
	if removed {
		r.notify()
	}
}

// RemoveByEndpoint drops every entry belonging to one dApp endpoint.
func (r *PendingRequestRegistry) RemoveByEndpoint(endpoint string) {
	endpoint = NormalizeEndpoint(endpoint)

	r.mu.Lock()
	kept := r.ordered[:0]
	removed := false
	for _, req := range r.ordered {
		if req.Endpoint == endpoint {
			removed = true
			continue
		}
		kept = append(kept, req)
	}
	r.ordered = kept
	r.mu.Unlock()
	if removed {
		r.notify()
	}
}

// Clear drops every entry.
func (r *PendingRequestRegistry) Clear() {
	r.mu.Lock()
	cleared := len(r.ordered) > 0
	r.ordered = nil
	r.mu.Unlock()
	if cleared {
		r.notify()
	}
}

// MarkExpired flips an entry to expired without removing it.
func (r *PendingRequestRegistry) MarkExpired(id string) {
	r.mu.Lock()
	marked := false
	for i := range r.ordered {
		if r.ordered[i].ID == id {
			if r.ordered[i].Status != StatusExpired {
				r.ordered[i].Status = StatusExpired
				marked = true
			}
			break
		}
	}
	r.mu.Unlock()
	if marked {
		r.notify()
	}
}

// Get returns the entry with the given id.
func (r *PendingRequestRegistry) Get(id string) (PendingRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.ordered {
		if req.ID == id {
			return req, true
		}
	}
	return PendingRequest{}, false
}

// List returns a snapshot of the entries in order.
func (r *PendingRequestRegistry) List() []PendingRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PendingRequest, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of entries.
func (r *PendingRequestRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

func (r *PendingRequestRegistry) notify() {
	r.mu.RLock()
	fn := r.onChange
	n := int64(len(r.ordered))
	r.mu.RUnlock()

	metrics.SetPendingRequestsCount(n)
	if fn != nil {
		fn()
	}
}
