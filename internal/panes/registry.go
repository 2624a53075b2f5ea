// File: internal/panes/registry.go
// Brief: Internal panes package implementation for 'registry'.

package panes

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Unbinder releases the subscription held by a pane.
type Unbinder interface {
	Unbind(paneID string)
}

// Claims maps pod -> set of containers currently claimed by some pane.
type Claims map[string]map[string]struct{}

// Has reports whether pod/container is claimed.
func (c Claims) Has(pod, container string) bool {
	if c == nil {
		return false
	}
	_, ok := c[pod][container]
	return ok
}

func (c Claims) add(pod, container string) {
	set, ok := c[pod]
	if !ok {
		set = make(map[string]struct{})
		c[pod] = set
	}
	set[container] = struct{}{}
}

// Registry is the bookkeeping table of open panes. It records bindings but
// never starts or stops streaming itself, apart from releasing a pane's
// subscription when the pane is removed.
type Registry struct {
	mu       sync.RWMutex
	panes    map[string]*Pane
	order    []string
	max      int
	unbinder Unbinder
	newID    func() string
	now      func() time.Time
}

// NewRegistry creates an empty registry. unbinder may be nil.
func NewRegistry(unbinder Unbinder, max int) *Registry {
	if max <= 0 || max > MaxPanes {
		max = MaxPanes
	}
	return &Registry{
		panes:    make(map[string]*Pane),
		max:      max,
		unbinder: unbinder,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Add allocates a new, unbound pane in namespace.
func (r *Registry) Add(namespace string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.panes) >= r.max {
		return "", &CapacityError{Max: r.max}
	}
	id := r.newID()
	for {
		if _, taken := r.panes[id]; !taken && id != "" {
			break
		}
		id = r.newID()
	}
	r.panes[id] = &Pane{ID: id, Namespace: namespace, CreatedAt: r.now()}
	r.order = append(r.order, id)
	return id, nil
}

// Remove releases the pane's subscription and deletes it.
func (r *Registry) Remove(id string) error {
	if !r.Has(id) {
		return paneNotFound(id)
	}
	if r.unbinder != nil {
		r.unbinder.Unbind(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.panes[id]; !ok {
		return paneNotFound(id)
	}
	delete(r.panes, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetBinding records the pane's pod and container. An empty container marks
// the pane as holding no valid container.
func (r *Registry) SetBinding(id, pod, container string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.panes[id]
	if !ok {
		return paneNotFound(id)
	}
	p.Pod = pod
	p.Container = container
	return nil
}

// Get returns a copy of the pane.
func (r *Registry) Get(id string) (Pane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.panes[id]
	if !ok {
		return Pane{}, false
	}
	return *p, true
}

// Has reports whether id names an open pane.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.panes[id]
	return ok
}

// Len returns the number of open panes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.panes)
}

// List returns copies of all panes in creation order.
func (r *Registry) List() []Pane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pane, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.panes[id])
	}
	return out
}

// ClaimedContainers computes the claim snapshot from scratch.
func (r *Registry) ClaimedContainers() Claims {
	return r.claims("")
}

// ClaimedByOthers computes the claim snapshot ignoring the pane named id.
func (r *Registry) ClaimedByOthers(id string) Claims {
	return r.claims(id)
}

func (r *Registry) claims(exclude string) Claims {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Claims, len(r.panes))
	for _, p := range r.panes {
		if p.ID == exclude || !p.Bound() {
			continue
		}
		out.add(p.Pod, p.Container)
	}
	return out
}
