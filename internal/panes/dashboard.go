// File: internal/panes/dashboard.go
// Brief: Internal panes package implementation for 'dashboard'.

package panes

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

// Reasons carried by binding events.
const (
	ReasonSelected    = "selected"
	ReasonRebalanced  = "rebalanced"
	ReasonStopped     = "stopped"
	ReasonUnavailable = "unavailable"
)

// ErrClosed is returned by operations on a closed Dashboard.
var ErrClosed = errors.New("dashboard closed")

// Dashboard is one viewing session: a namespace, its pod catalog, and up to
// MaxPanes panes. Every registry mutation and the rebalance that follows it
// run under a single lock.
type Dashboard struct {
	namespace string
	log       logr.Logger
	delivery  Delivery
	registry  *Registry
	manager   *Manager

	mu            sync.Mutex
	catalog       Catalog
	catalogLoaded bool
	closed        bool
}

// NewDashboard creates an empty session for namespace.
func NewDashboard(namespace string, source Source, delivery Delivery, logger logr.Logger) *Dashboard {
	log := logger.WithName("panes").WithValues("namespace", namespace)
	var registry *Registry
	manager := NewManager(source, delivery, log, WithPaneSet(paneSetFunc(func(id string) bool {
		return registry.Has(id)
	})))
	registry = NewRegistry(manager, MaxPanes)
	return &Dashboard{
		namespace: namespace,
		log:       log,
		delivery:  delivery,
		registry:  registry,
		manager:   manager,
	}
}

// Namespace returns the session namespace.
func (d *Dashboard) Namespace() string {
	return d.namespace
}

// AddPane opens a new, unbound pane and its room.
func (d *Dashboard) AddPane() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	id, err := d.registry.Add(d.namespace)
	if err != nil {
		return "", err
	}
	d.delivery.Open(id)
	d.log.V(1).Info("pane added", "pane", id, "panes", d.registry.Len())
	d.rebalanceLocked()
	return id, nil
}

// RemovePane stops the pane's stream, forgets the pane and closes its room.
// No event for the room is delivered once RemovePane returns.
func (d *Dashboard) RemovePane(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.registry.Remove(id); err != nil {
		return err
	}
	d.delivery.Close(id)
	d.log.V(1).Info("pane removed", "pane", id, "panes", d.registry.Len())
	d.rebalanceLocked()
	return nil
}

// BindPane binds the pane to pod/container and starts streaming it.
func (d *Dashboard) BindPane(id, pod, container string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pane, ok := d.registry.Get(id)
	if !ok {
		return paneNotFound(id)
	}
	if d.catalogLoaded && !d.catalog.Has(pod, container) {
		if d.catalog.Containers(pod) == nil {
			return &NotFoundError{Kind: "pod", Name: pod}
		}
		return &NotFoundError{Kind: "container", Name: pod + "/" + container}
	}
	if d.registry.ClaimedByOthers(id).Has(pod, container) {
		return &ConflictError{Pod: pod, Container: container, Holder: d.holderLocked(id, pod, container)}
	}
	if err := d.manager.Bind(id, d.namespace, pod, container); err != nil {
		return err
	}
	if err := d.registry.SetBinding(id, pod, container); err != nil {
		d.manager.Unbind(id)
		return err
	}
	if pane.Pod != pod || pane.Container != container {
		d.log.V(1).Info("pane bound", "pane", id, "pod", pod, "container", container)
	}
	d.publishBindingLocked(id, pod, container, ReasonSelected)
	d.rebalanceLocked()
	return nil
}

// SelectPod switches the pane to pod and binds the first container no other
// pane holds. When every container is taken the pane is left unbound and the
// returned container is empty; that is not an error.
func (d *Dashboard) SelectPod(id, pod string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registry.Has(id) {
		return "", paneNotFound(id)
	}
	if d.catalogLoaded && d.catalog.Containers(pod) == nil {
		return "", &NotFoundError{Kind: "pod", Name: pod}
	}
	container := FirstAvailable(d.catalog, d.registry.ClaimedByOthers(id), pod)
	if container == "" {
		d.manager.Unbind(id)
		if err := d.registry.SetBinding(id, pod, ""); err != nil {
			return "", err
		}
		d.log.V(1).Info("no container available for pane", "pane", id, "pod", pod)
		d.publishBindingLocked(id, pod, "", ReasonUnavailable)
		d.rebalanceLocked()
		return "", nil
	}
	if err := d.manager.Bind(id, d.namespace, pod, container); err != nil {
		return "", err
	}
	if err := d.registry.SetBinding(id, pod, container); err != nil {
		d.manager.Unbind(id)
		return "", err
	}
	d.publishBindingLocked(id, pod, container, ReasonSelected)
	d.rebalanceLocked()
	return container, nil
}

// StopPane stops the pane's stream and clears its selection. The pane stays
// open and can be bound again.
func (d *Dashboard) StopPane(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registry.Has(id) {
		return paneNotFound(id)
	}
	d.manager.Unbind(id)
	if err := d.registry.SetBinding(id, "", ""); err != nil {
		return err
	}
	d.publishBindingLocked(id, "", "", ReasonStopped)
	d.rebalanceLocked()
	return nil
}

// ListAvailableContainers returns the containers the pane may choose from for
// its current pod, its own claim included.
func (d *Dashboard) ListAvailableContainers(id string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pane, ok := d.registry.Get(id)
	if !ok {
		return nil, paneNotFound(id)
	}
	return AvailableContainers(d.catalog, d.registry.ClaimedByOthers(id), pane.Pod), nil
}

// SetCatalog replaces the pod catalog and rebalances every pane against it.
func (d *Dashboard) SetCatalog(catalog Catalog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.catalog = catalog
	d.catalogLoaded = true
	d.rebalanceLocked()
}

// Catalog returns the current pod catalog.
func (d *Dashboard) Catalog() Catalog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.catalog
}

// Panes lists the open panes in creation order.
func (d *Dashboard) Panes() []Pane {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.List()
}

// Streaming reports whether the pane currently forwards lines.
func (d *Dashboard) Streaming(id string) bool {
	return d.manager.Active(id)
}

// Close removes every pane and stops all streams.
func (d *Dashboard) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, p := range d.registry.List() {
		if err := d.registry.Remove(p.ID); err != nil {
			d.log.Error(err, "remove pane on close", "pane", p.ID)
			continue
		}
		d.delivery.Close(p.ID)
	}
	d.manager.Close()
}

// rebalanceLocked applies the coordinator's plan to the registry and the
// subscriptions.
func (d *Dashboard) rebalanceLocked() {
	if !d.catalogLoaded {
		return
	}
	panes := d.registry.List()
	for _, change := range PlanRebalance(d.catalog, panes) {
		if change.Unavailable() {
			d.manager.Unbind(change.PaneID)
		} else if err := d.manager.Bind(change.PaneID, d.namespace, change.Pod, change.To); err != nil {
			d.log.Error(err, "rebind pane during rebalance", "pane", change.PaneID, "pod", change.Pod, "container", change.To)
			d.manager.Unbind(change.PaneID)
			change.To = ""
		}
		if err := d.registry.SetBinding(change.PaneID, change.Pod, change.To); err != nil {
			d.log.Error(err, "record rebalanced binding", "pane", change.PaneID)
			continue
		}
		d.log.Info("pane reassigned", "pane", change.PaneID, "pod", change.Pod, "from", change.From, "to", change.To)
		reason := ReasonRebalanced
		if change.Unavailable() {
			reason = ReasonUnavailable
		}
		d.publishBindingLocked(change.PaneID, change.Pod, change.To, reason)
	}
}

func (d *Dashboard) publishBindingLocked(id, pod, container, reason string) {
	d.delivery.Publish(id, Event{
		Kind:        EventBinding,
		Room:        id,
		Pod:         pod,
		Container:   container,
		Available:   AvailableContainers(d.catalog, d.registry.ClaimedByOthers(id), pod),
		Unavailable: pod != "" && container == "",
		Reason:      reason,
	})
}

func (d *Dashboard) holderLocked(self, pod, container string) string {
	for _, p := range d.registry.List() {
		if p.ID != self && p.Pod == pod && p.Container == container {
			return p.ID
		}
	}
	return ""
}
