package panes

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity matches CapacityError.
	ErrCapacity = errors.New("pane limit reached")
	// ErrConflict matches ConflictError.
	ErrConflict = errors.New("container already claimed")
	// ErrNotFound matches NotFoundError.
	ErrNotFound = errors.New("not found")
)

// CapacityError is returned when a session already holds the maximum number of panes.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pane limit reached: at most %d panes can be open, close one first", e.Max)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// ConflictError is returned when a container is already claimed by another pane.
type ConflictError struct {
	Pod       string
	Container string
	Holder    string
}

func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("container %s/%s is already shown in another pane", e.Pod, e.Container)
	}
	return fmt.Sprintf("container %s/%s is already shown in pane %s", e.Pod, e.Container, e.Holder)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError is returned when an operation references an unknown pane,
// pod, or container.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "pane"
	}
	return fmt.Sprintf("%s %q not found", kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func paneNotFound(id string) error {
	return &NotFoundError{Kind: "pane", Name: id}
}
