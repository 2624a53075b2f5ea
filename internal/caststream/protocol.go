package caststream

import (
	"errors"

	"github.com/example/kpane/internal/panes"
)

// Client actions.
const (
	ActionNamespace  = "namespace"
	ActionAddPane    = "addPane"
	ActionRemovePane = "removePane"
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionSelectPod  = "selectPod"
	ActionContainers = "containers"
)

// Server replies that are not room events.
const (
	EventNamespace  = "namespace"
	EventCatalog    = "catalog"
	EventPaneAdded  = "paneAdded"
	EventContainers = "containers"
	EventOK         = "ok"
	EventError      = "error"
	EventWarning    = "warning"
)

// Error codes carried by error and warning replies.
const (
	CodeBadRequest  = "bad_request"
	CodeCapacity    = "capacity"
	CodeConflict    = "conflict"
	CodeNotFound    = "not_found"
	CodeClosed      = "closed"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// Command is a client request read from the websocket.
type Command struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Room      string `json:"room,omitempty"`
	Pod       string `json:"pod,omitempty"`
	Container string `json:"container,omitempty"`
}

// Reply is a direct answer to a Command or a session notification.
type Reply struct {
	Event     string        `json:"event"`
	RequestID string        `json:"requestId,omitempty"`
	Action    string        `json:"action,omitempty"`
	Room      string        `json:"room,omitempty"`
	Namespace string        `json:"namespace,omitempty"`
	Cluster   string        `json:"cluster,omitempty"`
	Pods      panes.Catalog `json:"pods,omitempty"`
	Container string        `json:"container,omitempty"`
	Available []string      `json:"available,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// errorReply maps a dashboard error onto the wire. Unknown panes, pods and
// containers are warnings; the session carries on either way.
func errorReply(cmd Command, err error) Reply {
	r := Reply{
		Event:     EventError,
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Room:      cmd.Room,
		Message:   err.Error(),
	}
	switch {
	case errors.Is(err, panes.ErrCapacity):
		r.Code = CodeCapacity
	case errors.Is(err, panes.ErrConflict):
		r.Code = CodeConflict
	case errors.Is(err, panes.ErrNotFound):
		r.Event = EventWarning
		r.Code = CodeNotFound
	case errors.Is(err, panes.ErrClosed):
		r.Code = CodeClosed
	case errors.Is(err, errNoNamespace):
		r.Code = CodeUnavailable
	case errors.Is(err, errBadRequest):
		r.Code = CodeBadRequest
	default:
		r.Code = CodeInternal
	}
	return r
}

var (
	errBadRequest  = errors.New("bad request")
	errNoNamespace = errors.New("no namespace is open, send a namespace command first")
)

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string        { return e.msg }
func (e *badRequestError) Is(target error) bool { return target == errBadRequest }

func badRequest(msg string) error {
	return &badRequestError{msg: msg}
}
