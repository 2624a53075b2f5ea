package caststream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/kpane/internal/delivery"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
)

// session is one websocket connection. It owns a dashboard for the namespace
// the client is looking at and a hub that pumps each pane's events to the
// connection.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc
	hub    *delivery.Hub

	writeMu sync.Mutex

	mu        sync.Mutex
	namespace string
	dashboard *panes.Dashboard
	stopWatch context.CancelFunc
	watchDone chan struct{}
	closed    bool

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		log:    srv.logger.WithValues("session", id),
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub = delivery.NewHub(ctx, s.deliver, s.log, srv.roomBuffer)
	return s
}

// run serves the connection until the client goes away.
func (s *session) run(reqCtx context.Context) {
	defer s.close()
	s.log.V(1).Info("session opened", "remote", s.conn.RemoteAddr().String())

	go s.pingLoop()
	if err := s.switchNamespace(reqCtx, Command{}, s.srv.namespace); err != nil {
		s.log.Error(err, "open initial namespace", "namespace", s.srv.namespace)
	}

	s.conn.SetReadLimit(maxCommandSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.V(1).Info("session read failed", "error", err.Error())
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(errorReply(cmd, badRequest("malformed command: "+err.Error())))
			continue
		}
		s.handle(cmd)
	}
}

func (s *session) handle(cmd Command) {
	log := s.log.WithValues("action", cmd.Action, "room", cmd.Room)
	log.V(1).Info("command received", "pod", cmd.Pod, "container", cmd.Container)
	var err error
	switch cmd.Action {
	case ActionNamespace:
		if cmd.Namespace == "" {
			err = badRequest("namespace is required")
			break
		}
		err = s.switchNamespace(s.ctx, cmd, cmd.Namespace)
	case ActionAddPane:
		_, err = s.addPane(cmd)
	case ActionRemovePane:
		err = s.withDashboard(func(d *panes.Dashboard) error { return d.RemovePane(cmd.Room) })
		if err == nil {
			s.ack(cmd, "")
		}
	case ActionStart:
		err = s.start(&cmd)
	case ActionStop:
		err = s.withDashboard(func(d *panes.Dashboard) error { return d.StopPane(cmd.Room) })
		if err == nil {
			s.ack(cmd, "")
		}
	case ActionSelectPod:
		if cmd.Pod == "" {
			err = badRequest("pod is required")
			break
		}
		var container string
		err = s.withDashboard(func(d *panes.Dashboard) error {
			var selErr error
			container, selErr = d.SelectPod(cmd.Room, cmd.Pod)
			return selErr
		})
		if err == nil {
			s.ack(cmd, container)
		}
	case ActionContainers:
		var available []string
		err = s.withDashboard(func(d *panes.Dashboard) error {
			var listErr error
			available, listErr = d.ListAvailableContainers(cmd.Room)
			return listErr
		})
		if err == nil {
			s.reply(Reply{Event: EventContainers, RequestID: cmd.RequestID, Room: cmd.Room, Available: available})
		}
	default:
		err = badRequest("unknown action " + cmd.Action)
	}
	if err != nil {
		log.V(1).Info("command rejected", "error", err.Error())
		s.reply(errorReply(cmd, err))
	}
}

func (s *session) addPane(cmd Command) (string, error) {
	var id string
	err := s.withDashboard(func(d *panes.Dashboard) error {
		var addErr error
		id, addErr = d.AddPane()
		return addErr
	})
	if err != nil {
		return "", err
	}
	s.reply(Reply{Event: EventPaneAdded, RequestID: cmd.RequestID, Room: id})
	return id, nil
}

// start binds a pane. A start for another namespace switches the session
// first; a start without a room opens a new pane, which is removed again when
// the bind fails. cmd.Room names the pane either way.
func (s *session) start(cmd *Command) error {
	if cmd.Pod == "" || cmd.Container == "" {
		return badRequest("pod and container are required")
	}
	if cmd.Namespace != "" && cmd.Namespace != s.currentNamespace() {
		if err := s.switchNamespace(s.ctx, Command{}, cmd.Namespace); err != nil {
			return err
		}
	}
	created := false
	if cmd.Room == "" {
		id, err := s.addPane(Command{RequestID: cmd.RequestID})
		if err != nil {
			return err
		}
		cmd.Room, created = id, true
	}
	err := s.withDashboard(func(d *panes.Dashboard) error {
		bindErr := d.BindPane(cmd.Room, cmd.Pod, cmd.Container)
		if bindErr != nil && created {
			if rmErr := d.RemovePane(cmd.Room); rmErr != nil {
				s.log.V(1).Info("remove rejected pane", "room", cmd.Room, "error", rmErr.Error())
			}
		}
		return bindErr
	})
	if err != nil {
		return err
	}
	s.ack(*cmd, cmd.Container)
	return nil
}

// switchNamespace replaces the dashboard with a fresh one for namespace. The
// previous namespace's panes and rooms are closed.
func (s *session) switchNamespace(ctx context.Context, cmd Command, namespace string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return panes.ErrClosed
	}
	if s.dashboard != nil && s.namespace == namespace {
		d := s.dashboard
		s.mu.Unlock()
		s.reply(Reply{Event: EventNamespace, RequestID: cmd.RequestID, Namespace: namespace, Cluster: s.srv.clusterName(), Pods: d.Catalog()})
		return nil
	}
	old, stopWatch, watchDone := s.dashboard, s.stopWatch, s.watchDone
	d := panes.NewDashboard(namespace, s.srv.source, s.hub, s.log)
	watchCtx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.namespace, s.dashboard, s.stopWatch, s.watchDone = namespace, d, cancel, done
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
		<-watchDone
	}
	if old != nil {
		old.Close()
	}

	catalog, err := kube.PodCatalog(ctx, s.srv.client.Clientset, namespace)
	if err != nil {
		// A namespace whose listing failed is not kept open.
		s.mu.Lock()
		if s.dashboard == d {
			s.namespace, s.dashboard, s.stopWatch, s.watchDone = "", nil, nil, nil
		}
		s.mu.Unlock()
		cancel()
		close(done)
		d.Close()
		s.reply(Reply{Event: EventError, RequestID: cmd.RequestID, Action: ActionNamespace, Namespace: namespace, Code: CodeUnavailable, Message: err.Error()})
		return nil
	}
	d.SetCatalog(catalog)
	s.log.V(1).Info("namespace opened", "namespace", namespace, "pods", len(catalog))
	s.reply(Reply{Event: EventNamespace, RequestID: cmd.RequestID, Namespace: namespace, Cluster: s.srv.clusterName(), Pods: catalog})

	watcher := kube.NewCatalogWatcher(s.srv.client.Clientset, namespace, s.log)
	watcher.OnChange(func(c panes.Catalog) {
		d.SetCatalog(c)
		s.reply(Reply{Event: EventCatalog, Namespace: namespace, Pods: c})
	})
	go func() {
		defer close(done)
		if err := watcher.Run(watchCtx); err != nil {
			s.log.Error(err, "watch pod catalog", "namespace", namespace)
		}
	}()
	return nil
}

func (s *session) withDashboard(fn func(*panes.Dashboard) error) error {
	s.mu.Lock()
	d, closed := s.dashboard, s.closed
	s.mu.Unlock()
	if closed {
		return panes.ErrClosed
	}
	if d == nil {
		return errNoNamespace
	}
	return fn(d)
}

func (s *session) currentNamespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *session) ack(cmd Command, container string) {
	s.reply(Reply{Event: EventOK, RequestID: cmd.RequestID, Action: cmd.Action, Room: cmd.Room, Container: container})
}

func (s *session) reply(r Reply) {
	if err := s.write(r); err != nil && s.ctx.Err() == nil {
		s.log.V(1).Info("write reply failed", "event", r.Event, "error", err.Error())
	}
}

// deliver writes a room event; it is the hub's DeliverFunc.
func (s *session) deliver(_ context.Context, ev panes.Event) error {
	return s.write(ev)
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.log.V(1).Info("ping failed", "error", err.Error())
				_ = s.conn.Close()
				return
			}
		}
	}
}

// close stops every stream, drains the rooms and drops the connection.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		d, stopWatch, watchDone := s.dashboard, s.stopWatch, s.watchDone
		s.dashboard, s.stopWatch, s.watchDone = nil, nil, nil
		s.closed = true
		s.mu.Unlock()

		if stopWatch != nil {
			stopWatch()
			<-watchDone
		}
		if d != nil {
			d.Close()
		}
		s.cancel()
		s.hub.Shutdown()
		_ = s.conn.Close()
		if dropped := s.hub.TotalDropped(); dropped > 0 {
			s.log.Info("session closed with dropped events", "dropped", dropped)
			return
		}
		s.log.V(1).Info("session closed")
	})
}
