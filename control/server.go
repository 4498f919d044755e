// Package control exposes a running capture session over a websocket
// endpoint. Clients receive a status snapshot on connect, followed by a
// replay of recent state-change and job-completion events, then live events
// as they happen. Clients steer the session with small JSON action frames.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/PelNet/pcl-dump/capture"
	"github.com/PelNet/pcl-dump/internal/ring"
	"github.com/PelNet/pcl-dump/logger"
)

const (
	// DefaultEventBacklog is the number of recent events replayed to a
	// late-joining client.
	DefaultEventBacklog = 32

	// sendQueueSize bounds the per-client outbound queue. A client that
	// falls further behind starts losing frames rather than stalling the
	// engine callbacks.
	sendQueueSize = 64

	writeTimeout = 5 * time.Second
)

var (
	// ErrTargetNil indicates NewServer was called without a session.
	ErrTargetNil = errors.New("control: target is nil")
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("control: server already started")
)

// Controllable is the session surface the server drives. *capture.Session
// satisfies it.
type Controllable interface {
	Pause() error
	Resume() error
	Status() *capture.Status
	Stop() error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the package-level default logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEventBacklog sets how many recent events are retained for replay.
func WithEventBacklog(n int) Option {
	return func(s *Server) { s.events = ring.New[Event](n) }
}

// WithCheckOrigin overrides the origin check applied during the websocket
// upgrade. The default accepts any origin, which suits a tool driven from
// the local host or a trusted bench network.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// Server serves the control endpoint at /control.
type Server struct {
	target   Controllable
	logger   logger.Logger
	upgrader websocket.Upgrader
	events   *ring.Ring[Event]
	subs     *xsync.MapOf[*subscriber, struct{}]

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates a control server for target. Call Start to begin
// listening.
func NewServer(target Controllable, opts ...Option) (*Server, error) {
	if target == nil {
		return nil, ErrTargetNil
	}

	s := &Server{
		target: target,
		logger: logger.GetLogger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events: ring.New[Event](DefaultEventBacklog),
		subs:   xsync.NewMapOf[*subscriber, struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("control", "server")

	return s, nil
}

// Start listens on addr and serves websocket clients until Shutdown.
// It returns once the listener is bound; use Addr for the bound address,
// which matters when addr requests an ephemeral port.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpSrv != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleWS)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server terminated", "error", err)
		}
	}()

	s.logger.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown disconnects all clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.subs.Range(func(sub *subscriber, _ struct{}) bool {
		sub.close()
		return true
	})

	return srv.Shutdown(ctx)
}

// NotifyStateChange records and broadcasts a session state transition.
// Wire it with capture.Session.AddStateHandler.
func (s *Server) NotifyStateChange(prev capture.State, next capture.State) {
	s.record(Event{
		Kind:      EventKindState,
		At:        time.Now(),
		PrevState: prev.String(),
		NewState:  next.String(),
	})
}

// NotifyJob records and broadcasts a job completion. Wire it with
// capture.Session.AddJobHandler.
func (s *Server) NotifyJob(job *capture.Job, result *capture.DispatchResult, err error) {
	ev := Event{
		Kind:    EventKindJob,
		At:      time.Now(),
		JobSeq:  job.Seq,
		JobSize: job.Size(),
	}
	if result != nil {
		ev.Outputs = result.OutputPaths
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.record(ev)
}

// record pushes the event into the replay backlog and fans it out.
// Callers include the engine goroutine, so every subscriber send below is
// non-blocking.
func (s *Server) record(ev Event) {
	s.events.Push(ev)
	s.broadcast(Message{Type: MessageTypeEvent, Event: &ev})
}

func (s *Server) broadcast(msg Message) {
	s.subs.Range(func(sub *subscriber, _ struct{}) bool {
		sub.send(msg)
		return true
	})
}

// --- Connection Handling ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := newSubscriber(conn)
	s.subs.Store(sub, struct{}{})
	s.logger.Debug("control client connected", "remote", r.RemoteAddr)

	defer func() {
		s.subs.Delete(sub)
		sub.close()
		s.logger.Debug("control client disconnected", "remote", r.RemoteAddr)
	}()

	sub.send(Message{Type: MessageTypeStatus, Status: s.target.Status()})
	for _, ev := range s.events.Items() {
		sub.send(Message{Type: MessageTypeEvent, Event: &ev})
	}

	s.readLoop(sub)
}

func (s *Server) readLoop(sub *subscriber) {
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("malformed control frame ignored", "error", err)
			sub.send(Message{Type: MessageTypeError, Error: "malformed control frame"})
			continue
		}

		s.handleRequest(sub, req)
	}
}

func (s *Server) handleRequest(sub *subscriber, req Request) {
	switch req.Action {
	case ActionPause:
		if err := s.target.Pause(); err != nil {
			sub.send(Message{Type: MessageTypeError, Error: err.Error()})
			return
		}
		sub.send(Message{Type: MessageTypeStatus, Status: s.target.Status()})

	case ActionResume:
		if err := s.target.Resume(); err != nil {
			sub.send(Message{Type: MessageTypeError, Error: err.Error()})
			return
		}
		sub.send(Message{Type: MessageTypeStatus, Status: s.target.Status()})

	case ActionStatus:
		sub.send(Message{Type: MessageTypeStatus, Status: s.target.Status()})

	case ActionQuit:
		s.logger.Info("quit requested by control client")
		sub.send(Message{Type: MessageTypeStatus, Status: s.target.Status()})
		// Stop blocks on the dispatch grace period; do not hold the read
		// loop for it.
		go func() {
			if err := s.target.Stop(); err != nil {
				s.logger.Error("session stop failed", "error", err)
			}
		}()

	default:
		s.logger.Warn("unknown control action ignored", "action", req.Action)
		sub.send(Message{Type: MessageTypeError, Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// --- Subscriber ---

// subscriber owns the single writer goroutine for one websocket connection.
type subscriber struct {
	conn *websocket.Conn
	out  chan Message
	once sync.Once
	done chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	sub := &subscriber{
		conn: conn,
		out:  make(chan Message, sendQueueSize),
		done: make(chan struct{}),
	}
	go sub.writeLoop()
	return sub
}

// send enqueues a frame without blocking. Frames to a stalled client are
// dropped; the next status query resynchronizes it.
func (sub *subscriber) send(msg Message) {
	select {
	case sub.out <- msg:
	case <-sub.done:
	default:
	}
}

func (sub *subscriber) writeLoop() {
	for {
		select {
		case msg := <-sub.out:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteJSON(msg); err != nil {
				sub.close()
				return
			}
		case <-sub.done:
			return
		}
	}
}

// close tears the connection down, which also unblocks the read loop.
func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.conn.Close()
	})
}
