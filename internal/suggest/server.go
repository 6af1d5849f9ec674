package suggest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/internal/observe"
)

// ServerConfig holds the suggestion endpoint parameters.
type ServerConfig struct {
	// AuthToken is the shared secret supervisors must present before
	// injecting. Must not be empty.
	AuthToken string

	// Logger for connection lifecycle events. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics counts accepted and rejected injections. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the authenticated supervisor endpoint. Sessions register their
// queue under their session ID; connected supervisors inject suggestions and
// receive caller-activity notifications.
//
// Register it as an http.Handler on the suggestion endpoint. Safe for
// concurrent use.
type Server struct {
	token   string
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Queue
	order    []string // registration order, oldest first
	conns    map[*serverConn]struct{}
	closed   bool
}

// NewServer creates a server. The auth token is mandatory: an endpoint
// without one would let anyone steer live calls.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.AuthToken == "" {
		return nil, errors.New("suggest: auth token must not be empty")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		token:    cfg.AuthToken,
		log:      log.With("component", "suggest"),
		metrics:  metrics,
		sessions: make(map[string]*Queue),
		conns:    make(map[*serverConn]struct{}),
	}, nil
}

// Register makes a session's queue reachable by supervisors. A repeat caller
// ID replaces the earlier registration in place, so routing always reaches the
// live call. The returned function unregisters it; call it during session
// teardown. It only removes the entry while it still belongs to this
// registration, so a stale teardown cannot evict a successor.
func (s *Server) Register(sessionID string, q *Queue) (unregister func()) {
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; !exists {
		s.order = append(s.order, sessionID)
	}
	s.sessions[sessionID] = q
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.sessions[sessionID] != q {
				return
			}
			delete(s.sessions, sessionID)
			for i, id := range s.order {
				if id == sessionID {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// NotifyUserSpeech broadcasts a caller-activity event to every authenticated
// supervisor.
func (s *Server) NotifyUserSpeech(duration time.Duration) {
	s.broadcast(userSpeech{
		Type:       TypeUserSpeech,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}

// ServeHTTP upgrades the connection and serves the supervisor protocol until
// the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	conn := &serverConn{srv: s, ws: ws}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	conn.serve(r.Context())
}

// Close disconnects every supervisor. Registered queues are untouched; the
// owning sessions release them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

// targetQueue resolves the queue an injection applies to: the named session
// when the message carries a session_id, otherwise the sole active session.
func (s *Server) targetQueue(sessionID string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != "" {
		q, ok := s.sessions[sessionID]
		if !ok {
			return nil, fmt.Errorf("unknown session %q", sessionID)
		}
		return q, nil
	}
	switch len(s.order) {
	case 0:
		return nil, errors.New("no active session")
	case 1:
		return s.sessions[s.order[0]], nil
	default:
		return nil, errors.New("multiple active sessions, session_id required")
	}
}

func (s *Server) broadcast(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal broadcast", "error", err)
		return
	}
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c.authed() {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.write(payload)
	}
}

// serverConn is one supervisor connection.
type serverConn struct {
	srv *Server
	ws  *websocket.Conn

	mu     sync.Mutex
	isAuth bool
}

func (c *serverConn) authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAuth
}

func (c *serverConn) setAuthed() {
	c.mu.Lock()
	c.isAuth = true
	c.mu.Unlock()
}

// write sends one pre-marshalled message. Writes are serialised per
// connection; broadcasts and replies may race otherwise.
func (c *serverConn) write(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		c.srv.log.Debug("supervisor write failed", "error", err)
	}
}

func (c *serverConn) send(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.srv.log.Error("marshal reply", "error", err)
		return
	}
	c.write(payload)
}

func (c *serverConn) serve(ctx context.Context) {
	for {
		msgType, payload, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			c.send(errorMessage{Type: TypeError, Message: "text messages only"})
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.send(errorMessage{Type: TypeError, Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case TypeAuth:
			c.handleAuth(msg)
		case TypeInject:
			c.handleInject(ctx, msg)
		case TypePing:
			c.send(pong{Type: TypePong})
		default:
			c.send(errorMessage{Type: TypeError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (c *serverConn) handleAuth(msg clientMessage) {
	if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(c.srv.token)) != 1 {
		c.send(authResult{Type: TypeAuthResult, Success: false, Message: "invalid token"})
		return
	}
	c.setAuthed()
	c.send(authResult{Type: TypeAuthResult, Success: true})
}

// handleInject applies the admission rules in protocol order: auth first,
// then the queue's capacity and rate checks.
func (c *serverConn) handleInject(ctx context.Context, msg clientMessage) {
	if !c.authed() {
		c.srv.metrics.RecordSuggestionRejected(ctx, ReasonUnauthenticated)
		c.send(suggestionRejected{Type: TypeSuggestionRejected, Reason: ReasonUnauthenticated})
		return
	}
	if msg.Text == "" {
		c.send(errorMessage{Type: TypeError, Message: "inject_suggestion requires text"})
		return
	}

	q, err := c.srv.targetQueue(msg.SessionID)
	if err != nil {
		c.send(errorMessage{Type: TypeError, Message: err.Error()})
		return
	}

	prio := Priority(msg.Priority)
	if prio != PriorityHigh {
		prio = PriorityNormal
	}
	err = q.Push(Suggestion{Text: msg.Text, Priority: prio, Source: "operator"})
	switch {
	case err == nil:
		c.srv.metrics.RecordSuggestionAccepted(ctx, "operator")
		c.send(suggestionApplied{Type: TypeSuggestionApplied, Text: msg.Text, Timestamp: time.Now().UTC()})
	case errors.Is(err, ErrQueueFull):
		c.srv.metrics.RecordSuggestionRejected(ctx, ReasonQueueFull)
		c.send(suggestionRejected{Type: TypeSuggestionRejected, Reason: ReasonQueueFull})
	case errors.Is(err, ErrRateLimited):
		c.srv.metrics.RecordSuggestionRejected(ctx, ReasonRateLimited)
		c.send(suggestionRejected{Type: TypeSuggestionRejected, Reason: ReasonRateLimited})
	default:
		c.send(errorMessage{Type: TypeError, Message: err.Error()})
	}
}
