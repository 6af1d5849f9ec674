// Package wsmedia implements a WebSocket media gateway trunk.
//
// Upstream telephony infrastructure (an SBC or a media-streams bridge)
// connects one WebSocket per call and exchanges JSON messages: a "start"
// event announcing the caller, then "media" events carrying base64 μ-law
// frames with sequence numbers in both directions, and finally a "stop"
// event or a plain close.
package wsmedia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// Config holds the gateway parameters.
type Config struct {
	// SampleRate of the μ-law media, typically 8000.
	SampleRate int

	// FrameBytes is the expected payload size of one media event. Frames of
	// any other size are rejected and the call is dropped.
	FrameBytes int

	// SendBuffer bounds outbound frames queued per call (default 8).
	SendBuffer int

	// CallBuffer bounds calls waiting to be picked up (default 4).
	CallBuffer int

	// Logger for connection lifecycle events. Nil means slog.Default().
	Logger *slog.Logger
}

// message is the JSON wire format, shared by both directions.
type message struct {
	Event    string `json:"event"`
	CallerID string `json:"caller_id,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

var _ telephony.Trunk = (*Gateway)(nil)

// Gateway accepts media WebSockets and surfaces them as calls. Register it
// as an http.Handler on the media endpoint.
type Gateway struct {
	cfg   Config
	log   *slog.Logger
	calls chan telephony.MediaStream

	mu     sync.Mutex
	closed bool
	active map[*call]struct{}
}

// New creates a gateway. SampleRate and FrameBytes must be positive.
func New(cfg Config) (*Gateway, error) {
	if cfg.SampleRate <= 0 || cfg.FrameBytes <= 0 {
		return nil, fmt.Errorf("wsmedia: sample rate and frame bytes must be positive")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 8
	}
	if cfg.CallBuffer <= 0 {
		cfg.CallBuffer = 4
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		log:    log.With("component", "wsmedia"),
		calls:  make(chan telephony.MediaStream, cfg.CallBuffer),
		active: make(map[*call]struct{}),
	}, nil
}

// Calls implements telephony.Trunk.
func (g *Gateway) Calls() <-chan telephony.MediaStream { return g.calls }

// ServeHTTP upgrades the request and runs the call until either side hangs
// up.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Warn("websocket accept failed", "error", err)
		return
	}

	c, err := g.startCall(r.Context(), conn)
	if err != nil {
		g.log.Warn("call setup failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer g.dropCall(c)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	g.active[c] = struct{}{}
	g.mu.Unlock()

	select {
	case g.calls <- c:
	default:
		g.log.Warn("no session capacity, rejecting call", "caller_id", c.callerID)
		conn.Close(websocket.StatusTryAgainLater, "busy")
		return
	}

	g.log.Info("call started", "caller_id", c.callerID)
	c.run(r.Context())
	g.log.Info("call ended", "caller_id", c.callerID)
}

// Close stops accepting calls and hangs up active ones.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	active := make([]*call, 0, len(g.active))
	for c := range g.active {
		active = append(active, c)
	}
	g.mu.Unlock()

	for _, c := range active {
		c.Close()
	}
	close(g.calls)
	return nil
}

// startCall reads the start event and builds the call state.
func (g *Gateway) startCall(ctx context.Context, conn *websocket.Conn) (*call, error) {
	msgType, payload, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read start event: %w", err)
	}
	if msgType != websocket.MessageText {
		return nil, fmt.Errorf("expected text start event, got type %d", msgType)
	}
	var start message
	if err := json.Unmarshal(payload, &start); err != nil {
		return nil, fmt.Errorf("decode start event: %w", err)
	}
	if start.Event != "start" {
		return nil, fmt.Errorf("expected start event, got %q", start.Event)
	}
	if start.CallerID == "" {
		return nil, errors.New("start event missing caller_id")
	}

	return &call{
		gw:       g,
		conn:     conn,
		callerID: start.CallerID,
		frames:   make(chan audio.Frame, 4),
		sendCh:   make(chan audio.Frame, g.cfg.SendBuffer),
		done:     make(chan struct{}),
	}, nil
}

func (g *Gateway) dropCall(c *call) {
	g.mu.Lock()
	delete(g.active, c)
	g.mu.Unlock()
	c.Close()
}

var _ telephony.MediaStream = (*call)(nil)

type call struct {
	gw       *Gateway
	conn     *websocket.Conn
	callerID string
	frames   chan audio.Frame
	sendCh   chan audio.Frame

	done      chan struct{}
	closeOnce sync.Once
	outSeq    uint64
}

func (c *call) CallerID() string { return c.callerID }

func (c *call) Frames() <-chan audio.Frame { return c.frames }

// Send implements telephony.MediaStream. Never blocks.
func (c *call) Send(frame audio.Frame) error {
	select {
	case <-c.done:
		return telephony.ErrStreamClosed
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return telephony.ErrSendBufferFull
	}
}

func (c *call) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// run pumps both directions until the call ends, then closes the inbound
// frame channel so the session loop sees a clean end of stream.
func (c *call) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)
	close(c.frames)
	cancel()
	c.Close()
	wg.Wait()
}

func (c *call) readLoop(ctx context.Context) {
	for {
		msgType, payload, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			c.gw.log.Warn("unexpected binary message, dropping call", "caller_id", c.callerID)
			return
		}
		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.gw.log.Warn("bad media message", "caller_id", c.callerID, "error", err)
			return
		}
		switch msg.Event {
		case "media":
			data, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil || len(data) != c.gw.cfg.FrameBytes {
				c.gw.log.Warn("malformed media payload", "caller_id", c.callerID, "bytes", len(data))
				return
			}
			frame := audio.Frame{
				Data:       data,
				Encoding:   audio.EncodingMulaw,
				SampleRate: c.gw.cfg.SampleRate,
				Channels:   1,
				Seq:        msg.Seq,
			}
			select {
			case c.frames <- frame:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		case "stop":
			return
		default:
			c.gw.log.Warn("unknown media event", "caller_id", c.callerID, "event", msg.Event)
		}
	}
}

func (c *call) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.sendCh:
			msg := message{
				Event:   "media",
				Seq:     c.outSeq,
				Payload: base64.StdEncoding.EncodeToString(frame.Data),
			}
			c.outSeq++
			payload, err := json.Marshal(msg)
			if err != nil {
				c.gw.log.Error("marshal outbound media", "error", err)
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
