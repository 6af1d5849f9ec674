package wsmedia

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

const (
	testSampleRate = 8000
	testFrameBytes = 80 // 10 ms of μ-law at 8 kHz
)

func newTestGateway(t *testing.T, cfg Config) (*Gateway, string) {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = testSampleRate
	}
	if cfg.FrameBytes == 0 {
		cfg.FrameBytes = testFrameBytes
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(g)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { g.Close() })
	return g, "ws" + ts.URL[len("http"):]
}

// bridge is a test client playing the upstream media-streams side.
type bridge struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialBridge(t *testing.T, url string) *bridge {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &bridge{t: t, conn: conn}
}

func (b *bridge) send(msg message) {
	b.t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		b.t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		b.t.Fatalf("write: %v", err)
	}
}

func (b *bridge) start(callerID string) {
	b.send(message{Event: "start", CallerID: callerID})
}

func (b *bridge) media(seq uint64, data []byte) {
	b.send(message{Event: "media", Seq: seq, Payload: base64.StdEncoding.EncodeToString(data)})
}

// read decodes the next gateway→bridge message.
func (b *bridge) read() message {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, payload, err := b.conn.Read(ctx)
	if err != nil {
		b.t.Fatalf("read: %v", err)
	}
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return msg
}

func awaitCall(t *testing.T, g *Gateway) telephony.MediaStream {
	t.Helper()
	select {
	case stream, ok := <-g.Calls():
		if !ok {
			t.Fatal("calls channel closed")
		}
		return stream
	case <-time.After(5 * time.Second):
		t.Fatal("no call surfaced")
		return nil
	}
}

func awaitFrame(t *testing.T, stream telephony.MediaStream) (audio.Frame, bool) {
	t.Helper()
	select {
	case frame, ok := <-stream.Frames():
		return frame, ok
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
		return audio.Frame{}, false
	}
}

func mulawFrame(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testFrameBytes)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{SampleRate: 0, FrameBytes: testFrameBytes}); err == nil {
		t.Error("zero sample rate accepted")
	}
	if _, err := New(Config{SampleRate: testSampleRate, FrameBytes: 0}); err == nil {
		t.Error("zero frame bytes accepted")
	}
}

func TestGateway_CallFlow(t *testing.T) {
	g, url := newTestGateway(t, Config{})
	b := dialBridge(t, url)

	b.start("caller-1")
	stream := awaitCall(t, g)
	if got := stream.CallerID(); got != "caller-1" {
		t.Errorf("CallerID = %q", got)
	}

	// Inbound: media events become μ-law frames with their sequence numbers.
	b.media(0, mulawFrame(0x7f))
	b.media(1, mulawFrame(0x55))
	for want := uint64(0); want < 2; want++ {
		frame, ok := awaitFrame(t, stream)
		if !ok {
			t.Fatal("frame channel closed early")
		}
		if frame.Seq != want {
			t.Errorf("seq = %d, want %d", frame.Seq, want)
		}
		if frame.Encoding != audio.EncodingMulaw || frame.SampleRate != testSampleRate || frame.Channels != 1 {
			t.Errorf("frame format = %+v", frame)
		}
		if len(frame.Data) != testFrameBytes {
			t.Errorf("frame size = %d", len(frame.Data))
		}
	}

	// Outbound: sent frames arrive as media events numbered from zero.
	agentAudio := mulawFrame(0x2a)
	for i := 0; i < 2; i++ {
		if err := stream.Send(audio.Frame{Data: agentAudio, Encoding: audio.EncodingMulaw, SampleRate: testSampleRate, Channels: 1}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for want := uint64(0); want < 2; want++ {
		msg := b.read()
		if msg.Event != "media" || msg.Seq != want {
			t.Fatalf("outbound message = %+v, want media seq %d", msg, want)
		}
		data, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil || !bytes.Equal(data, agentAudio) {
			t.Errorf("outbound payload mismatch (err %v)", err)
		}
	}

	// Stop ends the call cleanly: the frame channel closes and later sends
	// fail fast.
	b.send(message{Event: "stop"})
	if _, ok := awaitFrame(t, stream); ok {
		t.Fatal("frame after stop")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := stream.Send(audio.Frame{Data: agentAudio}); errors.Is(err, telephony.ErrStreamClosed) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("Send still accepted after stop")
}

func TestGateway_RejectsBadStart(t *testing.T) {
	_, url := newTestGateway(t, Config{})
	b := dialBridge(t, url)

	// Media before start violates the protocol; the gateway hangs up.
	b.media(0, mulawFrame(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := b.conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (err %v), want policy violation", websocket.CloseStatus(err), err)
	}
}

func TestGateway_DropsWrongSizedFrame(t *testing.T) {
	g, url := newTestGateway(t, Config{})
	b := dialBridge(t, url)

	b.start("caller-1")
	stream := awaitCall(t, g)

	b.media(0, mulawFrame(0x7f))
	if _, ok := awaitFrame(t, stream); !ok {
		t.Fatal("well-formed frame not delivered")
	}

	// A truncated frame drops the call rather than feeding garbage downstream.
	b.send(message{Event: "media", Seq: 1, Payload: base64.StdEncoding.EncodeToString(mulawFrame(0)[:10])})
	if _, ok := awaitFrame(t, stream); ok {
		t.Fatal("undersized frame delivered")
	}
}

func TestCall_SendNeverBlocks(t *testing.T) {
	// No write loop draining: the bounded buffer must reject, not block.
	c := &call{sendCh: make(chan audio.Frame, 1), done: make(chan struct{})}
	if err := c.Send(audio.Frame{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(audio.Frame{}); !errors.Is(err, telephony.ErrSendBufferFull) {
		t.Errorf("second send = %v, want ErrSendBufferFull", err)
	}
	close(c.done)
	if err := c.Send(audio.Frame{}); !errors.Is(err, telephony.ErrStreamClosed) {
		t.Errorf("send after close = %v, want ErrStreamClosed", err)
	}
}
