// Package kyutai implements the codec.Codec interface against a Kyutai-style
// streaming inference server speaking MessagePack over WebSocket.
//
// The server runs the actual neural codec; this client owns two streams per
// session (one encode, one decode) and mirrors the server's buffering: a call
// to Encode or Decode ships the input immediately and returns whatever output
// frames the server has produced so far, which may be none.
package kyutai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
	"github.com/kestrelvoice/kestrel/pkg/provider/kyutaiwire"
)

// Config holds the connection parameters for the codec server.
type Config struct {
	// URL is the base server URL, e.g. "wss://mimi.internal:8998".
	URL string

	// APIKey is sent as the kyutai-api-key header.
	APIKey string

	// Codebooks selects the fidelity/bitrate level for both streams.
	Codebooks int

	// FrameSize is the PCM samples per frame at the server's native rate.
	FrameSize int
}

const (
	encodePath = "/api/mimi-encode"
	decodePath = "/api/mimi-decode"

	// streamBuffer bounds how many server frames can pile up between calls
	// before the reader goroutine blocks.
	streamBuffer = 64
)

// Codec is a live pair of encode/decode streams. Owned by one session; not
// safe for concurrent use.
type Codec struct {
	cfg Config

	enc *stream
	dec *stream

	closeOnce sync.Once
	closeErr  error
}

var _ codec.Codec = (*Codec)(nil)

// Dial opens both codec streams and waits for the server's ready handshake on
// each. The returned Codec is bound to ctx: cancelling it tears both streams
// down.
func Dial(ctx context.Context, cfg Config) (*Codec, error) {
	if cfg.Codebooks <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("kyutai codec: codebooks and frame size must be positive")
	}

	enc, err := dialStream(ctx, cfg, encodePath)
	if err != nil {
		return nil, fmt.Errorf("kyutai codec: encode stream: %w", err)
	}
	dec, err := dialStream(ctx, cfg, decodePath)
	if err != nil {
		enc.close(websocket.StatusGoingAway)
		return nil, fmt.Errorf("kyutai codec: decode stream: %w", err)
	}
	return &Codec{cfg: cfg, enc: enc, dec: dec}, nil
}

// Encode ships one PCM frame to the encode stream and drains any code frames
// the server has already returned.
func (c *Codec) Encode(ctx context.Context, pcm []float32) ([]codec.CodeFrame, error) {
	if len(pcm) != c.cfg.FrameSize {
		return nil, fmt.Errorf("kyutai codec: got %d samples, want %d", len(pcm), c.cfg.FrameSize)
	}
	if err := c.enc.send(ctx, kyutaiwire.Audio{PCM: pcm}); err != nil {
		return nil, fmt.Errorf("kyutai codec: encode send: %w", err)
	}

	var frames []codec.CodeFrame
	for {
		msg, ok, err := c.enc.tryRecv()
		if err != nil {
			return nil, fmt.Errorf("kyutai codec: encode stream: %w", err)
		}
		if !ok {
			return frames, nil
		}
		codes, ok := msg.(kyutaiwire.Codes)
		if !ok {
			return nil, fmt.Errorf("kyutai codec: encode stream: unexpected %q message", msg.WireType())
		}
		if len(codes.Codes) != c.cfg.Codebooks {
			return nil, fmt.Errorf("kyutai codec: server sent %d codebooks, want %d", len(codes.Codes), c.cfg.Codebooks)
		}
		frames = append(frames, codec.CodeFrame{Codes: codes.Codes})
	}
}

// Decode ships one code frame to the decode stream and drains any PCM the
// server has already returned. Nil output means the server is still
// buffering.
func (c *Codec) Decode(ctx context.Context, frame codec.CodeFrame) ([]float32, error) {
	if frame.Codebooks() != c.cfg.Codebooks {
		return nil, fmt.Errorf("kyutai codec: got %d codebooks, want %d", frame.Codebooks(), c.cfg.Codebooks)
	}
	if err := c.dec.send(ctx, kyutaiwire.Codes{Codes: frame.Codes}); err != nil {
		return nil, fmt.Errorf("kyutai codec: decode send: %w", err)
	}

	var pcm []float32
	for {
		msg, ok, err := c.dec.tryRecv()
		if err != nil {
			return nil, fmt.Errorf("kyutai codec: decode stream: %w", err)
		}
		if !ok {
			return pcm, nil
		}
		audio, ok := msg.(kyutaiwire.Audio)
		if !ok {
			return nil, fmt.Errorf("kyutai codec: decode stream: unexpected %q message", msg.WireType())
		}
		pcm = append(pcm, audio.PCM...)
	}
}

func (c *Codec) Codebooks() int { return c.cfg.Codebooks }

func (c *Codec) FrameSize() int { return c.cfg.FrameSize }

// Close tears down both streams. Safe to call more than once.
func (c *Codec) Close() error {
	c.closeOnce.Do(func() {
		errEnc := c.enc.close(websocket.StatusNormalClosure)
		errDec := c.dec.close(websocket.StatusNormalClosure)
		c.closeErr = errors.Join(errEnc, errDec)
	})
	return c.closeErr
}

// stream is one WebSocket leg with a background reader feeding a buffered
// channel, so send paths never block on server output.
type stream struct {
	conn    *websocket.Conn
	workers *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	recv    chan kyutaiwire.Message
}

func dialStream(ctx context.Context, cfg Config, apiPath string) (*stream, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	u.Path = path.Join(u.Path, apiPath)
	q := u.Query()
	q.Set("codebooks", strconv.Itoa(cfg.Codebooks))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"kyutai-api-key": []string{cfg.APIKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		conn:   conn,
		ctx:    sctx,
		cancel: cancel,
		recv:   make(chan kyutaiwire.Message, streamBuffer),
	}
	s.workers, _ = errgroup.WithContext(sctx)
	s.workers.Go(s.reader)

	// The server acknowledges stream setup before any data flows.
	select {
	case msg, ok := <-s.recv:
		if !ok {
			err := s.close(websocket.StatusProtocolError)
			return nil, fmt.Errorf("stream closed before ready: %w", err)
		}
		if msg.WireType() != kyutaiwire.TypeReady {
			s.close(websocket.StatusProtocolError)
			return nil, fmt.Errorf("expected ready handshake, got %q", msg.WireType())
		}
	case <-ctx.Done():
		s.close(websocket.StatusGoingAway)
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *stream) reader() error {
	defer close(s.recv)
	for {
		msgType, payload, err := s.conn.Read(s.ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return nil
			}
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageBinary {
			return fmt.Errorf("unexpected websocket message type %d", msgType)
		}
		msg, err := kyutaiwire.Unmarshal(payload)
		if err != nil {
			return err
		}
		if e, ok := msg.(kyutaiwire.Error); ok {
			return fmt.Errorf("server error: %s", e.Message)
		}
		select {
		case s.recv <- msg:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *stream) send(ctx context.Context, msg kyutaiwire.Message) error {
	payload, err := kyutaiwire.Marshal(nil, msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageBinary, payload)
}

// tryRecv returns the next buffered server message without blocking. When the
// reader has exited, the stream's terminal error (if any) is surfaced.
func (s *stream) tryRecv() (kyutaiwire.Message, bool, error) {
	select {
	case msg, ok := <-s.recv:
		if !ok {
			if err := s.workers.Wait(); err != nil {
				return nil, false, err
			}
			return nil, false, errors.New("stream closed by server")
		}
		return msg, true, nil
	default:
		return nil, false, nil
	}
}

func (s *stream) close(code websocket.StatusCode) error {
	s.cancel()
	err := s.conn.Close(code, "")
	if werr := s.workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
