// Package mock provides scripted test doubles for the telephony interfaces.
package mock

import (
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

var _ telephony.MediaStream = (*Stream)(nil)

// Stream is a scripted MediaStream. Tests push inbound frames with Deliver
// and inspect outbound frames with Sent.
type Stream struct {
	// ID is returned by CallerID.
	ID string

	// SendLimit, when positive, makes Send fail with ErrSendBufferFull once
	// that many frames have been accepted, for backpressure tests.
	SendLimit int

	frames   chan audio.Frame
	done     chan struct{}
	initOnce sync.Once
	stopOnce sync.Once

	mu   sync.Mutex
	sent []audio.Frame
}

// NewStream creates a stream with an inbound buffer of size buf.
func NewStream(id string, buf int) *Stream {
	s := &Stream{ID: id}
	s.init(buf)
	return s
}

func (s *Stream) init(buf int) {
	s.initOnce.Do(func() {
		if buf <= 0 {
			buf = 16
		}
		s.frames = make(chan audio.Frame, buf)
		s.done = make(chan struct{})
	})
}

func (s *Stream) CallerID() string { return s.ID }

func (s *Stream) Frames() <-chan audio.Frame {
	s.init(0)
	return s.frames
}

// Deliver queues one inbound frame as if it arrived from the caller.
func (s *Stream) Deliver(frame audio.Frame) {
	s.init(0)
	s.frames <- frame
}

// EndCall closes the inbound frame channel, simulating a remote hangup.
func (s *Stream) EndCall() {
	s.init(0)
	close(s.frames)
}

func (s *Stream) Send(frame audio.Frame) error {
	s.init(0)
	select {
	case <-s.done:
		return telephony.ErrStreamClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendLimit > 0 && len(s.sent) >= s.SendLimit {
		return telephony.ErrSendBufferFull
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Sent returns a copy of every outbound frame accepted so far.
func (s *Stream) Sent() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.init(0)
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) Close() error {
	s.init(0)
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

var _ telephony.Trunk = (*Trunk)(nil)

// Trunk is a scripted Trunk delivering pre-arranged calls.
type Trunk struct {
	calls    chan telephony.MediaStream
	initOnce sync.Once
	stopOnce sync.Once
}

// NewTrunk creates a trunk that can buffer n pending calls.
func NewTrunk(n int) *Trunk {
	t := &Trunk{}
	t.initOnce.Do(func() {
		if n <= 0 {
			n = 4
		}
		t.calls = make(chan telephony.MediaStream, n)
	})
	return t
}

// Ring queues one incoming call.
func (t *Trunk) Ring(s telephony.MediaStream) {
	t.calls <- s
}

func (t *Trunk) Calls() <-chan telephony.MediaStream { return t.calls }

func (t *Trunk) Close() error {
	t.stopOnce.Do(func() { close(t.calls) })
	return nil
}
