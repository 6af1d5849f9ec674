// Package device adapts a blocking local audio device to the MediaStream
// interface.
//
// Hardware capture/playback APIs expose blocking, non-cancellable calls.
// Those calls are confined to two dedicated goroutines (one per direction)
// owned by this package; the rest of the system only ever touches channels.
// Cancellation works by closing the device, which unblocks any in-flight
// read or write.
package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// Device is the blocking driver-level interface an audio backend implements.
//
// ReadFrame and WriteFrame may block indefinitely. Close must unblock both.
type Device interface {
	// ReadFrame captures exactly one frame of audio.
	ReadFrame() ([]byte, error)

	// WriteFrame plays exactly one frame of audio.
	WriteFrame(data []byte) error

	// Close releases the device and unblocks pending reads and writes.
	Close() error
}

// Config describes the device's fixed audio format.
type Config struct {
	// CallerID labels the local stream, e.g. "console".
	CallerID string

	// Encoding and SampleRate of the frames the device produces and accepts.
	Encoding   audio.Encoding
	SampleRate int

	// SendBuffer bounds outbound frames queued toward the device (default 8).
	SendBuffer int

	// Logger for lifecycle events. Nil means slog.Default().
	Logger *slog.Logger
}

var _ telephony.MediaStream = (*Stream)(nil)

// Stream wraps one open device as a MediaStream.
type Stream struct {
	dev      Device
	cfg      Config
	log      *slog.Logger
	frames   chan audio.Frame
	sendCh   chan audio.Frame
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open starts the capture and playback goroutines around dev. The caller
// hands ownership of dev to the stream; Close releases it.
func Open(dev Device, cfg Config) (*Stream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: sample rate must be positive")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 8
	}
	if cfg.CallerID == "" {
		cfg.CallerID = "local-device"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Stream{
		dev:    dev,
		cfg:    cfg,
		log:    log.With("component", "device", "caller_id", cfg.CallerID),
		frames: make(chan audio.Frame, 4),
		sendCh: make(chan audio.Frame, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.captureLoop()
	go s.playbackLoop()
	return s, nil
}

func (s *Stream) CallerID() string { return s.cfg.CallerID }

func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Send implements telephony.MediaStream. Never blocks.
func (s *Stream) Send(frame audio.Frame) error {
	select {
	case <-s.done:
		return telephony.ErrStreamClosed
	default:
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		return telephony.ErrSendBufferFull
	}
}

// Close releases the device, which unblocks both loops.
func (s *Stream) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.dev.Close()
		s.wg.Wait()
	})
	return err
}

// captureLoop is the only goroutine that calls ReadFrame. Some drivers
// require all calls from the same OS thread, so it is pinned.
func (s *Stream) captureLoop() {
	defer s.wg.Done()
	defer close(s.frames)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var seq uint64
	for {
		data, err := s.dev.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error("device read failed", "error", err)
			}
			return
		}
		frame := audio.Frame{
			Data:       data,
			Encoding:   s.cfg.Encoding,
			SampleRate: s.cfg.SampleRate,
			Channels:   1,
			Seq:        seq,
		}
		seq++
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// playbackLoop is the only goroutine that calls WriteFrame.
func (s *Stream) playbackLoop() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case frame := <-s.sendCh:
			if err := s.dev.WriteFrame(frame.Data); err != nil {
				select {
				case <-s.done:
				default:
					s.log.Error("device write failed", "error", err)
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

var _ telephony.Trunk = (*Trunk)(nil)

// Trunk presents one local device stream as a single-call trunk, so the
// application wiring is identical for network and local transports.
type Trunk struct {
	calls chan telephony.MediaStream
	strm  *Stream
	once  sync.Once
}

// NewTrunk wraps an open stream. The stream is delivered as the trunk's only
// call.
func NewTrunk(s *Stream) *Trunk {
	calls := make(chan telephony.MediaStream, 1)
	calls <- s
	return &Trunk{calls: calls, strm: s}
}

func (t *Trunk) Calls() <-chan telephony.MediaStream { return t.calls }

func (t *Trunk) Close() error {
	var err error
	t.once.Do(func() {
		err = t.strm.Close()
		close(t.calls)
	})
	return err
}
