package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// fakeDevice is a channel-backed driver double. Reads block until a frame is
// fed in; Close unblocks both directions like a real driver.
type fakeDevice struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) ReadFrame() ([]byte, error) {
	select {
	case data := <-d.in:
		return data, nil
	case <-d.closed:
		return nil, errors.New("device closed")
	}
}

func (d *fakeDevice) WriteFrame(data []byte) error {
	select {
	case d.out <- data:
		return nil
	case <-d.closed:
		return errors.New("device closed")
	}
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func openTestStream(t *testing.T, dev *fakeDevice) *Stream {
	t.Helper()
	s, err := Open(dev, Config{
		CallerID:   "console",
		Encoding:   audio.EncodingPCM16,
		SampleRate: 8000,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(newFakeDevice(), Config{SampleRate: 0}); err == nil {
		t.Error("zero sample rate accepted")
	}
}

func TestStream_CaptureSequencesFrames(t *testing.T) {
	dev := newFakeDevice()
	s := openTestStream(t, dev)

	for i := byte(0); i < 3; i++ {
		dev.in <- []byte{i, i}
	}
	for want := uint64(0); want < 3; want++ {
		select {
		case frame := <-s.Frames():
			if frame.Seq != want {
				t.Errorf("seq = %d, want %d", frame.Seq, want)
			}
			if frame.Encoding != audio.EncodingPCM16 || frame.SampleRate != 8000 || frame.Channels != 1 {
				t.Errorf("frame format = %+v", frame)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no captured frame")
		}
	}
}

func TestStream_PlaybackWritesFrames(t *testing.T) {
	dev := newFakeDevice()
	s := openTestStream(t, dev)

	want := []byte{1, 2, 3, 4}
	if err := s.Send(audio.Frame{Data: want}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-dev.out:
		if string(got) != string(want) {
			t.Errorf("played %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never reached the device")
	}
}

func TestStream_SendNeverBlocks(t *testing.T) {
	// No playback loop draining: the bounded buffer must reject, not block.
	s := &Stream{sendCh: make(chan audio.Frame, 1), done: make(chan struct{})}
	if err := s.Send(audio.Frame{}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send(audio.Frame{}); !errors.Is(err, telephony.ErrSendBufferFull) {
		t.Errorf("second send = %v, want ErrSendBufferFull", err)
	}
	close(s.done)
	if err := s.Send(audio.Frame{}); !errors.Is(err, telephony.ErrStreamClosed) {
		t.Errorf("send after close = %v, want ErrStreamClosed", err)
	}
}

func TestStream_CloseReleasesDevice(t *testing.T) {
	dev := newFakeDevice()
	s := openTestStream(t, dev)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.isClosed() {
		t.Error("device left open")
	}
	select {
	case _, ok := <-s.Frames():
		if ok {
			t.Error("frame delivered after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame channel not closed")
	}
	if err := s.Send(audio.Frame{}); !errors.Is(err, telephony.ErrStreamClosed) {
		t.Errorf("send after close = %v, want ErrStreamClosed", err)
	}
}

func TestTrunk_SingleCall(t *testing.T) {
	dev := newFakeDevice()
	s := openTestStream(t, dev)
	trunk := NewTrunk(s)

	select {
	case got := <-trunk.Calls():
		if got.CallerID() != "console" {
			t.Errorf("CallerID = %q", got.CallerID())
		}
	case <-time.After(time.Second):
		t.Fatal("trunk delivered no call")
	}

	if err := trunk.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-trunk.Calls(); ok {
		t.Error("calls channel still open after close")
	}
	if !dev.isClosed() {
		t.Error("device left open after trunk close")
	}
}
