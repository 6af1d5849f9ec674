// Package opustrunk adapts an Opus packet transport to the MediaStream
// interface.
//
// Trunks that carry Opus (WebRTC gateways, SIP with Opus negotiation) hand
// this package a packet connection; it decodes inbound packets to linear PCM
// and regroups them into fixed-period frames, and encodes outbound frames
// back into transport-sized packets.
package opustrunk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/telephony"
)

// PacketConn is the transport-level interface: one Opus packet per call.
// Reads block until a packet arrives; Close unblocks them.
type PacketConn interface {
	ReadPacket() ([]byte, error)
	WritePacket(pkt []byte) error
	Close() error
}

// Config describes the negotiated Opus stream.
type Config struct {
	// CallerID identifies the remote party.
	CallerID string

	// SampleRate of the decoded PCM, mono. Opus supports 8, 12, 16, 24 and
	// 48 kHz.
	SampleRate int

	// PacketPeriod is the duration of one Opus packet, typically 20ms.
	PacketPeriod time.Duration

	// FramePeriod is the duration of the frames surfaced on Frames(),
	// a multiple of PacketPeriod.
	FramePeriod time.Duration

	// SendBuffer bounds outbound frames queued toward the transport
	// (default 8).
	SendBuffer int

	// Logger for lifecycle events. Nil means slog.Default().
	Logger *slog.Logger
}

var _ telephony.MediaStream = (*Stream)(nil)

// Stream wraps one Opus packet connection as a MediaStream.
type Stream struct {
	conn PacketConn
	cfg  Config
	log  *slog.Logger

	dec *gopus.Decoder
	enc *gopus.Encoder

	packetSamples int
	frameSamples  int

	frames   chan audio.Frame
	sendCh   chan audio.Frame
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open validates the configuration, builds the codec pair, and starts the
// pump goroutines. The stream owns conn from here on.
func Open(conn PacketConn, cfg Config) (*Stream, error) {
	if cfg.SampleRate <= 0 || cfg.PacketPeriod <= 0 || cfg.FramePeriod <= 0 {
		return nil, fmt.Errorf("opustrunk: sample rate and periods must be positive")
	}
	if cfg.FramePeriod%cfg.PacketPeriod != 0 {
		return nil, fmt.Errorf("opustrunk: frame period %v is not a multiple of packet period %v", cfg.FramePeriod, cfg.PacketPeriod)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 8
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dec, err := gopus.NewDecoder(cfg.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opustrunk: create decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(cfg.SampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opustrunk: create encoder: %w", err)
	}

	s := &Stream{
		conn:          conn,
		cfg:           cfg,
		log:           log.With("component", "opustrunk", "caller_id", cfg.CallerID),
		dec:           dec,
		enc:           enc,
		packetSamples: int(int64(cfg.SampleRate) * int64(cfg.PacketPeriod) / int64(time.Second)),
		frameSamples:  int(int64(cfg.SampleRate) * int64(cfg.FramePeriod) / int64(time.Second)),
		frames:        make(chan audio.Frame, 4),
		sendCh:        make(chan audio.Frame, cfg.SendBuffer),
		done:          make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (s *Stream) CallerID() string { return s.cfg.CallerID }

func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Send implements telephony.MediaStream. Frames must be PCM16 at the
// configured rate and frame period. Never blocks.
func (s *Stream) Send(frame audio.Frame) error {
	select {
	case <-s.done:
		return telephony.ErrStreamClosed
	default:
	}
	if frame.Encoding != audio.EncodingPCM16 || frame.Samples() != s.frameSamples {
		return fmt.Errorf("opustrunk: outbound frame must be %d PCM16 samples, got %d %q",
			s.frameSamples, frame.Samples(), frame.Encoding)
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		return telephony.ErrSendBufferFull
	}
}

// Close hangs up. Unblocks the pump goroutines via the transport.
func (s *Stream) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// readLoop is the only goroutine that reads or decodes. Decoder state is per
// stream and must see packets in order.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	var (
		pending []int16
		seq     uint64
	)
	for {
		pkt, err := s.conn.ReadPacket()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error("packet read failed", "error", err)
			}
			return
		}
		pcm, err := s.dec.Decode(pkt, s.packetSamples, false)
		if err != nil {
			s.log.Warn("opus decode failed, dropping packet", "error", err)
			continue
		}
		pending = append(pending, pcm...)

		for len(pending) >= s.frameSamples {
			frame := audio.Frame{
				Data:       audio.Int16sToBytes(pending[:s.frameSamples]),
				Encoding:   audio.EncodingPCM16,
				SampleRate: s.cfg.SampleRate,
				Channels:   1,
				Seq:        seq,
			}
			seq++
			pending = pending[s.frameSamples:]
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}

// writeLoop is the only goroutine that encodes or writes.
func (s *Stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case frame := <-s.sendCh:
			pcm := audio.BytesToInt16s(frame.Data)
			for off := 0; off+s.packetSamples <= len(pcm); off += s.packetSamples {
				pkt, err := s.enc.Encode(pcm[off:off+s.packetSamples], s.packetSamples, 4000)
				if err != nil {
					s.log.Error("opus encode failed", "error", err)
					return
				}
				if err := s.conn.WritePacket(pkt); err != nil {
					select {
					case <-s.done:
					default:
						s.log.Error("packet write failed", "error", err)
					}
					return
				}
			}
		case <-s.done:
			return
		}
	}
}
