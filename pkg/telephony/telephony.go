// Package telephony defines the interfaces for call transports within
// Kestrel.
//
// The two primary abstractions are:
//
//   - [Trunk] — a listener that surfaces incoming calls.
//   - [MediaStream] — one active call, giving the session loop a channel of
//     inbound audio frames and a non-blocking outbound send.
//
// Implementations are provided by transport-specific adapter packages
// (telephony/wsmedia, telephony/device, telephony/opustrunk). The interfaces
// are intentionally narrow to keep the session loop decoupled from transport
// details.
//
// This package lives under pkg/ because external transport adapters are
// expected to implement [Trunk] and [MediaStream].
package telephony

import (
	"errors"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// ErrSendBufferFull is returned by MediaStream.Send when the outbound buffer
// is full. The caller is expected to drop the frame and keep going; stalling
// the real-time pipeline is worse than a gap in playback.
var ErrSendBufferFull = errors.New("telephony: send buffer full")

// ErrStreamClosed is returned by Send after the stream has ended.
var ErrStreamClosed = errors.New("telephony: stream closed")

// MediaStream represents one active call.
//
// Implementations must be safe for concurrent use: the session loop reads
// Frames and calls Send from different points of its pipeline.
type MediaStream interface {
	// CallerID identifies the remote party, used to scope memory lookups.
	CallerID() string

	// Frames returns the inbound audio channel. Frames carry transport
	// sequence numbers; gap and duplicate handling is the consumer's job.
	// The channel is closed when the call ends.
	Frames() <-chan audio.Frame

	// Send queues one outbound frame. It never blocks: when the transport
	// cannot keep up, it returns ErrSendBufferFull and the frame is dropped.
	Send(frame audio.Frame) error

	// Close hangs up. Safe to call more than once.
	Close() error
}

// Trunk is the entry point for a call transport.
//
// Implementations must be safe for concurrent use.
type Trunk interface {
	// Calls returns the channel of incoming calls. It is closed when the
	// trunk shuts down.
	Calls() <-chan MediaStream

	// Close stops accepting calls and ends active ones.
	Close() error
}
