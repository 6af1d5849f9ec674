package engine

import (
	"context"
	"fmt"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
)

// CodecAdapter bridges the frame-per-call session loop and a streaming
// codec whose output is asynchronous relative to its input.
//
// Encode accepts exactly one PCM frame and returns at most one code frame;
// when the codec yields several at once (after a buffering stall) the extras
// queue up and drain on subsequent calls, preserving order. Decode does the
// same for the opposite direction and re-frames the codec's PCM into exact
// model-rate frames.
//
// Owned by one session; not safe for concurrent use.
type CodecAdapter struct {
	codec      codec.Codec
	sampleRate int

	encoded []codec.CodeFrame
	decoded []float32
}

// NewCodecAdapter wraps c. sampleRate is the model-side PCM rate of the
// frames Decode produces.
func NewCodecAdapter(c codec.Codec, sampleRate int) (*CodecAdapter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("engine: codec adapter sample rate must be positive")
	}
	return &CodecAdapter{codec: c, sampleRate: sampleRate}, nil
}

// Encode feeds one model-rate PCM16 frame and returns the next available
// code frame, or nil while the codec is still buffering.
func (a *CodecAdapter) Encode(ctx context.Context, frame audio.Frame) (*codec.CodeFrame, error) {
	if frame.Encoding != audio.EncodingPCM16 || frame.Samples() != a.codec.FrameSize() {
		return nil, fmt.Errorf("engine: encode input must be %d PCM16 samples, got %d %q",
			a.codec.FrameSize(), frame.Samples(), frame.Encoding)
	}
	frames, err := a.codec.Encode(ctx, audio.BytesToFloat32s(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("engine: codec encode: %w", err)
	}
	a.encoded = append(a.encoded, frames...)
	return a.popEncoded(), nil
}

// Decode feeds one code frame and returns the next complete model-rate PCM16
// frame, or nil while the codec is still buffering.
func (a *CodecAdapter) Decode(ctx context.Context, frame codec.CodeFrame) (*audio.Frame, error) {
	pcm, err := a.codec.Decode(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("engine: codec decode: %w", err)
	}
	a.decoded = append(a.decoded, pcm...)
	return a.popDecoded(), nil
}

// FrameSize returns the codec's PCM frame size in samples.
func (a *CodecAdapter) FrameSize() int { return a.codec.FrameSize() }

// Codebooks returns the number of codes per code frame.
func (a *CodecAdapter) Codebooks() int { return a.codec.Codebooks() }

// Flush drains one queued output from each direction without feeding new
// input, used while the session winds down.
func (a *CodecAdapter) Flush() (*codec.CodeFrame, *audio.Frame) {
	return a.popEncoded(), a.popDecoded()
}

// Close releases the codec stream.
func (a *CodecAdapter) Close() error {
	a.encoded = nil
	a.decoded = nil
	return a.codec.Close()
}

func (a *CodecAdapter) popEncoded() *codec.CodeFrame {
	if len(a.encoded) == 0 {
		return nil
	}
	out := a.encoded[0]
	a.encoded = a.encoded[1:]
	return &out
}

func (a *CodecAdapter) popDecoded() *audio.Frame {
	size := a.codec.FrameSize()
	if len(a.decoded) < size {
		return nil
	}
	data := audio.Float32sToBytes(a.decoded[:size])
	a.decoded = append(a.decoded[:0:0], a.decoded[size:]...)
	return &audio.Frame{
		Data:       data,
		Encoding:   audio.EncodingPCM16,
		SampleRate: a.sampleRate,
		Channels:   1,
	}
}
