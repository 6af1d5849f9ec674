// Package mock provides an in-process deterministic Codec for tests. It
// reproduces the buffering behaviour of a real streaming codec (output lags
// input by a configurable number of frames) without any model inference.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/provider/codec"
)

// Option configures a mock Codec.
type Option func(*Codec)

// WithCodebooks sets the number of parallel codebooks (default 8).
func WithCodebooks(n int) Option {
	return func(c *Codec) { c.codebooks = n }
}

// WithFrameSize sets the PCM samples per frame (default 1920).
func WithFrameSize(n int) Option {
	return func(c *Codec) { c.frameSize = n }
}

// WithEncodeDelay sets how many frames Encode buffers before the first code
// frame appears (default 0, fully synchronous).
func WithEncodeDelay(frames int) Option {
	return func(c *Codec) { c.encodeDelay = frames }
}

// WithDecodeDelay sets how many code frames Decode buffers before the first
// PCM appears (default 0).
func WithDecodeDelay(frames int) Option {
	return func(c *Codec) { c.decodeDelay = frames }
}

// Codec is a deterministic stand-in for a streaming neural codec. Codes are
// derived from the input PCM so that encode→decode round trips reproduce a
// coarse version of the signal, which is enough for pipeline tests to verify
// ordering and frame accounting.
type Codec struct {
	codebooks   int
	frameSize   int
	encodeDelay int
	decodeDelay int

	mu       sync.Mutex
	closed   bool
	encQueue []codec.CodeFrame
	encHeld  int
	decQueue [][]float32
	decHeld  int
}

var _ codec.Codec = (*Codec)(nil)

// New creates a mock codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		codebooks: 8,
		frameSize: 1920,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Encode(ctx context.Context, pcm []float32) ([]codec.CodeFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("mock codec: encode on closed codec")
	}
	if len(pcm) != c.frameSize {
		return nil, fmt.Errorf("mock codec: got %d samples, want %d", len(pcm), c.frameSize)
	}

	c.encQueue = append(c.encQueue, c.quantize(pcm))
	if c.encHeld < c.encodeDelay {
		c.encHeld++
		return nil, nil
	}
	out := c.encQueue
	c.encQueue = nil
	return out, nil
}

func (c *Codec) Decode(ctx context.Context, frame codec.CodeFrame) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("mock codec: decode on closed codec")
	}
	if frame.Codebooks() != c.codebooks {
		return nil, fmt.Errorf("mock codec: got %d codebooks, want %d", frame.Codebooks(), c.codebooks)
	}

	c.decQueue = append(c.decQueue, c.reconstruct(frame))
	if c.decHeld < c.decodeDelay {
		c.decHeld++
		return nil, nil
	}
	var out []float32
	for _, pcm := range c.decQueue {
		out = append(out, pcm...)
	}
	c.decQueue = nil
	return out, nil
}

func (c *Codec) Codebooks() int { return c.codebooks }

func (c *Codec) FrameSize() int { return c.frameSize }

func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.encQueue = nil
	c.decQueue = nil
	return nil
}

// quantize derives one code per codebook from equal slices of the frame, so
// distinct inputs produce distinct codes and silence maps to a fixed code.
func (c *Codec) quantize(pcm []float32) codec.CodeFrame {
	codes := make([]uint32, c.codebooks)
	chunk := len(pcm) / c.codebooks
	for i := range codes {
		var mean float64
		for _, s := range pcm[i*chunk : (i+1)*chunk] {
			mean += float64(s)
		}
		mean /= float64(chunk)
		codes[i] = uint32(int32((mean + 1) * 1023.5))
	}
	return codec.CodeFrame{Codes: codes}
}

// reconstruct is the inverse of quantize: each code becomes a constant PCM
// segment at the dequantised level.
func (c *Codec) reconstruct(frame codec.CodeFrame) []float32 {
	pcm := make([]float32, c.frameSize)
	chunk := c.frameSize / c.codebooks
	for i, code := range frame.Codes {
		level := float32(code)/1023.5 - 1
		for j := i * chunk; j < (i+1)*chunk; j++ {
			pcm[j] = level
		}
	}
	return pcm
}
