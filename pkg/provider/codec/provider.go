// Package codec defines the Codec interface for streaming neural audio
// codecs and the CodeFrame token representation they produce.
//
// A neural codec compresses one fixed-duration PCM frame into a small set of
// discrete tokens drawn from K parallel codebooks, and reconstructs PCM from
// those tokens. Both directions buffer internally: a frame fed to Encode may
// not yield tokens until one or more subsequent frames have been fed, and the
// same holds for Decode. Callers must treat "no output yet" as normal
// operation, not as an error.
//
// The codebook count is a deployment-time fidelity/bitrate choice fixed when
// the codec is constructed, never a per-frame decision.
//
// Implementations hold per-stream state and are owned by a single session;
// they are not safe for concurrent use unless documented otherwise.
package codec

import "context"

// CodeFrame is the discrete-token representation of one audio frame: one
// token per codebook, all for the same timestep. It is meaningful only at
// the codec/model boundary.
type CodeFrame struct {
	// Codes holds exactly one token per codebook.
	Codes []uint32
}

// Codebooks returns the number of parallel codebook streams in the frame.
func (f CodeFrame) Codebooks() int { return len(f.Codes) }

// Codec is a stateful streaming neural audio codec for a single session.
//
// Encode and Decode are asynchronous relative to frame arrival: each call
// may return zero, one, or (after a buffering stall) several frames of
// output. Output order always matches input order.
type Codec interface {
	// Encode feeds one frame of normalised float32 PCM at the model sample
	// rate and returns any code frames that became available.
	Encode(ctx context.Context, pcm []float32) ([]CodeFrame, error)

	// Decode feeds one code frame and returns any PCM that became available.
	// A nil slice means the decoder is still buffering.
	Decode(ctx context.Context, frame CodeFrame) ([]float32, error)

	// Codebooks returns the configured number of parallel codebooks.
	Codebooks() int

	// FrameSize returns the number of PCM samples per frame at the codec's
	// native sample rate.
	FrameSize() int

	// Close releases the stream state. Safe to call more than once.
	Close() error
}
