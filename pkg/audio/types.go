// Package audio defines the frame types and signal-processing primitives used
// by the Kestrel pipeline: G.711 μ-law companding, stateful windowed-sinc
// resampling, the telephony⇄model [Transcoder], and strict-order frame
// admission via [SequenceGuard].
//
// A [Frame] is the atomic unit of pipeline work — a fixed-duration slice of
// little-endian int16 PCM tagged with a per-session sequence number. All
// stateful types in this package (resamplers, transcoders, guards) are owned
// by exactly one session and must not be shared across goroutines.
package audio

import "time"

// Encoding identifies the sample encoding carried in a [Frame].
type Encoding string

const (
	// EncodingPCM16 is little-endian int16 linear PCM, two bytes per sample.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMulaw is G.711 μ-law companded PCM, one byte per sample. Used
	// on the telephony leg; expanded at the transcoder boundary.
	EncodingMulaw Encoding = "mulaw"
)

// Frame represents a single fixed-duration slice of audio flowing through the
// pipeline. Frames for a session carry monotonically increasing sequence
// numbers and are processed in strict order.
type Frame struct {
	// Data holds the samples in the declared Encoding. An empty Encoding
	// means EncodingPCM16.
	Data []byte

	// Encoding of Data.
	Encoding Encoding

	// SampleRate in Hz (e.g., 8000 for the telephony leg, 24000 for the model leg).
	SampleRate int

	// Channels: 1 for mono. The telephony pipeline is mono end to end.
	Channels int

	// Seq is the monotonically increasing per-session sequence number assigned
	// by the media transport.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples in the frame, accounting for the
// frame's encoding.
func (f Frame) Samples() int {
	if f.Encoding == EncodingMulaw {
		return len(f.Data)
	}
	return len(f.Data) / 2
}

// Duration returns the wall-clock duration the frame covers.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(f.Samples()/f.Channels) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSamples returns the number of samples per channel in one frame of the
// given duration.
func (f Format) FrameSamples(period time.Duration) int {
	return int(int64(f.SampleRate) * int64(period) / int64(time.Second))
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// BytesToFloat32s converts little-endian int16 PCM bytes to float32 samples
// in the range [-1, 1). Used at the neural-codec boundary, which operates on
// normalised floats.
func BytesToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32sToBytes converts normalised float32 samples to little-endian int16
// PCM bytes, clamping to the int16 range.
func Float32sToBytes(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		scaled := v * 32768
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		s := int16(scaled)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Silence returns a zeroed PCM frame of n int16 samples.
func Silence(n int) []byte {
	return make([]byte, n*2)
}
