package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMulawRoundTrip(t *testing.T) {
	// μ-law is lossy; round-tripped values must stay within the quantisation
	// step of their segment (coarser at higher amplitudes).
	cases := []struct {
		sample int16
		maxErr int32
	}{
		{0, 8},
		{1, 8},
		{-1, 8},
		{100, 8},
		{-100, 8},
		{1000, 40},
		{-1000, 40},
		{8000, 300},
		{-8000, 300},
		{30000, 1200},
		{-30000, 1200},
	}
	for _, tc := range cases {
		in := samplesToBytes([]int16{tc.sample})
		out := bytesToSamples(audio.MulawDecode(audio.MulawEncode(in)))
		if len(out) != 1 {
			t.Fatalf("sample %d: expected 1 output sample, got %d", tc.sample, len(out))
		}
		diff := int32(out[0]) - int32(tc.sample)
		if diff < 0 {
			diff = -diff
		}
		if diff > tc.maxErr {
			t.Errorf("sample %d: round-trip %d, error %d exceeds %d", tc.sample, out[0], diff, tc.maxErr)
		}
	}
}

func TestMulawDecodeLength(t *testing.T) {
	in := []byte{0x00, 0x7F, 0x80, 0xFF}
	out := audio.MulawDecode(in)
	if len(out) != len(in)*2 {
		t.Fatalf("expected %d bytes, got %d", len(in)*2, len(out))
	}
}

func TestMulawSilence(t *testing.T) {
	// 0xFF is the μ-law code for zero amplitude.
	out := bytesToSamples(audio.MulawDecode([]byte{0xFF}))
	if out[0] != 0 {
		t.Errorf("expected 0 for μ-law 0xFF, got %d", out[0])
	}
	enc := audio.MulawEncode(samplesToBytes([]int16{0}))
	if enc[0] != 0xFF {
		t.Errorf("expected 0xFF for zero sample, got 0x%02X", enc[0])
	}
}

func TestMulawEncodeSignSymmetry(t *testing.T) {
	for _, v := range []int16{5, 77, 512, 4096, 20000} {
		pos := audio.MulawEncode(samplesToBytes([]int16{v}))[0]
		neg := audio.MulawEncode(samplesToBytes([]int16{-v}))[0]
		// The inverted sign bit is bit 7 after complement.
		if pos&0x7F != neg&0x7F {
			t.Errorf("magnitude bits differ for ±%d: 0x%02X vs 0x%02X", v, pos, neg)
		}
		if pos == neg {
			t.Errorf("sign bit missing for ±%d: both 0x%02X", v, pos)
		}
	}
}
