package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

func testTranscoder(t *testing.T) *audio.Transcoder {
	t.Helper()
	tc, err := audio.NewTranscoder(audio.TranscoderConfig{
		FramePeriod: 80 * time.Millisecond,
		Telephony:   audio.Format{SampleRate: 8000, Channels: 1},
		Model:       audio.Format{SampleRate: 24000, Channels: 1},
		Companded:   true,
		Quality:     audio.QualityMedium,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

// mulawFrame builds an 80 ms μ-law telephony frame of a 400 Hz tone.
func mulawFrame(t *testing.T, seq uint64, phase int) audio.Frame {
	t.Helper()
	pcm := samplesToBytes(sineWave(400, 8000, 640, phase, 8000))
	return audio.Frame{
		Data:       audio.MulawEncode(pcm),
		Encoding:   audio.EncodingMulaw,
		SampleRate: 8000,
		Channels:   1,
		Seq:        seq,
	}
}

func TestTranscoder_ToModelFrameSize(t *testing.T) {
	tc := testTranscoder(t)
	for i := range 5 {
		out, err := tc.ToModel(mulawFrame(t, uint64(i), i*640))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if out.Samples() != 1920 {
			t.Errorf("frame %d: got %d model samples, want 1920", i, out.Samples())
		}
		if out.SampleRate != 24000 || out.Encoding != audio.EncodingPCM16 {
			t.Errorf("frame %d: unexpected format %d/%q", i, out.SampleRate, out.Encoding)
		}
		if out.Seq != uint64(i) {
			t.Errorf("frame %d: seq not carried through, got %d", i, out.Seq)
		}
	}
}

func TestTranscoder_FromModelFrameSize(t *testing.T) {
	tc := testTranscoder(t)
	for i := range 5 {
		in := audio.Frame{
			Data:       samplesToBytes(sineWave(400, 24000, 1920, i*1920, 8000)),
			Encoding:   audio.EncodingPCM16,
			SampleRate: 24000,
			Channels:   1,
		}
		out, err := tc.FromModel(in)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if out.Encoding != audio.EncodingMulaw || len(out.Data) != 640 {
			t.Errorf("frame %d: got %d μ-law samples (%q), want 640", i, len(out.Data), out.Encoding)
		}
	}
}

func TestTranscoder_MalformedFrames(t *testing.T) {
	tc := testTranscoder(t)

	cases := []struct {
		name  string
		frame audio.Frame
	}{
		{"short mulaw", audio.Frame{Data: make([]byte, 100), Encoding: audio.EncodingMulaw, SampleRate: 8000, Channels: 1}},
		{"wrong rate", audio.Frame{Data: make([]byte, 640), Encoding: audio.EncodingMulaw, SampleRate: 16000, Channels: 1}},
		{"linear on companded leg", audio.Frame{Data: make([]byte, 1280), Encoding: audio.EncodingPCM16, SampleRate: 8000, Channels: 1}},
	}
	for _, tc2 := range cases {
		if _, err := tc.ToModel(tc2.frame); !errors.Is(err, audio.ErrBadFrame) {
			t.Errorf("%s: expected ErrBadFrame, got %v", tc2.name, err)
		}
	}

	bad := audio.Frame{Data: make([]byte, 100), Encoding: audio.EncodingPCM16, SampleRate: 24000, Channels: 1}
	if _, err := tc.FromModel(bad); !errors.Is(err, audio.ErrBadFrame) {
		t.Errorf("short model frame: expected ErrBadFrame, got %v", err)
	}
}

func TestTranscoder_RoundTripBound(t *testing.T) {
	// Lossy round trip: telephony → model → telephony of a narrowband tone
	// must stay within a small relative error once warm-up frames have passed.
	tc := testTranscoder(t)

	var got []int16
	for i := range 10 {
		up, err := tc.ToModel(mulawFrame(t, uint64(i), i*640))
		if err != nil {
			t.Fatal(err)
		}
		down, err := tc.FromModel(up)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, bytesToSamples(audio.MulawDecode(down.Data))...)
	}

	// Compare a mid-stream window against the source tone at the best
	// alignment within the pipeline's warm-up padding.
	window := got[3200:5120]
	best := math.MaxFloat64
	for delay := range 640 {
		var sumSq, refSq float64
		for i, s := range window {
			ref := 8000 * math.Sin(2*math.Pi*400*float64(i+3200-delay)/8000)
			d := float64(s) - ref
			sumSq += d * d
			refSq += ref * ref
		}
		if rel := math.Sqrt(sumSq / refSq); rel < best {
			best = rel
		}
	}
	if best > 0.1 {
		t.Errorf("round-trip relative RMS error %.4f exceeds 0.1", best)
	}
	if best == 0 {
		t.Error("round trip is bit-exact, which should be impossible for a lossy path")
	}
}
