package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadFrame marks a malformed frame (wrong length, rate, or encoding).
// It is a local, recoverable error: the caller drops the frame and logs it;
// it must never tear down the session.
var ErrBadFrame = errors.New("audio: malformed frame")

// TranscoderConfig configures a [Transcoder] for one session.
type TranscoderConfig struct {
	// FramePeriod is the fixed frame duration of the pipeline (e.g., 80 ms).
	FramePeriod time.Duration

	// Telephony is the caller-side format (e.g., 8000 Hz mono).
	Telephony Format

	// Model is the generation-model format (e.g., 24000 Hz mono).
	Model Format

	// Companded indicates the telephony leg carries G.711 μ-law frames.
	// When set, ToModel expects EncodingMulaw input and FromModel produces
	// EncodingMulaw output.
	Companded bool

	// Quality selects the windowed-sinc interpolation width. Empty means
	// QualityMedium.
	Quality Quality
}

// Transcoder converts fixed-duration frames between the telephony rate and
// the model rate. Both directions are stateful (each owns a [Resampler] with
// context carried across frames) and must not be shared across sessions.
//
// Because the sinc kernel needs right-hand context, the first model-side
// frame is padded with leading silence; every frame in and out matches the
// configured frame period exactly.
type Transcoder struct {
	cfg TranscoderConfig

	up   *Resampler // telephony → model
	down *Resampler // model → telephony

	rawSamples   int // samples per telephony frame
	modelSamples int // samples per model frame

	toBuf   []byte // pending model-rate PCM not yet emitted
	fromBuf []byte // pending telephony-rate PCM not yet emitted
}

// NewTranscoder validates cfg and creates a Transcoder.
func NewTranscoder(cfg TranscoderConfig) (*Transcoder, error) {
	if cfg.FramePeriod <= 0 {
		return nil, fmt.Errorf("audio: frame period must be positive, got %s", cfg.FramePeriod)
	}
	if cfg.Telephony.Channels != 1 || cfg.Model.Channels != 1 {
		return nil, fmt.Errorf("audio: transcoder supports mono only, got %d/%d channels",
			cfg.Telephony.Channels, cfg.Model.Channels)
	}
	up, err := NewResampler(cfg.Telephony.SampleRate, cfg.Model.SampleRate, cfg.Quality)
	if err != nil {
		return nil, err
	}
	down, err := NewResampler(cfg.Model.SampleRate, cfg.Telephony.SampleRate, cfg.Quality)
	if err != nil {
		return nil, err
	}
	return &Transcoder{
		cfg:          cfg,
		up:           up,
		down:         down,
		rawSamples:   cfg.Telephony.FrameSamples(cfg.FramePeriod),
		modelSamples: cfg.Model.FrameSamples(cfg.FramePeriod),
	}, nil
}

// ToModel converts one telephony-rate frame to one model-rate frame. The
// input must cover exactly the configured frame period; anything else returns
// an error wrapping [ErrBadFrame].
func (t *Transcoder) ToModel(raw Frame) (Frame, error) {
	pcm, err := t.expand(raw)
	if err != nil {
		return Frame{}, err
	}

	t.toBuf = append(t.toBuf, t.up.Process(pcm)...)
	data := t.takeFrame(&t.toBuf, t.modelSamples)

	return Frame{
		Data:       data,
		Encoding:   EncodingPCM16,
		SampleRate: t.cfg.Model.SampleRate,
		Channels:   1,
		Seq:        raw.Seq,
		Timestamp:  raw.Timestamp,
	}, nil
}

// FromModel converts one model-rate frame back to one telephony-rate frame,
// companding the output when the telephony leg is configured for μ-law.
func (t *Transcoder) FromModel(pcm Frame) (Frame, error) {
	if pcm.SampleRate != t.cfg.Model.SampleRate {
		return Frame{}, fmt.Errorf("%w: model frame rate %d, want %d",
			ErrBadFrame, pcm.SampleRate, t.cfg.Model.SampleRate)
	}
	if pcm.Encoding == EncodingMulaw || len(pcm.Data)%2 != 0 || pcm.Samples() != t.modelSamples {
		return Frame{}, fmt.Errorf("%w: model frame has %d samples (encoding %q), want %d pcm16",
			ErrBadFrame, pcm.Samples(), pcm.Encoding, t.modelSamples)
	}

	t.fromBuf = append(t.fromBuf, t.down.Process(pcm.Data)...)
	data := t.takeFrame(&t.fromBuf, t.rawSamples)

	out := Frame{
		Data:       data,
		Encoding:   EncodingPCM16,
		SampleRate: t.cfg.Telephony.SampleRate,
		Channels:   1,
		Seq:        pcm.Seq,
		Timestamp:  pcm.Timestamp,
	}
	if t.cfg.Companded {
		out.Data = MulawEncode(out.Data)
		out.Encoding = EncodingMulaw
	}
	return out, nil
}

// Reset drops all resampler context and pending output. Used on stream resync.
func (t *Transcoder) Reset() {
	t.up.Reset()
	t.down.Reset()
	t.toBuf = nil
	t.fromBuf = nil
}

// expand validates a telephony frame and returns its linear PCM bytes.
func (t *Transcoder) expand(raw Frame) ([]byte, error) {
	if raw.SampleRate != t.cfg.Telephony.SampleRate {
		return nil, fmt.Errorf("%w: telephony frame rate %d, want %d",
			ErrBadFrame, raw.SampleRate, t.cfg.Telephony.SampleRate)
	}
	if t.cfg.Companded {
		if raw.Encoding != EncodingMulaw {
			return nil, fmt.Errorf("%w: expected μ-law frame, got %q", ErrBadFrame, raw.Encoding)
		}
		if len(raw.Data) != t.rawSamples {
			return nil, fmt.Errorf("%w: μ-law frame has %d samples, want %d",
				ErrBadFrame, len(raw.Data), t.rawSamples)
		}
		return MulawDecode(raw.Data), nil
	}
	if raw.Encoding == EncodingMulaw {
		return nil, fmt.Errorf("%w: unexpected μ-law frame on linear leg", ErrBadFrame)
	}
	if len(raw.Data)%2 != 0 || raw.Samples() != t.rawSamples {
		return nil, fmt.Errorf("%w: pcm frame has %d samples, want %d",
			ErrBadFrame, raw.Samples(), t.rawSamples)
	}
	return raw.Data, nil
}

// takeFrame removes exactly want samples (2·want bytes) from buf, padding
// with leading silence when the resampler has not yet produced enough output
// (only possible during stream warm-up).
func (t *Transcoder) takeFrame(buf *[]byte, want int) []byte {
	need := want * 2
	b := *buf
	if len(b) >= need {
		out := append([]byte(nil), b[:need]...)
		*buf = append(b[:0:0], b[need:]...)
		return out
	}
	out := make([]byte, need)
	copy(out[need-len(b):], b)
	*buf = nil
	return out
}
