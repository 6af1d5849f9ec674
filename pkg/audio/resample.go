package audio

import (
	"fmt"
	"math"
)

// Quality selects the windowed-sinc interpolation width used by [Resampler].
// Wider kernels cost more CPU per sample and sound cleaner; the trade-off is
// a deployment decision, so it is exposed as a config knob rather than
// hardcoded.
type Quality string

const (
	// QualityLow uses 4 zero-crossings per kernel side. Cheapest; audible
	// aliasing on wideband content, usually acceptable for narrowband telephony.
	QualityLow Quality = "low"

	// QualityMedium uses 8 zero-crossings per side. The default.
	QualityMedium Quality = "medium"

	// QualityHigh uses 16 zero-crossings per side.
	QualityHigh Quality = "high"
)

// IsValid reports whether q is a recognised resampler quality.
func (q Quality) IsValid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

// zeroCrossings returns the kernel half-width for the quality level.
func (q Quality) zeroCrossings() int {
	switch q {
	case QualityLow:
		return 4
	case QualityHigh:
		return 16
	default:
		return 8
	}
}

// Resampler converts little-endian int16 PCM between two fixed sample rates
// using Hann-windowed sinc interpolation. It is stateful: a context tail of
// source samples is retained across calls so that frame boundaries do not
// produce discontinuities.
//
// Create one Resampler per direction per session; it is not safe for
// concurrent use and must never be shared across sessions.
type Resampler struct {
	srcRate int
	dstRate int
	zc      int     // zero crossings per kernel side
	cutoff  float64 // normalised low-pass cutoff (≤ 1)

	hist []float64 // unconsumed source samples, including left context
	base int64     // absolute source index of hist[0]
	out  int64     // absolute index of the next output sample
}

// NewResampler creates a resampler from srcRate to dstRate at the given
// quality. Both rates must be positive.
func NewResampler(srcRate, dstRate int, q Quality) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: resampler rates must be positive, got %d→%d", srcRate, dstRate)
	}
	if q != "" && !q.IsValid() {
		return nil, fmt.Errorf("audio: unknown resampler quality %q", q)
	}
	cutoff := 1.0
	if dstRate < srcRate {
		// Low-pass at the destination Nyquist when decimating.
		cutoff = float64(dstRate) / float64(srcRate)
	}
	return &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		zc:      q.zeroCrossings(),
		cutoff:  cutoff,
	}, nil
}

// Ratio returns dstRate / srcRate.
func (r *Resampler) Ratio() float64 { return float64(r.dstRate) / float64(r.srcRate) }

// Process resamples one chunk of PCM. The output length varies slightly
// between calls because the kernel needs right-hand context before it can
// emit a sample; callers that require exact frame sizes should buffer through
// a [Transcoder]. A trailing odd byte in the input is ignored.
func (r *Resampler) Process(pcm []byte) []byte {
	samples := len(pcm) / 2
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		r.hist = append(r.hist, float64(s))
	}

	// The absolute source position of output sample n is n·src/dst, computed
	// from the absolute output index each time so that rounding error cannot
	// accumulate across frames.
	var out []int16
	for {
		pos := float64(r.out) * float64(r.srcRate) / float64(r.dstRate)
		rel := pos - float64(r.base)
		if int(rel)+r.zc >= len(r.hist) {
			break
		}
		out = append(out, clampSample(r.interpolate(rel)))
		r.out++
	}

	// Drop consumed prefix, keeping zc samples of left context.
	nextPos := float64(r.out) * float64(r.srcRate) / float64(r.dstRate)
	if keep := int(nextPos-float64(r.base)) - r.zc; keep > 0 {
		if keep > len(r.hist) {
			keep = len(r.hist)
		}
		r.hist = append(r.hist[:0:0], r.hist[keep:]...)
		r.base += int64(keep)
	}

	return Int16sToBytes(out)
}

// Reset discards all retained context and rewinds the stream position. Used
// when a stream resyncs after packet loss so stale samples do not bleed into
// the new position.
func (r *Resampler) Reset() {
	r.hist = r.hist[:0]
	r.base = 0
	r.out = 0
}

// interpolate evaluates the windowed-sinc kernel centred on fractional
// position rel (relative to hist[0]). Samples outside the buffered range are
// treated as silence (only relevant for the first few output samples of a
// stream).
func (r *Resampler) interpolate(rel float64) float64 {
	center := int(math.Floor(rel))
	frac := rel - float64(center)

	var sum, wsum float64
	for i := -r.zc + 1; i <= r.zc; i++ {
		idx := center + i
		if idx < 0 || idx >= len(r.hist) {
			continue
		}
		x := (float64(i) - frac) * r.cutoff
		w := sincHann(x, float64(r.zc)*r.cutoff)
		sum += r.hist[idx] * w
		wsum += w
	}
	if wsum != 0 {
		sum /= wsum
	}
	return sum
}

// sincHann is the Hann-windowed sinc kernel, zero outside |x| ≥ width.
func sincHann(x, width float64) float64 {
	ax := math.Abs(x)
	if ax >= width {
		return 0
	}
	window := 0.5 * (1 + math.Cos(math.Pi*ax/width))
	if ax < 1e-9 {
		return window
	}
	px := math.Pi * x
	return window * math.Sin(px) / px
}

// clampSample converts a float sample back to int16 with saturation.
func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}
