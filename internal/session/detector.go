package session

import (
	"math"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// Default detector tuning. The threshold is mean absolute amplitude on the
// int16 scale; typical line noise sits well below 200, speech well above.
const (
	defaultSpeechThreshold = 200
	defaultHangoverFrames  = 3
)

// speechDetector tracks caller speech activity by frame energy. An utterance
// opens on the first voiced frame and closes after hangoverFrames of quiet,
// so short pauses inside a sentence do not split it.
//
// Owned by the session goroutine; not safe for concurrent use.
type speechDetector struct {
	threshold float64
	hangover  int

	active bool
	voiced time.Duration
	quiet  int
}

func newSpeechDetector() *speechDetector {
	return &speechDetector{
		threshold: defaultSpeechThreshold,
		hangover:  defaultHangoverFrames,
	}
}

// feed consumes one PCM16 frame. When the frame closes an utterance, feed
// returns its voiced duration and true.
func (d *speechDetector) feed(frame audio.Frame) (time.Duration, bool) {
	voiced := frameEnergy(frame.Data) >= d.threshold

	switch {
	case voiced:
		d.active = true
		d.quiet = 0
		d.voiced += frame.Duration()
		return 0, false

	case d.active:
		d.quiet++
		if d.quiet < d.hangover {
			return 0, false
		}
		dur := d.voiced
		d.active = false
		d.voiced = 0
		d.quiet = 0
		return dur, true

	default:
		return 0, false
	}
}

// frameEnergy returns the mean absolute sample amplitude of little-endian
// PCM16 data.
func frameEnergy(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8))
		sum += math.Abs(v)
	}
	return sum / float64(n)
}
