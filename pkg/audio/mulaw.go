package audio

// G.711 μ-law companding for the 8 kHz telephony leg. Decode is table-driven
// (256 entries, built once at init); encode uses the segmented approximation.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawTable maps each μ-law byte to its expanded linear int16 value.
var mulawTable [256]int16

func init() {
	for i := range mulawTable {
		u := ^byte(i)
		exp := (u >> 4) & 0x07
		mant := u & 0x0F
		magnitude := ((int32(mant) << 3) + mulawBias) << exp
		magnitude -= mulawBias
		if u&0x80 != 0 {
			magnitude = -magnitude
		}
		mulawTable[i] = int16(magnitude)
	}
}

// MulawDecode expands μ-law companded bytes into little-endian int16 PCM.
// One input byte produces one output sample (two bytes).
func MulawDecode(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, u := range in {
		s := mulawTable[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses little-endian int16 PCM into μ-law bytes. A trailing
// odd byte in the input is ignored.
func MulawEncode(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = mulawEncodeSample(s)
	}
	return out
}

// mulawEncodeSample compresses a single linear sample to its μ-law byte.
func mulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}
