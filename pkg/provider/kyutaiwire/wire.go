// Package kyutaiwire implements the MessagePack framing spoken by Kyutai-style
// streaming inference servers (mimi codec streams and moshi generation
// streams). Every message is a msgpack map with a "type" discriminator field.
//
// The marshal/unmarshal routines are written directly against the msgp
// primitives rather than generated, because the message set is small and the
// optional-field handling (forced token, bias vector) does not map cleanly
// onto struct tags.
package kyutaiwire

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Type discriminates wire messages.
type Type string

const (
	// TypeReady is sent by the server once a stream is set up.
	TypeReady Type = "Ready"

	// TypeAudio carries one frame of float32 PCM (client→server on encode
	// streams, server→client on decode streams).
	TypeAudio Type = "Audio"

	// TypeCodes carries one code frame: one token per codebook.
	TypeCodes Type = "Codes"

	// TypeStep carries one generation step request: input codes plus optional
	// forced output token and optional additive bias embedding.
	TypeStep Type = "Step"

	// TypeStepOut carries one generation step result: text token, optional
	// text piece, and output codes (absent during the model's acoustic delay).
	TypeStepOut Type = "StepOut"

	// TypeError carries a fatal server-side error; the stream is dead after it.
	TypeError Type = "Error"
)

// Message is the common interface of all wire messages.
type Message interface {
	WireType() Type
}

// Ready is the server's stream-established acknowledgement.
type Ready struct{}

func (Ready) WireType() Type { return TypeReady }

// Audio carries one PCM frame.
type Audio struct {
	PCM []float32
}

func (Audio) WireType() Type { return TypeAudio }

// Codes carries one code frame.
type Codes struct {
	Codes []uint32
}

func (Codes) WireType() Type { return TypeCodes }

// Step is a generation step request.
type Step struct {
	// Codes is the encoded caller audio for this step (silence codes during
	// forced playback).
	Codes []uint32

	// Forced, when HasForced is set, overrides the model's next output text
	// token.
	Forced    int32
	HasForced bool

	// Bias, when non-empty, is added to the model's input representation
	// before the step runs.
	Bias []float32
}

func (Step) WireType() Type { return TypeStep }

// StepOut is a generation step result.
type StepOut struct {
	// Token is the sampled (or forced) output text token.
	Token int32

	// Text is the decoded text piece for Token, if any.
	Text string

	// Codes is the output code frame; empty while the model is inside its
	// acoustic delay.
	Codes []uint32
}

func (StepOut) WireType() Type { return TypeStepOut }

// Error is a fatal server error.
type Error struct {
	Message string
}

func (Error) WireType() Type { return TypeError }

// Marshal encodes msg into msgpack, appending to b (which may be nil).
func Marshal(b []byte, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Ready:
		b = msgp.AppendMapHeader(b, 1)
		b = appendTypeField(b, TypeReady)
		return b, nil

	case Audio:
		b = msgp.AppendMapHeader(b, 2)
		b = appendTypeField(b, TypeAudio)
		b = msgp.AppendString(b, "pcm")
		b = msgp.AppendArrayHeader(b, uint32(len(m.PCM)))
		for _, v := range m.PCM {
			b = msgp.AppendFloat32(b, v)
		}
		return b, nil

	case Codes:
		b = msgp.AppendMapHeader(b, 2)
		b = appendTypeField(b, TypeCodes)
		b = appendCodes(b, m.Codes)
		return b, nil

	case Step:
		fields := uint32(2)
		if m.HasForced {
			fields++
		}
		if len(m.Bias) > 0 {
			fields++
		}
		b = msgp.AppendMapHeader(b, fields)
		b = appendTypeField(b, TypeStep)
		b = appendCodes(b, m.Codes)
		if m.HasForced {
			b = msgp.AppendString(b, "forced")
			b = msgp.AppendInt32(b, m.Forced)
		}
		if len(m.Bias) > 0 {
			b = msgp.AppendString(b, "bias")
			b = msgp.AppendArrayHeader(b, uint32(len(m.Bias)))
			for _, v := range m.Bias {
				b = msgp.AppendFloat32(b, v)
			}
		}
		return b, nil

	case StepOut:
		fields := uint32(3)
		if len(m.Codes) > 0 {
			fields++
		}
		b = msgp.AppendMapHeader(b, fields)
		b = appendTypeField(b, TypeStepOut)
		b = msgp.AppendString(b, "token")
		b = msgp.AppendInt32(b, m.Token)
		b = msgp.AppendString(b, "text")
		b = msgp.AppendString(b, m.Text)
		if len(m.Codes) > 0 {
			b = appendCodes(b, m.Codes)
		}
		return b, nil

	case Error:
		b = msgp.AppendMapHeader(b, 2)
		b = appendTypeField(b, TypeError)
		b = msgp.AppendString(b, "message")
		b = msgp.AppendString(b, m.Message)
		return b, nil

	default:
		return nil, fmt.Errorf("kyutaiwire: cannot marshal %T", msg)
	}
}

// Unmarshal decodes one msgpack message from payload. Unknown map keys are
// skipped so servers may add fields without breaking older clients.
func Unmarshal(payload []byte) (Message, error) {
	sz, rest, err := msgp.ReadMapHeaderBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("kyutaiwire: read map header: %w", err)
	}

	var (
		typ       Type
		pcm       []float32
		codes     []uint32
		forced    int32
		hasForced bool
		bias      []float32
		token     int32
		text      string
		errMsg    string
	)

	for range sz {
		var key string
		key, rest, err = msgp.ReadStringBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("kyutaiwire: read key: %w", err)
		}
		switch key {
		case "type":
			var s string
			s, rest, err = msgp.ReadStringBytes(rest)
			typ = Type(s)
		case "pcm":
			pcm, rest, err = readFloat32s(rest)
		case "codes":
			codes, rest, err = readUint32s(rest)
		case "forced":
			forced, rest, err = msgp.ReadInt32Bytes(rest)
			hasForced = true
		case "bias":
			bias, rest, err = readFloat32s(rest)
		case "token":
			token, rest, err = msgp.ReadInt32Bytes(rest)
		case "text":
			text, rest, err = msgp.ReadStringBytes(rest)
		case "message":
			errMsg, rest, err = msgp.ReadStringBytes(rest)
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return nil, fmt.Errorf("kyutaiwire: read field %q: %w", key, err)
		}
	}

	switch typ {
	case TypeReady:
		return Ready{}, nil
	case TypeAudio:
		return Audio{PCM: pcm}, nil
	case TypeCodes:
		return Codes{Codes: codes}, nil
	case TypeStep:
		return Step{Codes: codes, Forced: forced, HasForced: hasForced, Bias: bias}, nil
	case TypeStepOut:
		return StepOut{Token: token, Text: text, Codes: codes}, nil
	case TypeError:
		return Error{Message: errMsg}, nil
	default:
		return nil, fmt.Errorf("kyutaiwire: unknown message type %q", typ)
	}
}

func appendTypeField(b []byte, t Type) []byte {
	b = msgp.AppendString(b, "type")
	return msgp.AppendString(b, string(t))
}

func appendCodes(b []byte, codes []uint32) []byte {
	b = msgp.AppendString(b, "codes")
	b = msgp.AppendArrayHeader(b, uint32(len(codes)))
	for _, c := range codes {
		b = msgp.AppendUint32(b, c)
	}
	return b
}

func readFloat32s(b []byte) ([]float32, []byte, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i], rest, err = msgp.ReadFloat32Bytes(rest)
		if err != nil {
			return nil, b, err
		}
	}
	return out, rest, nil
}

func readUint32s(b []byte) ([]uint32, []byte, error) {
	n, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], rest, err = msgp.ReadUint32Bytes(rest)
		if err != nil {
			return nil, b, err
		}
	}
	return out, rest, nil
}
