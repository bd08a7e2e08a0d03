package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when a codec cannot be built for a format
// pair. It is only ever surfaced during session setup, never mid-call.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// maxCommonRate bounds the intermediate rate used when resampling between
// PCM16 rates with no integer ratio.
const maxCommonRate = 48000

type convertFunc func([]byte) []byte

// Codec converts frames between the transport format and the agent's input
// and output formats. It is stateless and safe for concurrent use.
type Codec struct {
	transport Format
	agentIn   Format
	agentOut  Format

	toAgent  convertFunc
	toCaller convertFunc
}

// NewCodec builds the two conversion paths for a call. Supported formats are
// mu-law at 8kHz and PCM16 at any pair of the known sample rates.
func NewCodec(transport, agentIn, agentOut Format) (*Codec, error) {
	toAgent, err := conversion(transport, agentIn)
	if err != nil {
		return nil, fmt.Errorf("caller to agent: %w", err)
	}
	toCaller, err := conversion(agentOut, transport)
	if err != nil {
		return nil, fmt.Errorf("agent to caller: %w", err)
	}
	return &Codec{
		transport: transport,
		agentIn:   agentIn,
		agentOut:  agentOut,
		toAgent:   toAgent,
		toCaller:  toCaller,
	}, nil
}

// ToAgent converts a caller frame into the agent's input format. Sequence
// number and source are preserved.
func (c *Codec) ToAgent(f Frame) (Frame, error) {
	if f.Format != c.transport {
		return Frame{}, fmt.Errorf("frame format %s, transport expects %s: %w",
			f.Format, c.transport, ErrUnsupportedFormat)
	}
	return Frame{
		Data:   c.toAgent(f.Data),
		Format: c.agentIn,
		Seq:    f.Seq,
		Source: f.Source,
	}, nil
}

// ToCaller converts an agent frame into the transport format. Sequence
// number and source are preserved.
func (c *Codec) ToCaller(f Frame) (Frame, error) {
	if f.Format != c.agentOut {
		return Frame{}, fmt.Errorf("frame format %s, agent output expects %s: %w",
			f.Format, c.agentOut, ErrUnsupportedFormat)
	}
	return Frame{
		Data:   c.toCaller(f.Data),
		Format: c.transport,
		Seq:    f.Seq,
		Source: f.Source,
	}, nil
}

// TransportFormat returns the caller-side format of this codec.
func (c *Codec) TransportFormat() Format { return c.transport }

// conversion resolves the byte transformation between two formats, or reports
// the pair as unsupported.
func conversion(from, to Format) (convertFunc, error) {
	if from == to {
		return func(b []byte) []byte { return b }, nil
	}

	switch {
	case from.Encoding == EncodingULaw && to.Encoding == EncodingPCM16:
		if from.SampleRate != 8000 || to.SampleRate%from.SampleRate != 0 {
			return nil, fmt.Errorf("%s to %s: %w", from, to, ErrUnsupportedFormat)
		}
		factor := to.SampleRate / from.SampleRate
		return func(b []byte) []byte {
			return upsamplePCM16(decodeULaw(b), factor)
		}, nil

	case from.Encoding == EncodingPCM16 && to.Encoding == EncodingULaw:
		if to.SampleRate != 8000 || from.SampleRate%to.SampleRate != 0 {
			return nil, fmt.Errorf("%s to %s: %w", from, to, ErrUnsupportedFormat)
		}
		factor := from.SampleRate / to.SampleRate
		return func(b []byte) []byte {
			return encodeULaw(downsamplePCM16(b, factor))
		}, nil

	case from.Encoding == EncodingPCM16 && to.Encoding == EncodingPCM16:
		if to.SampleRate > from.SampleRate && to.SampleRate%from.SampleRate == 0 {
			factor := to.SampleRate / from.SampleRate
			return func(b []byte) []byte { return upsamplePCM16(b, factor) }, nil
		}
		if from.SampleRate > to.SampleRate && from.SampleRate%to.SampleRate == 0 {
			factor := from.SampleRate / to.SampleRate
			return func(b []byte) []byte { return downsamplePCM16(b, factor) }, nil
		}
		// Rates such as 16k and 24k share no integer factor, so resample
		// through their least common multiple. Rate pairs whose common
		// multiple exceeds maxCommonRate are rejected.
		g := gcd(from.SampleRate, to.SampleRate)
		if g == 0 || from.SampleRate/g*to.SampleRate > maxCommonRate {
			return nil, fmt.Errorf("%s to %s: %w", from, to, ErrUnsupportedFormat)
		}
		up, down := to.SampleRate/g, from.SampleRate/g
		return func(b []byte) []byte { return resamplePCM16(b, up, down) }, nil

	default:
		return nil, fmt.Errorf("%s to %s: %w", from, to, ErrUnsupportedFormat)
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
