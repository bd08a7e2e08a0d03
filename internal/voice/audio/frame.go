package audio

import "fmt"

// Encoding identifies the sample encoding of a frame.
type Encoding string

const (
	EncodingULaw  Encoding = "ulaw"
	EncodingPCM16 Encoding = "pcm16"
)

// Source identifies which side of the bridge produced a frame.
type Source string

const (
	SourceCaller Source = "caller"
	SourceAgent  Source = "agent"
)

// Format describes how the bytes of a frame are to be interpreted.
// PCM16 samples are little-endian. ULaw is the 8-bit G.711 encoding.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz", f.Encoding, f.SampleRate)
}

// Common formats used by the supported transports and agent providers.
var (
	ULaw8k    = Format{Encoding: EncodingULaw, SampleRate: 8000}
	PCM16x8k  = Format{Encoding: EncodingPCM16, SampleRate: 8000}
	PCM16x16k = Format{Encoding: EncodingPCM16, SampleRate: 16000}
	PCM16x24k = Format{Encoding: EncodingPCM16, SampleRate: 24000}
)

// Frame is a single chunk of audio moving through the bridge. Seq is
// assigned by the producing endpoint and increases monotonically per
// direction. Codec conversion preserves Seq and Source.
type Frame struct {
	Data   []byte
	Format Format
	Seq    uint64
	Source Source
}

// Duration returns the playback time the frame represents.
func (f Frame) Duration() float64 {
	bytesPerSecond := f.Format.bytesPerSecond()
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(len(f.Data)) / float64(bytesPerSecond)
}

func (f Format) bytesPerSecond() int {
	switch f.Encoding {
	case EncodingULaw:
		return f.SampleRate
	case EncodingPCM16:
		return f.SampleRate * 2
	default:
		return 0
	}
}
