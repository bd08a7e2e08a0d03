package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewCodec(t *testing.T) {
	tests := []struct {
		name      string
		transport Format
		agentIn   Format
		agentOut  Format
		wantErr   bool
	}{
		{
			name:      "twilio mulaw to voice live pcm 24k",
			transport: ULaw8k,
			agentIn:   PCM16x24k,
			agentOut:  PCM16x24k,
		},
		{
			name:      "browser pcm 16k to gemini 16k in 24k out",
			transport: PCM16x16k,
			agentIn:   PCM16x16k,
			agentOut:  PCM16x24k,
		},
		{
			name:      "identity on all sides",
			transport: PCM16x16k,
			agentIn:   PCM16x16k,
			agentOut:  PCM16x16k,
		},
		{
			name:      "mulaw at 16k is unsupported",
			transport: Format{Encoding: EncodingULaw, SampleRate: 16000},
			agentIn:   PCM16x24k,
			agentOut:  PCM16x24k,
			wantErr:   true,
		},
		{
			name:      "non integer rate ratio is unsupported",
			transport: Format{Encoding: EncodingPCM16, SampleRate: 22050},
			agentIn:   PCM16x24k,
			agentOut:  PCM16x24k,
			wantErr:   true,
		},
		{
			name:      "unknown encoding is unsupported",
			transport: Format{Encoding: "opus", SampleRate: 48000},
			agentIn:   PCM16x24k,
			agentOut:  PCM16x24k,
			wantErr:   true,
		},
		{
			name:      "24k output to 16k transport downsamples",
			transport: PCM16x16k,
			agentIn:   PCM16x24k,
			agentOut:  PCM16x24k,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewCodec(tt.transport, tt.agentIn, tt.agentOut)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("NewCodec() error = %v, want %v", err, ErrUnsupportedFormat)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCodec() error = %v", err)
			}
			if codec.TransportFormat() != tt.transport {
				t.Errorf("TransportFormat() = %v, want %v", codec.TransportFormat(), tt.transport)
			}
		})
	}
}

func TestCodec_ToAgentPreservesSeqAndSource(t *testing.T) {
	codec, err := NewCodec(ULaw8k, PCM16x24k, PCM16x24k)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	in := Frame{Data: bytes.Repeat([]byte{0xFF}, 160), Format: ULaw8k, Seq: 42, Source: SourceCaller}
	out, err := codec.ToAgent(in)
	if err != nil {
		t.Fatalf("ToAgent() error = %v", err)
	}

	if out.Seq != 42 {
		t.Errorf("Seq = %d, want 42", out.Seq)
	}
	if out.Source != SourceCaller {
		t.Errorf("Source = %v, want %v", out.Source, SourceCaller)
	}
	if out.Format != PCM16x24k {
		t.Errorf("Format = %v, want %v", out.Format, PCM16x24k)
	}
	// 160 mulaw samples at 8kHz become 480 samples at 24kHz.
	if len(out.Data) != 160*3*2 {
		t.Errorf("len(Data) = %d, want %d", len(out.Data), 160*3*2)
	}
}

func TestCodec_ToCallerConvertsToTransportFormat(t *testing.T) {
	codec, err := NewCodec(ULaw8k, PCM16x24k, PCM16x24k)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	// 480 samples of PCM16 at 24kHz, 20ms of audio.
	in := Frame{Data: make([]byte, 480*2), Format: PCM16x24k, Seq: 7, Source: SourceAgent}
	out, err := codec.ToCaller(in)
	if err != nil {
		t.Fatalf("ToCaller() error = %v", err)
	}

	if out.Format != ULaw8k {
		t.Errorf("Format = %v, want %v", out.Format, ULaw8k)
	}
	if len(out.Data) != 160 {
		t.Errorf("len(Data) = %d, want 160", len(out.Data))
	}
	if out.Seq != 7 || out.Source != SourceAgent {
		t.Errorf("frame identity not preserved: %+v", out)
	}
}

func TestCodec_RationalResampleBetween24kAnd16k(t *testing.T) {
	codec, err := NewCodec(PCM16x16k, PCM16x16k, PCM16x24k)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	// 480 samples of PCM16 at 24kHz, 20ms of audio.
	in := Frame{Data: make([]byte, 480*2), Format: PCM16x24k, Seq: 3, Source: SourceAgent}
	out, err := codec.ToCaller(in)
	if err != nil {
		t.Fatalf("ToCaller() error = %v", err)
	}

	if out.Format != PCM16x16k {
		t.Errorf("Format = %v, want %v", out.Format, PCM16x16k)
	}
	// The same 20ms at 16kHz is 320 samples.
	if len(out.Data) != 320*2 {
		t.Errorf("len(Data) = %d, want %d", len(out.Data), 320*2)
	}
}

func TestCodec_IdentityPassthrough(t *testing.T) {
	codec, err := NewCodec(PCM16x16k, PCM16x16k, PCM16x16k)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	data := []byte{1, 2, 3, 4}
	out, err := codec.ToAgent(Frame{Data: data, Format: PCM16x16k, Source: SourceCaller})
	if err != nil {
		t.Fatalf("ToAgent() error = %v", err)
	}
	if !bytes.Equal(out.Data, data) {
		t.Errorf("identity conversion changed bytes: %v", out.Data)
	}
}

func TestCodec_RejectsMismatchedFrameFormat(t *testing.T) {
	codec, err := NewCodec(ULaw8k, PCM16x24k, PCM16x24k)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	_, err = codec.ToAgent(Frame{Data: make([]byte, 320), Format: PCM16x16k})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ToAgent() with wrong format error = %v, want %v", err, ErrUnsupportedFormat)
	}

	_, err = codec.ToCaller(Frame{Data: make([]byte, 320), Format: PCM16x16k})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ToCaller() with wrong format error = %v, want %v", err, ErrUnsupportedFormat)
	}
}
