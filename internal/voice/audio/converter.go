package audio

import "encoding/base64"

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// decodeULawSample expands one G.711 mu-law byte to a linear PCM16 sample.
func decodeULawSample(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := mulaw & 0x80
	exponent := (mulaw >> 4) & 0x07
	mantissa := mulaw & 0x0F
	sample := (int(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// encodeULawSample compresses one linear PCM16 sample to a G.711 mu-law byte.
func encodeULawSample(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Locate the most significant bit to derive the segment.
	exponent := 7
	for mask := 0x4000; mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// decodeULaw expands mu-law bytes to little-endian PCM16 at the same rate.
func decodeULaw(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := decodeULawSample(b)
		pcm[2*i] = byte(uint16(sample))
		pcm[2*i+1] = byte(uint16(sample) >> 8)
	}
	return pcm
}

// encodeULaw compresses little-endian PCM16 to mu-law bytes at the same rate.
// A trailing odd byte is ignored.
func encodeULaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	mulaw := make([]byte, samples)
	for i := 0; i < samples; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		mulaw[i] = encodeULawSample(sample)
	}
	return mulaw
}

// downsamplePCM16 reduces the sample rate by an integer factor by keeping
// every factor-th sample.
func downsamplePCM16(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	out := make([]byte, 0, len(pcm)/factor+2)
	for i := 0; i+1 < len(pcm); i += 2 * factor {
		out = append(out, pcm[i], pcm[i+1])
	}
	return out
}

// resamplePCM16 converts between rates related by the rational factor
// up/down, interpolating up to the common rate and decimating back down.
func resamplePCM16(pcm []byte, up, down int) []byte {
	return downsamplePCM16(upsamplePCM16(pcm, up), down)
}

// upsamplePCM16 raises the sample rate by an integer factor using linear
// interpolation between neighboring samples. The final sample is held.
func upsamplePCM16(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}
	out := make([]byte, 0, samples*factor*2)
	for i := 0; i < samples; i++ {
		current := int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		next := current
		if i+1 < samples {
			next = int(int16(uint16(pcm[2*i+2]) | uint16(pcm[2*i+3])<<8))
		}
		for step := 0; step < factor; step++ {
			value := int16(current + (next-current)*step/factor)
			out = append(out, byte(uint16(value)), byte(uint16(value)>>8))
		}
	}
	return out
}

// BytesToBase64 encodes raw audio bytes for JSON transport.
func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64ToBytes decodes base64 audio received over JSON transport.
func Base64ToBytes(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
