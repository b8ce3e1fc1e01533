package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw expands a single G.711 mu-law byte into a linear sample.
func DecodeMulaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// EncodeMulaw compresses a linear sample into G.711 mu-law.
func EncodeMulaw(sample int16) byte {
	pcm := int32(sample)
	sign := byte(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}
	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); pcm&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((pcm >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// ToLinear16 decodes audio in the given encoding into 16-bit samples.
func ToLinear16(data []byte, encoding EncodingInfo) ([]int16, error) {
	switch encoding.Format {
	case EncodingMulaw:
		samples := make([]int16, len(data))
		for i, b := range data {
			samples[i] = DecodeMulaw(b)
		}
		return samples, nil
	case EncodingLinear16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("invalid linear16 length: %d", len(data))
		}
		samples := make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return samples, nil
	}
	return nil, fmt.Errorf("unsupported encoding: %s", encoding.Format.Name())
}

// FromLinear16 encodes 16-bit samples into the given encoding.
func FromLinear16(samples []int16, encoding EncodingInfo) ([]byte, error) {
	switch encoding.Format {
	case EncodingMulaw:
		data := make([]byte, len(samples))
		for i, s := range samples {
			data[i] = EncodeMulaw(s)
		}
		return data, nil
	case EncodingLinear16:
		data := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		return data, nil
	}
	return nil, fmt.Errorf("unsupported encoding: %s", encoding.Format.Name())
}
