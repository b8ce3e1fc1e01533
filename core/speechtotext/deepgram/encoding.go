package deepgram

import (
	"fmt"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
)

// encodingParams maps an encoding onto Deepgram's listen query parameters.
func encodingParams(encoding audio.EncodingInfo) (format string, sampleRate int, err error) {
	switch encoding.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
	default:
		return "", 0, fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	}

	switch encoding.Format {
	case audio.EncodingLinear16:
		return "linear16", encoding.SampleRate, nil
	case audio.EncodingMulaw, audio.EncodingALaw:
		if encoding.SampleRate != 8000 {
			return "", 0, fmt.Errorf("unsupported sample rate %d for %s", encoding.SampleRate, encoding.Format.Name())
		}
		return encoding.Format.Name(), encoding.SampleRate, nil
	}

	return "", 0, fmt.Errorf("unsupported encoding %q", encoding.Format.Name())
}
