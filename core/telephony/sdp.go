package telephony

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

var ErrNoAudio = errors.New("session description has no audio stream")

// StripNonAudio removes every media section other than audio from an offer,
// so video or data lines offered by softphones are not negotiated.
func StripNonAudio(offer string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("failed to parse session description: %w", err)
	}

	audio := desc.MediaDescriptions[:0]
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audio = append(audio, media)
		}
	}
	if len(audio) == 0 {
		return "", ErrNoAudio
	}
	desc.MediaDescriptions = audio

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to write session description: %w", err)
	}
	return string(out), nil
}
