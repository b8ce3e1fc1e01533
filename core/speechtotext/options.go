// Package speechtotext defines the options shared by transcription clients.
package speechtotext

import "github.com/theNetworkChuck/claude-phone-sub000/core/audio"

type TranscriptionOptions struct {
	// PartialTranscriptionCallback is called with each finalized segment
	// while the utterance is still being transcribed.
	PartialTranscriptionCallback func(transcript string)

	EncodingInfo audio.EncodingInfo
	Language     string
	Keywords     []string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithPartialTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.PartialTranscriptionCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.Language = language }
}

// WithKeywords boosts recognition of names the caller is likely to say,
// such as the device name.
func WithKeywords(keywords ...string) TranscriptionOption {
	return func(o *TranscriptionOptions) { o.Keywords = append(o.Keywords, keywords...) }
}
