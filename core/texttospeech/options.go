// Package texttospeech defines the options shared by synthesis clients.
package texttospeech

import "github.com/theNetworkChuck/claude-phone-sub000/core/audio"

type TextToSpeechOptions struct {
	// VoiceID selects the provider voice. Empty means the client default.
	VoiceID string
	// SpeechAudioCallback receives audio chunks as they are produced, before
	// the full clip is returned.
	SpeechAudioCallback func(audio []byte)

	EncodingInfo audio.EncodingInfo
}

type TextToSpeechOption func(*TextToSpeechOptions)

func WithVoice(voiceID string) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.VoiceID = voiceID }
}

func WithSpeechAudioCallback(callback func([]byte)) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.SpeechAudioCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TextToSpeechOption {
	return func(o *TextToSpeechOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func Apply(opts ...TextToSpeechOption) TextToSpeechOptions {
	options := TextToSpeechOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
