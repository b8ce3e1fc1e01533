package audio

import "time"

const (
	DefaultSampleRate = 8000
	DefaultFormat     = "mulaw"
)

// GetDefaultEncodingInfo returns narrowband G.711 mu-law, the encoding most
// telephony media servers speak natively.
func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

func (e EncodingInfo) BytesPerSecond() int {
	return e.SampleRate * e.Format.ByteSize()
}

// Duration reports how long n bytes of audio in this encoding play for.
func (e EncodingInfo) Duration(n int) time.Duration {
	bps := e.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// FrameSize returns the number of bytes covering d, aligned to whole samples.
func (e EncodingInfo) FrameSize(d time.Duration) int {
	sampleSize := e.Format.ByteSize()
	if sampleSize <= 0 {
		return 0
	}
	samples := int(time.Duration(e.SampleRate) * d / time.Second)
	return samples * sampleSize
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

// ParseFormat maps the common aliases used by media servers and speech
// providers onto the known formats.
func ParseFormat(name string) (encodingFormat, bool) {
	switch name {
	case "mulaw", "ulaw", "PCMU", "pcmu":
		return EncodingMulaw, true
	case "alaw", "PCMA", "pcma":
		return EncodingALaw, true
	case "linear16", "pcm", "PCM", "slin", "slin16":
		return EncodingLinear16, true
	}
	return "", false
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
