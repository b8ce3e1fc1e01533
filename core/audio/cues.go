package audio

import (
	"math"
	"time"
)

// Clip is a finite piece of audio ready to be played to a caller.
type Clip struct {
	Data     []byte
	Encoding EncodingInfo
}

func (c Clip) Duration() time.Duration { return c.Encoding.Duration(len(c.Data)) }
func (c Clip) IsEmpty() bool           { return len(c.Data) == 0 }

// Silence returns d of silence in the given encoding.
func Silence(encoding EncodingInfo, d time.Duration) Clip {
	data := make([]byte, encoding.FrameSize(d))
	if v := encoding.SilenceValue(); v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return Clip{Data: data, Encoding: encoding}
}

// Tone synthesizes a sine tone with short linear fades so it does not click.
func Tone(encoding EncodingInfo, frequency float64, d time.Duration, amplitude float64) Clip {
	n := int(time.Duration(encoding.SampleRate) * d / time.Second)
	samples := make([]int16, n)
	fade := encoding.SampleRate / 100
	for i := range samples {
		gain := amplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		v := math.Sin(2*math.Pi*frequency*float64(i)/float64(encoding.SampleRate)) * gain * math.MaxInt16
		samples[i] = int16(v)
	}

	data, err := FromLinear16(samples, encoding)
	if err != nil {
		return Clip{Encoding: encoding}
	}
	return Clip{Data: data, Encoding: encoding}
}

// Concat joins clips that share an encoding.
func Concat(encoding EncodingInfo, clips ...Clip) Clip {
	var data []byte
	for _, c := range clips {
		data = append(data, c.Data...)
	}
	return Clip{Data: data, Encoding: encoding}
}

// ReadyCue is the short rising double beep played before listening.
func ReadyCue(encoding EncodingInfo) Clip {
	return Concat(encoding,
		Tone(encoding, 660, 90*time.Millisecond, 0.25),
		Silence(encoding, 40*time.Millisecond),
		Tone(encoding, 880, 90*time.Millisecond, 0.25),
	)
}

// GotItCue acknowledges that an utterance was captured.
func GotItCue(encoding EncodingInfo) Clip {
	return Tone(encoding, 520, 120*time.Millisecond, 0.2)
}

// HoldPattern is one period of the default hold music: a soft chime followed
// by a pause. Callers loop it.
func HoldPattern(encoding EncodingInfo) Clip {
	return Concat(encoding,
		Tone(encoding, 440, 180*time.Millisecond, 0.12),
		Tone(encoding, 554, 180*time.Millisecond, 0.12),
		Tone(encoding, 659, 260*time.Millisecond, 0.12),
		Silence(encoding, 1500*time.Millisecond),
	)
}
