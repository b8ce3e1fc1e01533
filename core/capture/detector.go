package capture

import (
	"math"
	"time"
)

type DetectorParams struct {
	// StartSecs of continuous voice before speech counts as started.
	StartSecs float64
	// StopSecs of continuous silence after speech that ends the utterance.
	StopSecs float64
	// MinVolume is the normalized RMS level (0..1) treated as voice.
	MinVolume float64
	// MaxUtterance caps how long speech may run before it is finalized.
	MaxUtterance time.Duration
}

func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		StartSecs:    0.2,
		StopSecs:     1.0,
		MinVolume:    0.02,
		MaxUtterance: 30 * time.Second,
	}
}

type vadState int

const (
	vadQuiet vadState = iota + 1
	vadStarting
	vadSpeaking
	vadStopping
)

func (s vadState) String() string {
	switch s {
	case vadQuiet:
		return "quiet"
	case vadStarting:
		return "starting"
	case vadSpeaking:
		return "speaking"
	case vadStopping:
		return "stopping"
	}
	return "unknown"
}

type detectorEvent int

const (
	eventNone detectorEvent = iota
	eventSpeechStarted
	eventSpeechEnded
	eventMaxLength
)

const volumeSmoothing = 0.2

// detector is an energy-based voice activity state machine. Thresholds are
// counted in samples so chunk size does not matter.
type detector struct {
	params DetectorParams

	state          vadState
	smoothedVolume float64

	startSamples  int
	stopSamples   int
	speechSamples int

	startThreshold int
	stopThreshold  int
	maxSamples     int
}

func newDetector(sampleRate int, params DetectorParams) *detector {
	d := &detector{
		params:         params,
		startThreshold: int(params.StartSecs * float64(sampleRate)),
		stopThreshold:  int(params.StopSecs * float64(sampleRate)),
		maxSamples:     int(params.MaxUtterance.Seconds() * float64(sampleRate)),
	}
	d.reset()
	return d
}

func (d *detector) reset() {
	d.state = vadQuiet
	d.smoothedVolume = 0
	d.startSamples = 0
	d.stopSamples = 0
	d.speechSamples = 0
}

func (d *detector) inSpeech() bool {
	return d.state == vadSpeaking || d.state == vadStopping
}

func (d *detector) process(samples []int16) detectorEvent {
	if len(samples) == 0 {
		return eventNone
	}

	volume := rms(samples)
	d.smoothedVolume = volumeSmoothing*volume + (1-volumeSmoothing)*d.smoothedVolume
	voiced := volume >= d.params.MinVolume && d.smoothedVolume >= d.params.MinVolume
	n := len(samples)

	switch d.state {
	case vadQuiet, vadStarting:
		if !voiced {
			d.state = vadQuiet
			d.startSamples = 0
			return eventNone
		}
		d.startSamples += n
		if d.startSamples < d.startThreshold {
			d.state = vadStarting
			return eventNone
		}
		d.state = vadSpeaking
		d.speechSamples = d.startSamples
		d.startSamples = 0
		return eventSpeechStarted

	case vadSpeaking, vadStopping:
		d.speechSamples += n
		if voiced {
			d.state = vadSpeaking
			d.stopSamples = 0
		} else {
			d.state = vadStopping
			d.stopSamples += n
			if d.stopSamples >= d.stopThreshold {
				d.state = vadQuiet
				d.stopSamples = 0
				return eventSpeechEnded
			}
		}
		if d.maxSamples > 0 && d.speechSamples >= d.maxSamples {
			return eventMaxLength
		}
	}

	return eventNone
}

func rms(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
