// Package vad detects voice activity in PCM16 audio.
//
// The Analyzer interface is what aggregators consume; EnergyAnalyzer is a
// level-based implementation that needs no model files.
package vad

import (
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
)

// State is the voice activity state after analysing a chunk.
type State int

const (
	Quiet State = iota
	Starting
	Speaking
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Speaking:
		return "speaking"
	case Stopping:
		return "stopping"
	default:
		return "quiet"
	}
}

// Default parameters.
const (
	DefaultThreshold = 0.02
	DefaultStart     = 200 * time.Millisecond
	DefaultStop      = 800 * time.Millisecond
)

// Params tunes an analyzer.
type Params struct {
	// Threshold is the normalised RMS level above which a chunk counts as voiced.
	Threshold float64
	// Start is how long voice must persist before Speaking.
	Start time.Duration
	// Stop is how long silence must persist before returning to Quiet.
	Stop time.Duration
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{Threshold: DefaultThreshold, Start: DefaultStart, Stop: DefaultStop}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Start <= 0 {
		p.Start = d.Start
	}
	if p.Stop <= 0 {
		p.Stop = d.Stop
	}
	return p
}

// Analyzer classifies audio chunks. Implementations are used from one
// goroutine.
type Analyzer interface {
	SetSampleRate(rate int)
	Params() Params
	Analyze(audio []byte) State
}

// EnergyAnalyzer is a level-based analyzer with start and stop hysteresis.
// Durations are measured from audio length, not wall-clock time.
type EnergyAnalyzer struct {
	params     Params
	sampleRate int

	state   State
	voiced  time.Duration
	silence time.Duration
}

// NewEnergyAnalyzer creates an analyzer. Zero fields in params take defaults.
func NewEnergyAnalyzer(params Params) *EnergyAnalyzer {
	return &EnergyAnalyzer{params: params.withDefaults(), sampleRate: 16000}
}

// SetSampleRate sets the rate of audio passed to Analyze.
func (a *EnergyAnalyzer) SetSampleRate(rate int) {
	if rate > 0 {
		a.sampleRate = rate
	}
}

// Params returns the effective parameters.
func (a *EnergyAnalyzer) Params() Params { return a.params }

// Analyze consumes one chunk and returns the new state.
func (a *EnergyAnalyzer) Analyze(audio []byte) State {
	samples := audioio.BytesToSamples(audio)
	if len(samples) == 0 {
		return a.state
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(a.sampleRate)
	voiced := audioio.RMS(samples) >= a.params.Threshold

	switch a.state {
	case Quiet:
		if voiced {
			a.state = Starting
			a.voiced = dur
		}
	case Starting:
		if voiced {
			a.voiced += dur
		} else {
			a.state = Quiet
			a.voiced = 0
		}
	case Speaking:
		if !voiced {
			a.state = Stopping
			a.silence = dur
		}
	case Stopping:
		if voiced {
			a.state = Speaking
			a.silence = 0
		} else {
			a.silence += dur
		}
	}

	if a.state == Starting && a.voiced >= a.params.Start {
		a.state = Speaking
		a.voiced = 0
	}
	if a.state == Stopping && a.silence >= a.params.Stop {
		a.state = Quiet
		a.silence = 0
	}
	return a.state
}

var _ Analyzer = (*EnergyAnalyzer)(nil)
