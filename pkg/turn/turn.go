// Package turn decides whether the user has finished their turn once voice
// activity stops.
package turn

import (
	"context"
	"time"
)

// EndOfTurnState is the analyzer verdict.
type EndOfTurnState int

const (
	Incomplete EndOfTurnState = iota
	Complete
)

func (s EndOfTurnState) String() string {
	if s == Complete {
		return "complete"
	}
	return "incomplete"
}

// Analyzer inspects the audio of the current turn.
type Analyzer interface {
	SetSampleRate(rate int)
	AppendAudio(audio []byte, isSpeech bool)
	AnalyzeEndOfTurn(ctx context.Context) (EndOfTurnState, error)
	Clear()
}

// Default local analyzer parameters.
const (
	DefaultMinSpeech  = 300 * time.Millisecond
	DefaultMinSilence = 200 * time.Millisecond
)

// LocalParams tunes LocalAnalyzer.
type LocalParams struct {
	// MinSpeech is the voiced audio a turn needs to be considered complete.
	MinSpeech time.Duration
	// MinSilence is the trailing silence needed before a turn can complete.
	MinSilence time.Duration
}

// LocalAnalyzer is an in-process analyzer based on voiced and trailing
// silence durations.
type LocalAnalyzer struct {
	params     LocalParams
	sampleRate int

	speech  time.Duration
	silence time.Duration
}

// NewLocalAnalyzer creates an analyzer. Zero fields take defaults.
func NewLocalAnalyzer(params LocalParams) *LocalAnalyzer {
	if params.MinSpeech <= 0 {
		params.MinSpeech = DefaultMinSpeech
	}
	if params.MinSilence <= 0 {
		params.MinSilence = DefaultMinSilence
	}
	return &LocalAnalyzer{params: params, sampleRate: 16000}
}

// SetSampleRate sets the rate of appended audio.
func (a *LocalAnalyzer) SetSampleRate(rate int) {
	if rate > 0 {
		a.sampleRate = rate
	}
}

// AppendAudio records one chunk of the current turn.
func (a *LocalAnalyzer) AppendAudio(audio []byte, isSpeech bool) {
	d := time.Duration(len(audio)/2) * time.Second / time.Duration(a.sampleRate)
	if isSpeech {
		a.speech += d
		a.silence = 0
		return
	}
	if a.speech > 0 {
		a.silence += d
	}
}

// AnalyzeEndOfTurn returns Complete once enough speech was followed by
// enough silence.
func (a *LocalAnalyzer) AnalyzeEndOfTurn(ctx context.Context) (EndOfTurnState, error) {
	if err := ctx.Err(); err != nil {
		return Incomplete, err
	}
	if a.speech >= a.params.MinSpeech && a.silence >= a.params.MinSilence {
		return Complete, nil
	}
	return Incomplete, nil
}

// Clear resets state for the next turn.
func (a *LocalAnalyzer) Clear() {
	a.speech, a.silence = 0, 0
}

var _ Analyzer = (*LocalAnalyzer)(nil)

// SpeechDuration reports voiced audio seen in the current turn.
func (a *LocalAnalyzer) SpeechDuration() time.Duration { return a.speech }
