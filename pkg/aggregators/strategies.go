// Package aggregators maintains the conversation context on both sides of
// an LLM: the user aggregator decides when a user turn starts and ends and
// sends the context to the LLM, the assistant aggregator records replies
// and tool results.
package aggregators

import (
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/turn"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/vad"
)

// DefaultUserTurnStopTimeout forces the end of a turn when no stop strategy
// fired after the user went quiet.
const DefaultUserTurnStopTimeout = 5 * time.Second

// StartStrategy decides when a user turn starts.
type StartStrategy interface {
	startStrategy()
}

// StopStrategy decides when a user turn ends.
type StopStrategy interface {
	stopStrategy()
}

// VADStart starts a turn when voice activity begins.
type VADStart struct{}

// TranscriptionStart starts a turn when a transcript arrives, optionally
// on interim results.
type TranscriptionStart struct {
	UseInterim bool
}

// VADStop ends a turn when voice activity stops.
type VADStop struct{}

// TurnAnalyzerStop ends a turn when the analyzer reports the user is done.
type TurnAnalyzerStop struct {
	Analyzer turn.Analyzer
}

func (VADStart) startStrategy()           {}
func (TranscriptionStart) startStrategy() {}
func (VADStop) stopStrategy()             {}
func (TurnAnalyzerStop) stopStrategy()    {}

// TurnStrategies groups start and stop strategies. External strategies
// leave turn detection to a downstream service.
type TurnStrategies struct {
	Start    []StartStrategy
	Stop     []StopStrategy
	External bool
}

// DefaultTurnStrategies starts on VAD or transcription and stops on VAD.
func DefaultTurnStrategies() TurnStrategies {
	return TurnStrategies{
		Start: []StartStrategy{VADStart{}, TranscriptionStart{}},
		Stop:  []StopStrategy{VADStop{}},
	}
}

// ExternalTurnStrategies defers turn detection to the service that owns
// the audio, such as a realtime speech-to-speech API.
func ExternalTurnStrategies() TurnStrategies {
	return TurnStrategies{External: true}
}

func (s TurnStrategies) vadStart() bool {
	for _, st := range s.Start {
		if _, ok := st.(VADStart); ok {
			return true
		}
	}
	return false
}

func (s TurnStrategies) transcriptionStart() (TranscriptionStart, bool) {
	for _, st := range s.Start {
		if ts, ok := st.(TranscriptionStart); ok {
			return ts, true
		}
	}
	return TranscriptionStart{}, false
}

func (s TurnStrategies) turnAnalyzer() turn.Analyzer {
	for _, st := range s.Stop {
		if ta, ok := st.(TurnAnalyzerStop); ok && ta.Analyzer != nil {
			return ta.Analyzer
		}
	}
	return nil
}

// UserParams configures the user aggregator.
type UserParams struct {
	VADAnalyzer         vad.Analyzer
	Strategies          *TurnStrategies
	UserTurnStopTimeout time.Duration
}

func (p UserParams) strategies() TurnStrategies {
	if p.Strategies == nil {
		return DefaultTurnStrategies()
	}
	return *p.Strategies
}

func (p UserParams) stopTimeout() time.Duration {
	if p.UserTurnStopTimeout <= 0 {
		return DefaultUserTurnStopTimeout
	}
	return p.UserTurnStopTimeout
}
