package turn

import (
	"context"
	"testing"
	"time"
)

// ms returns n milliseconds of 16kHz PCM16 audio.
func ms(n int) []byte {
	return make([]byte, n*16*2)
}

func TestLocalAnalyzer(t *testing.T) {
	ctx := context.Background()
	a := NewLocalAnalyzer(LocalParams{MinSpeech: 200 * time.Millisecond, MinSilence: 100 * time.Millisecond})
	a.SetSampleRate(16000)

	a.AppendAudio(ms(100), true)
	a.AppendAudio(ms(200), false)
	if st, _ := a.AnalyzeEndOfTurn(ctx); st != Incomplete {
		t.Errorf("short speech: state = %v, want incomplete", st)
	}

	a.AppendAudio(ms(150), true)
	if a.SpeechDuration() != 250*time.Millisecond {
		t.Fatalf("SpeechDuration = %v", a.SpeechDuration())
	}
	if st, _ := a.AnalyzeEndOfTurn(ctx); st != Incomplete {
		t.Errorf("no trailing silence: state = %v, want incomplete", st)
	}

	a.AppendAudio(ms(100), false)
	if st, _ := a.AnalyzeEndOfTurn(ctx); st != Complete {
		t.Errorf("state = %v, want complete", st)
	}

	a.Clear()
	if st, _ := a.AnalyzeEndOfTurn(ctx); st != Incomplete {
		t.Errorf("after Clear: state = %v", st)
	}
}

func TestLeadingSilenceIgnored(t *testing.T) {
	a := NewLocalAnalyzer(LocalParams{})
	a.AppendAudio(ms(500), false)
	a.AppendAudio(ms(400), true)
	if st, _ := a.AnalyzeEndOfTurn(context.Background()); st != Incomplete {
		t.Errorf("state = %v, want incomplete without trailing silence", st)
	}
	a.AppendAudio(ms(200), false)
	if st, _ := a.AnalyzeEndOfTurn(context.Background()); st != Complete {
		t.Errorf("state = %v, want complete after trailing silence", st)
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocalAnalyzer(LocalParams{}).AnalyzeEndOfTurn(ctx); err == nil {
		t.Error("expected context error")
	}
}
