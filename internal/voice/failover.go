package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ent0n29/voiceroom/internal/vad"
)

// NewFailoverStages builds pipeline stages that prefer primary and switch to
// fallback when a primary call fails. Each stage switches on its own: once
// its fallback succeeds it stays active until it fails, then primary is
// retried. Caller cancellation never triggers a switch.
func NewFailoverStages(primary, fallback Stages, fallbackVoice VoiceParams) Stages {
	return Stages{
		Speech:    &failoverSpeech{state: &failoverState{}, primary: primary.Speech, fallback: fallback.Speech},
		Reasoning: &failoverReasoning{state: &failoverState{}, primary: primary.Reasoning, fallback: fallback.Reasoning},
		Synthesis: &failoverSynthesis{
			state:         &failoverState{},
			primary:       primary.Synthesis,
			fallback:      fallback.Synthesis,
			fallbackVoice: fallbackVoice,
		},
		Realtime: primary.Realtime,
	}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

// failover runs call against the active backend first and the other one
// second, flipping the active backend on a switch.
func failover[T any](ctx context.Context, state *failoverState, stage StageKind, primary, fallback func() (T, error)) (T, error) {
	first, second := primary, fallback
	firstName, secondName := "primary", "fallback"
	if state.fallbackActive.Load() {
		first, second = fallback, primary
		firstName, secondName = secondName, firstName
	}
	out, firstErr := first()
	if firstErr == nil {
		return out, nil
	}
	if ctx.Err() != nil || errors.Is(firstErr, context.Canceled) {
		return out, firstErr
	}
	out, secondErr := second()
	if secondErr != nil {
		var zero T
		return zero, fmt.Errorf("%s %s failed: %v; %s %s failed: %w", stage, firstName, firstErr, stage, secondName, secondErr)
	}
	state.fallbackActive.Store(secondName == "fallback")
	return out, nil
}

type failoverSpeech struct {
	state    *failoverState
	primary  SpeechStage
	fallback SpeechStage
}

func (p *failoverSpeech) Transcribe(ctx context.Context, seg vad.Segment, priorContext string) (string, error) {
	return failover(ctx, p.state, StageSpeech,
		func() (string, error) { return p.primary.Transcribe(ctx, seg, priorContext) },
		func() (string, error) { return p.fallback.Transcribe(ctx, seg, priorContext) },
	)
}

type failoverReasoning struct {
	state    *failoverState
	primary  ReasoningStage
	fallback ReasoningStage
}

func (p *failoverReasoning) Respond(ctx context.Context, history []Utterance, newUser *Utterance, instructions string) (string, error) {
	return failover(ctx, p.state, StageReasoning,
		func() (string, error) { return p.primary.Respond(ctx, history, newUser, instructions) },
		func() (string, error) { return p.fallback.Respond(ctx, history, newUser, instructions) },
	)
}

type failoverSynthesis struct {
	state         *failoverState
	primary       SynthesisStage
	fallback      SynthesisStage
	fallbackVoice VoiceParams
}

func (p *failoverSynthesis) Synthesize(ctx context.Context, text string, params VoiceParams) (AudioStream, error) {
	fb := params
	if p.fallbackVoice.Voice != "" {
		fb.Voice = p.fallbackVoice.Voice
	}
	if p.fallbackVoice.Model != "" {
		fb.Model = p.fallbackVoice.Model
	}
	return failover(ctx, p.state, StageSynthesis,
		func() (AudioStream, error) { return p.primary.Synthesize(ctx, text, params) },
		func() (AudioStream, error) { return p.fallback.Synthesize(ctx, text, fb) },
	)
}
