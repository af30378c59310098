package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/vad"
)

// Mode selects how a session turns user audio into assistant audio.
type Mode string

const (
	// ModePipeline chains speech, reasoning and synthesis stages.
	ModePipeline Mode = "pipeline"
	// ModeRealtime delegates to a single speech-to-speech stage.
	ModeRealtime Mode = "realtime"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModePipeline:
		return ModePipeline, nil
	case ModeRealtime:
		return ModeRealtime, nil
	default:
		return "", fmt.Errorf("invalid agent mode %q (expected pipeline|realtime)", raw)
	}
}

// VoiceParams selects the synthesized voice.
type VoiceParams struct {
	Voice string
	Model string
	Speed float64
}

// SpeechStage turns a buffered user segment into text. priorContext is the
// last assistant utterance and may be used as a recognition hint.
type SpeechStage interface {
	Transcribe(ctx context.Context, seg vad.Segment, priorContext string) (string, error)
}

// ReasoningStage produces the next assistant utterance. newUser is nil for
// the opening greeting.
type ReasoningStage interface {
	Respond(ctx context.Context, history []Utterance, newUser *Utterance, instructions string) (string, error)
}

// SynthesisStage turns text into a lazily produced audio stream.
type SynthesisStage interface {
	Synthesize(ctx context.Context, text string, params VoiceParams) (AudioStream, error)
}

// AudioStream yields frames until io.EOF. It is not restartable.
type AudioStream interface {
	Next(ctx context.Context) (audio.Frame, error)
	Close() error
}

// RealtimeStage opens a bidirectional speech-to-speech session.
type RealtimeStage interface {
	Connect(ctx context.Context, opts RealtimeOptions) (RealtimeSession, error)
}

type RealtimeOptions struct {
	Instructions    string
	Voice           string
	Model           string
	InputSampleRate int
}

// RealtimeSession streams audio both ways. Audio and Events are closed
// when the upstream session ends.
type RealtimeSession interface {
	SendAudio(ctx context.Context, frame audio.Frame) error
	GenerateReply(ctx context.Context, instructions string) error
	Audio() <-chan audio.Frame
	Events() <-chan RealtimeEvent
	Close() error
}

type RealtimeEventType string

const (
	// RealtimeTurnStarted fires when the upstream detects user speech.
	RealtimeTurnStarted RealtimeEventType = "turn_started"
	// RealtimeResponseStarted fires when assistant output begins.
	RealtimeResponseStarted RealtimeEventType = "response_started"
	// RealtimeTurnEnded fires when an assistant response completes.
	RealtimeTurnEnded RealtimeEventType = "turn_ended"
	// RealtimeInterrupted fires when user speech cut an assistant response.
	RealtimeInterrupted RealtimeEventType = "interrupted"
	RealtimeTranscript  RealtimeEventType = "transcript"
	RealtimeError       RealtimeEventType = "error"
)

type RealtimeEvent struct {
	Type      RealtimeEventType
	Speaker   Speaker
	Text      string
	Code      string
	Retryable bool
	Err       error
}

// Stages bundles the adapters a session may use.
type Stages struct {
	Speech    SpeechStage
	Reasoning ReasoningStage
	Synthesis SynthesisStage
	Realtime  RealtimeStage
}

func (s Stages) validate(mode Mode) error {
	switch mode {
	case ModeRealtime:
		if s.Realtime == nil {
			return fmt.Errorf("realtime mode requires a realtime stage")
		}
	default:
		if s.Speech == nil || s.Reasoning == nil || s.Synthesis == nil {
			return fmt.Errorf("pipeline mode requires speech, reasoning and synthesis stages")
		}
	}
	return nil
}
