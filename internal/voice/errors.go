package voice

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voiceroom/internal/reliability"
)

var (
	ErrTranscription = errors.New("transcription failed")
	ErrReasoning     = errors.New("reasoning failed")
	ErrSynthesis     = errors.New("synthesis failed")
	ErrRealtime      = errors.New("realtime stage failed")

	// ErrTransportDisconnected ends a session when the room connection is gone.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrRepeatedStageFailure ends a session after consecutive stage failures.
	ErrRepeatedStageFailure = errors.New("repeated stage failure")
)

type StageKind string

const (
	StageSpeech    StageKind = "speech"
	StageReasoning StageKind = "reasoning"
	StageSynthesis StageKind = "synthesis"
	StageRealtime  StageKind = "realtime"
)

func (k StageKind) sentinel() error {
	switch k {
	case StageSpeech:
		return ErrTranscription
	case StageReasoning:
		return ErrReasoning
	case StageSynthesis:
		return ErrSynthesis
	default:
		return ErrRealtime
	}
}

// StageError is a recoverable failure of one stage invocation. It matches
// both the stage sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage     StageKind
	Err       error
	Retryable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Stage.sentinel(), e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Stage.sentinel(), e.Err}
}

func newStageError(stage StageKind, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) && se.Stage == stage {
		return se
	}
	return &StageError{Stage: stage, Err: err, Retryable: isRetryable(err)}
}

// HTTPStatusError is returned by HTTP adapters for non-2xx responses.
type HTTPStatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

func isRetryable(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return reliability.IsRetryableHTTPStatus(httpErr.Status)
	}
	return reliability.IsRetryableError(err)
}
