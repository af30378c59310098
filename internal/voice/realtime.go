package voice

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/reliability"
)

const (
	realtimeReconnectBase = 250 * time.Millisecond
	realtimeReconnectCap  = 2 * time.Second
)

var errRealtimeClosed = errors.New("realtime session closed by upstream")

// runRealtime forwards audio between the room and a realtime stage. The
// stage owns turn detection and barge-in; the session mirrors its events.
func (s *Session) runRealtime() error {
	rt, err := s.connectRealtime()
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	frames := s.room.Frames()
	out := rt.Audio()
	events := rt.Events()
	for s.fatal == nil {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-s.room.Done():
			return ErrTransportDisconnected
		case f, ok := <-frames:
			if !ok {
				return ErrTransportDisconnected
			}
			if err := rt.SendAudio(s.ctx, f); err != nil {
				rt, err = s.reconnectRealtime(rt, err)
				if err != nil {
					return err
				}
				out, events = rt.Audio(), rt.Events()
			}
		case instructions := <-s.replies:
			s.realtimeReply(rt, instructions)
		case f, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			s.setState(StateStreaming)
			if err := s.room.PublishAudio(s.ctx, f); err != nil {
				if s.ctx.Err() != nil {
					return s.ctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
			}
		case ev, ok := <-events:
			if !ok {
				rt, err = s.reconnectRealtime(rt, errRealtimeClosed)
				if err != nil {
					return err
				}
				out, events = rt.Audio(), rt.Events()
				continue
			}
			s.handleRealtimeEvent(ev, out)
		}
	}
	return s.fatal
}

func (s *Session) connectRealtime() (RealtimeSession, error) {
	opts := RealtimeOptions{
		Instructions:    s.instructions,
		Voice:           s.agent.RealtimeVoice,
		Model:           s.agent.RealtimeModel,
		InputSampleRate: audio.DefaultSampleRate,
	}
	ctx, span := s.orch.opts.Tracer.Start(s.ctx, "voice.realtime.connect")
	defer span.End()
	started := time.Now()
	rt, err := s.orch.opts.Stages.Realtime.Connect(ctx, opts)
	if err != nil {
		span.RecordError(err)
		s.orch.opts.Metrics.ObserveStage(string(StageRealtime), "error", time.Since(started))
		return nil, err
	}
	s.orch.opts.Metrics.ObserveStage(string(StageRealtime), "ok", time.Since(started))
	return rt, nil
}

// reconnectRealtime counts a dead upstream as a stage failure and dials
// again unless failures have repeated.
func (s *Session) reconnectRealtime(old RealtimeSession, cause error) (RealtimeSession, error) {
	_ = old.Close()
	for {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		if err := s.realtimeFailed(cause); err != nil {
			return nil, err
		}
		wait := reliability.ExponentialBackoff(s.failures-1, realtimeReconnectBase, realtimeReconnectCap)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		}
		rt, err := s.connectRealtime()
		if err == nil {
			s.orch.opts.Metrics.SessionEvent("realtime_reconnected")
			s.setState(StateStreaming)
			return rt, nil
		}
		cause = err
	}
}

// realtimeFailed records one failure and returns the fatal error once
// failures repeat.
func (s *Session) realtimeFailed(cause error) error {
	se := newStageError(StageRealtime, cause)
	s.failures++
	s.orch.opts.Metrics.StageFailure(string(StageRealtime), se.Retryable)
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.RecordFailure(s.id)
	}
	log.Printf("[voice] session %s: %v (consecutive=%d)", s.id, se, s.failures)
	if s.failures >= maxConsecutiveFailures {
		return fmt.Errorf("%w: %w", ErrRepeatedStageFailure, se)
	}
	return nil
}

func (s *Session) realtimeReply(rt RealtimeSession, instructions string) {
	switch s.State() {
	case StateIdle, StateStreaming:
	default:
		s.orch.opts.Metrics.SessionEvent("reply_request_ignored")
		return
	}
	directive := strings.TrimSpace(instructions)
	if directive == "" {
		directive = s.agent.GreetingInstructions
	}
	s.setState(StateGreeting)
	if err := rt.GenerateReply(s.ctx, directive); err != nil {
		if ferr := s.realtimeFailed(err); ferr != nil {
			s.fatal = ferr
			return
		}
		s.setState(StateStreaming)
	}
}

// handleRealtimeEvent mirrors one upstream event. out is the upstream audio
// channel, drained on barge-in so buffered frames of the cut response never
// reach the room.
func (s *Session) handleRealtimeEvent(ev RealtimeEvent, out <-chan audio.Frame) {
	switch ev.Type {
	case RealtimeTurnStarted:
		s.touch()
		s.stopRealtimePlayout(out)
		s.setState(StateStreaming)
	case RealtimeResponseStarted:
		s.setState(StateStreaming)
	case RealtimeInterrupted:
		s.stopRealtimePlayout(out)
		s.orch.opts.Metrics.BargeIn()
		if s.orch.opts.Sessions != nil {
			_ = s.orch.opts.Sessions.Interrupt(s.id)
		}
		s.setState(StateStreaming)
	case RealtimeTurnEnded:
		s.failures = 0
		s.setState(StateStreaming)
	case RealtimeTranscript:
		speaker := ev.Speaker
		if speaker == "" {
			speaker = SpeakerAssistant
		}
		now := s.clock()
		u := newUtterance(speaker, strings.TrimSpace(ev.Text), now, now)
		s.history.Append(u)
		s.emitTranscript(u)
		s.persist(u)
		if speaker == SpeakerUser && s.orch.opts.Sessions != nil {
			_ = s.orch.opts.Sessions.RecordTurn(s.id)
		}
	case RealtimeError:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("upstream error %q", ev.Code)
		}
		if ferr := s.realtimeFailed(&StageError{Stage: StageRealtime, Err: err, Retryable: ev.Retryable}); ferr != nil {
			s.fatal = ferr
		}
	}
}

// stopRealtimePlayout discards upstream audio already buffered for the room,
// then clears what the room has queued.
func (s *Session) stopRealtimePlayout(out <-chan audio.Frame) {
	if dropped := drainFrames(out); dropped > 0 {
		s.orch.opts.Metrics.SessionEvent("realtime_audio_discarded")
	}
	if err := s.room.ClearAudio(s.ctx); err != nil {
		s.orch.opts.Metrics.SessionEvent("clear_audio_failed")
	}
}

func drainFrames(ch <-chan audio.Frame) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
