package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/memory"
	"github.com/ent0n29/voiceroom/internal/policy"
	"github.com/ent0n29/voiceroom/internal/protocol"
	"github.com/ent0n29/voiceroom/internal/vad"
)

// Transport is one participant's room connection as seen by a session.
type Transport interface {
	// Frames delivers microphone audio. A closed channel counts as a
	// disconnect, as does Done.
	Frames() <-chan audio.Frame
	PublishAudio(ctx context.Context, frame audio.Frame) error
	// ClearAudio discards agent audio queued but not yet played.
	ClearAudio(ctx context.Context) error
	// SendEvent delivers a best-effort UI event.
	SendEvent(ctx context.Context, msg any) error
	Done() <-chan struct{}
}

type speakPurpose int

const (
	purposeResponse speakPurpose = iota
	purposeGreeting
	purposeApology
)

// invocation is one in-flight stage call owned by the session goroutine.
type invocation struct {
	kind    StageKind
	gen     uint64
	cancel  context.CancelFunc
	started time.Time

	segment vad.Segment

	utterance Utterance
	purpose   speakPurpose
	published atomic.Int64
	playStart atomic.Int64
}

// heard estimates how much of the published audio the listener has heard.
func (inv *invocation) heard() time.Duration {
	published := time.Duration(inv.published.Load())
	start := inv.playStart.Load()
	if start == 0 {
		return 0
	}
	elapsed := time.Since(time.Unix(0, start))
	if elapsed < published {
		return elapsed
	}
	return published
}

type stageResult struct {
	kind       StageKind
	gen        uint64
	text       string
	err        error
	firstAudio bool
	played     time.Duration
}

// Session is one live conversation. All conversational state is owned by
// the run goroutine; exported methods are safe for concurrent use.
type Session struct {
	id           string
	agent        AgentConfig
	instructions string
	orch         *Orchestrator
	room         Transport
	detector     *vad.Detector
	clockStart   time.Time
	history      History

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Value
	replies chan string
	results chan stageResult

	inflight      map[StageKind]*invocation
	gen           uint64
	failures      int
	carry         vad.Segment
	speechEndedAt time.Time
	fatal         error

	// playMu serialises publishing against barge-in so no frame of a
	// cancelled synthesis reaches the room after ClearAudio.
	playMu sync.Mutex

	done chan struct{}
	err  error
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() Mode { return s.agent.Mode }

func (s *Session) State() State {
	return s.state.Load().(State)
}

// History returns a snapshot of the conversation so far.
func (s *Session) History() []Utterance {
	return s.history.Snapshot()
}

// Done is closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session stops and returns the cause.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Close stops the session. Wait then returns context.Canceled.
func (s *Session) Close() {
	s.cancel()
}

// GenerateReply asks the assistant to speak without waiting for user input.
// It is honoured while the session is idle or listening.
func (s *Session) GenerateReply(ctx context.Context, instructions string) error {
	select {
	case <-s.done:
		return ErrTransportDisconnected
	default:
	}
	select {
	case s.replies <- instructions:
		return nil
	case <-s.done:
		return ErrTransportDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	var err error
	if s.agent.Mode == ModeRealtime {
		err = s.runRealtime()
	} else {
		err = s.runPipeline()
	}
	for kind := range s.inflight {
		s.cancelStage(kind)
	}
	s.cancel()
	s.setState(StateClosed)
	s.err = err

	reason := closeReason(err)
	if s.orch.opts.Sessions != nil {
		_, _ = s.orch.opts.Sessions.End(s.id, reason)
	}
	s.orch.forget(s)
	s.orch.opts.Metrics.SessionEvent("closed_" + reason)
	log.Printf("[voice] session %s closed: %v", s.id, err)
	close(s.done)
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrRepeatedStageFailure):
		return "repeated_stage_failure"
	case errors.Is(err, ErrTransportDisconnected):
		return "transport_disconnected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (s *Session) runPipeline() error {
	frames := s.room.Frames()
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
			s.handleFrame(f)
		case instructions := <-s.replies:
			s.generateReply(instructions)
		case res := <-s.results:
			s.handleResult(res)
		}
	}
	return s.fatal
}

func (s *Session) handleFrame(f audio.Frame) {
	ev := s.detector.Push(f)
	switch ev.Type {
	case vad.EventSpeechStarted:
		s.onSpeechStarted()
	case vad.EventSpeechEnded:
		s.onSpeechEnded(ev.Segment)
	}
}

func (s *Session) onSpeechStarted() {
	s.touch()
	switch st := s.State(); {
	case st.assistantActive():
		s.bargeIn()
	case st == StateGreeting || st == StateReasoning:
		s.cancelStage(StageReasoning)
		s.setState(StateListening)
	case st == StateTranscribing:
		if inv := s.inflight[StageSpeech]; inv != nil {
			s.carry = inv.segment
			s.cancelStage(StageSpeech)
			s.setState(StateListening)
		}
	}
}

func (s *Session) onSpeechEnded(seg vad.Segment) {
	switch s.State() {
	case StateIdle, StateListening, StateTranscribing:
	default:
		return
	}
	seg = s.carry.Merge(seg)
	s.carry = vad.Segment{}
	s.speechEndedAt = time.Now()
	s.setState(StateTranscribing)
	s.launch(&invocation{kind: StageSpeech, segment: seg}, s.orch.opts.Timeouts.Speech, s.transcribe)
}

// bargeIn stops assistant audio the moment user speech is detected.
func (s *Session) bargeIn() {
	inv := s.inflight[StageSynthesis]
	if inv == nil {
		return
	}
	heard := inv.heard()
	s.cancelStage(StageSynthesis)
	// Wait out a publish already in progress.
	s.playMu.Lock()
	s.playMu.Unlock() //nolint:staticcheck
	if err := s.room.ClearAudio(s.ctx); err != nil {
		s.orch.opts.Metrics.SessionEvent("clear_audio_failed")
	}
	s.settleUnheard(inv, heard)

	s.orch.opts.Metrics.BargeIn()
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.Interrupt(s.id)
	}
	s.setState(StateInterrupted)
	s.setState(StateTranscribing)
}

// settleUnheard rewrites the history entry of a cut-off assistant utterance
// to the part the listener heard, or drops it when nothing was heard.
func (s *Session) settleUnheard(inv *invocation, heard time.Duration) {
	cut, ok := truncateHeard(inv.utterance, heard)
	if !ok {
		s.history.Remove(inv.utterance.ID)
		s.emit(protocol.Transcript{
			Type:      protocol.TypeTranscript,
			SessionID: s.id,
			ID:        inv.utterance.ID,
			Speaker:   string(SpeakerAssistant),
			Removed:   true,
		})
		return
	}
	s.history.Replace(cut)
	s.emitTranscript(cut)
	s.persist(cut)
}

func (s *Session) generateReply(instructions string) {
	switch s.State() {
	case StateIdle, StateListening:
	default:
		s.orch.opts.Metrics.SessionEvent("reply_request_ignored")
		return
	}
	directive := strings.TrimSpace(instructions)
	if directive == "" {
		directive = s.agent.GreetingInstructions
	}
	s.reason(nil, s.instructions+"\n\n"+directive)
}

func (s *Session) reason(user *Utterance, instructions string) {
	if user == nil {
		s.setState(StateGreeting)
	} else {
		s.setState(StateReasoning)
	}
	history := s.history.Snapshot()
	s.launch(&invocation{kind: StageReasoning}, s.orch.opts.Timeouts.Reasoning, func(ctx context.Context, _ *invocation) stageResult {
		text, err := s.orch.opts.Stages.Reasoning.Respond(ctx, history, user, instructions)
		return stageResult{text: text, err: err}
	})
}

func (s *Session) speak(u Utterance, purpose speakPurpose) {
	s.setState(StateSynthesizing)
	s.launch(&invocation{kind: StageSynthesis, utterance: u, purpose: purpose}, 0, s.synthesize)
}

// launch starts inv on its own goroutine, cancelling any earlier
// invocation of the same stage. A zero timeout leaves the deadline to run.
func (s *Session) launch(inv *invocation, timeout time.Duration, run func(context.Context, *invocation) stageResult) {
	if prev := s.inflight[inv.kind]; prev != nil {
		prev.cancel()
	}
	s.gen++
	inv.gen = s.gen
	inv.started = time.Now()

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	inv.cancel = cancel
	s.inflight[inv.kind] = inv

	ctx, span := s.orch.opts.Tracer.Start(ctx, "voice."+string(inv.kind), trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int64("invocation.gen", int64(inv.gen)),
	))
	go func() {
		defer cancel()
		res := run(ctx, inv)
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
		res.kind, res.gen = inv.kind, inv.gen
		s.deliver(res)
	}()
}

func (s *Session) deliver(res stageResult) {
	select {
	case s.results <- res:
	case <-s.ctx.Done():
	}
}

func (s *Session) cancelStage(kind StageKind) {
	if inv := s.inflight[kind]; inv != nil {
		inv.cancel()
		delete(s.inflight, kind)
	}
}

func (s *Session) handleResult(res stageResult) {
	inv := s.inflight[res.kind]
	if inv == nil || inv.gen != res.gen {
		s.orch.opts.Metrics.SessionEvent("stale_result_discarded")
		return
	}
	if res.firstAudio {
		s.onFirstAudio(inv)
		return
	}
	delete(s.inflight, res.kind)
	inv.cancel()

	outcome := "ok"
	if res.err != nil {
		outcome = "error"
	}
	s.orch.opts.Metrics.ObserveStage(string(res.kind), outcome, time.Since(inv.started))

	switch res.kind {
	case StageSpeech:
		s.onTranscribed(inv, res)
	case StageReasoning:
		s.onReasoned(res)
	case StageSynthesis:
		s.onSpoken(inv, res)
	}
}

func (s *Session) onTranscribed(inv *invocation, res stageResult) {
	if res.err != nil {
		s.fail(StageSpeech, res.err)
		return
	}
	text := strings.TrimSpace(res.text)
	if text == "" {
		s.orch.opts.Metrics.SessionEvent("empty_transcript")
		s.setState(StateListening)
		return
	}
	u := newUtterance(SpeakerUser, text, inv.segment.Start, inv.segment.End)
	s.history.Append(u)
	s.emitTranscript(u)
	s.persist(u)
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.RecordTurn(s.id)
	}
	s.reason(&u, s.instructions)
}

func (s *Session) onReasoned(res stageResult) {
	purpose := purposeResponse
	if s.State() == StateGreeting {
		purpose = purposeGreeting
	}
	if res.err != nil {
		s.fail(StageReasoning, res.err)
		return
	}
	text := strings.TrimSpace(res.text)
	if text == "" {
		s.fail(StageReasoning, errors.New("empty response"))
		return
	}
	now := s.clock()
	u := newUtterance(SpeakerAssistant, text, now, now)
	s.history.Append(u)
	s.emitTranscript(u)
	s.speak(u, purpose)
}

func (s *Session) onFirstAudio(inv *invocation) {
	s.setState(StateSpeaking)
	if inv.purpose == purposeApology {
		return
	}
	s.failures = 0
	if inv.purpose == purposeResponse && !s.speechEndedAt.IsZero() {
		s.orch.opts.Metrics.ObserveFirstAudioLatency(time.Since(s.speechEndedAt))
	}
	s.orch.opts.Metrics.ObserveStage("synthesis_first_audio", "ok", time.Since(inv.started))
}

func (s *Session) onSpoken(inv *invocation, res stageResult) {
	if res.err != nil {
		if errors.Is(res.err, ErrTransportDisconnected) {
			s.fatal = res.err
			return
		}
		s.settleUnheard(inv, inv.heard())
		s.fail(StageSynthesis, res.err)
		return
	}
	if res.played == 0 {
		s.history.Remove(inv.utterance.ID)
	} else {
		u := inv.utterance
		u.End = u.Start + res.played
		s.history.Replace(u)
		s.persist(u)
	}
	s.setState(StateListening)
}

// fail applies the failure policy: apologise and keep listening, or close
// the session once failures repeat.
func (s *Session) fail(kind StageKind, err error) {
	se := newStageError(kind, err)
	s.failures++
	s.orch.opts.Metrics.StageFailure(string(kind), se.Retryable)
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.RecordFailure(s.id)
	}
	log.Printf("[voice] session %s: %v (consecutive=%d)", s.id, se, s.failures)
	s.emit(protocol.ErrorEvent{
		Type:      protocol.TypeError,
		Code:      "stage_failed",
		Source:    string(kind),
		Retryable: se.Retryable,
		Detail:    se.Error(),
	})

	if s.failures >= maxConsecutiveFailures {
		s.fatal = fmt.Errorf("%w: %w", ErrRepeatedStageFailure, se)
		return
	}
	now := s.clock()
	u := newUtterance(SpeakerAssistant, s.agent.FallbackPhrase, now, now)
	s.history.Append(u)
	s.emitTranscript(u)
	s.speak(u, purposeApology)
}

func (s *Session) transcribe(ctx context.Context, inv *invocation) stageResult {
	var prior string
	if last, ok := s.history.LastFrom(SpeakerAssistant); ok {
		prior = last.Text
	}
	text, err := s.orch.opts.Stages.Speech.Transcribe(ctx, inv.segment, prior)
	return stageResult{text: text, err: err}
}

// synthesize streams audio for inv.utterance into the room. The upstream
// must produce each frame within the synthesis timeout.
func (s *Session) synthesize(ctx context.Context, inv *invocation) stageResult {
	text := sanitizeForSpeech(inv.utterance.Text)
	if text == "" {
		return stageResult{}
	}
	timeout := s.orch.opts.Timeouts.Synthesis
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()
	stallErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("no audio within %s: %w", timeout, context.DeadlineExceeded)
		}
		return err
	}

	stream, err := s.orch.opts.Stages.Synthesis.Synthesize(reqCtx, text, s.agent.Voice)
	if err != nil {
		return stageResult{err: stallErr(err)}
	}
	defer stream.Close()

	var played time.Duration
	for {
		f, err := stream.Next(reqCtx)
		if errors.Is(err, io.EOF) {
			return stageResult{played: played}
		}
		if err != nil {
			return stageResult{err: stallErr(err), played: played}
		}
		watchdog.Stop()
		if err := s.play(ctx, inv, f); err != nil {
			return stageResult{err: err, played: played}
		}
		watchdog.Reset(timeout)
		played += f.Duration()
	}
}

func (s *Session) play(ctx context.Context, inv *invocation, f audio.Frame) error {
	s.playMu.Lock()
	if err := ctx.Err(); err != nil {
		s.playMu.Unlock()
		return err
	}
	err := s.room.PublishAudio(ctx, f)
	s.playMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}

	published := time.Duration(inv.published.Add(int64(f.Duration())))
	if inv.playStart.Load() == 0 {
		inv.playStart.Store(time.Now().UnixNano())
		s.deliver(stageResult{kind: inv.kind, gen: inv.gen, firstAudio: true})
	}
	if !s.orch.opts.Pacing {
		return nil
	}
	ahead := published - time.Since(time.Unix(0, inv.playStart.Load())) - playoutLead
	if ahead <= 0 {
		return nil
	}
	t := time.NewTimer(ahead)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(next State) {
	prev := s.State()
	if prev == next {
		return
	}
	if !prev.canTransition(next) {
		log.Printf("[voice] session %s: unexpected transition %s -> %s", s.id, prev, next)
		s.orch.opts.Metrics.SessionEvent("unexpected_transition")
	}
	s.state.Store(next)
	s.orch.opts.Metrics.StateTransition(string(prev), string(next))
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.SetState(s.id, string(next))
	}
	if hook := s.orch.opts.OnStateChange; hook != nil {
		hook(s.id, prev, next)
	}
	s.emit(protocol.AgentState{Type: protocol.TypeAgentState, SessionID: s.id, State: string(next)})
}

func (s *Session) emitTranscript(u Utterance) {
	s.emit(protocol.Transcript{
		Type:        protocol.TypeTranscript,
		SessionID:   s.id,
		ID:          u.ID,
		Speaker:     string(u.Speaker),
		Text:        u.Text,
		Interrupted: u.Interrupted,
	})
}

func (s *Session) emit(msg any) {
	if err := s.room.SendEvent(s.ctx, msg); err != nil {
		s.orch.opts.Metrics.SessionEvent("event_dropped")
	}
}

// persist stores a redacted copy of u without blocking the session.
func (s *Session) persist(u Utterance) {
	store := s.orch.opts.Store
	if store == nil || u.Text == "" {
		return
	}
	text, redacted := policy.RedactPII(u.Text)
	entry := memory.Entry{
		ID:          u.ID,
		SessionID:   s.id,
		Room:        s.agent.Room,
		Identity:    s.agent.Identity,
		Speaker:     string(u.Speaker),
		Text:        text,
		Interrupted: u.Interrupted,
		PIIRedacted: redacted,
		StartMS:     u.Start.Milliseconds(),
		EndMS:       u.End.Milliseconds(),
		CreatedAt:   u.CreatedAt,
	}
	metrics := s.orch.opts.Metrics
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.Append(ctx, entry); err != nil {
			metrics.SessionEvent("transcript_save_failed")
		}
	}()
}

func (s *Session) touch() {
	if s.orch.opts.Sessions != nil {
		_ = s.orch.opts.Sessions.Touch(s.id)
	}
}

// clock is the offset from session start.
func (s *Session) clock() time.Duration {
	return time.Since(s.clockStart)
}
