package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voiceroom/internal/memory"
	"github.com/ent0n29/voiceroom/internal/observability"
	"github.com/ent0n29/voiceroom/internal/session"
	"github.com/ent0n29/voiceroom/internal/vad"
)

const (
	DefaultInstructions = "You are a friendly voice AI assistant. Keep your responses concise and conversational. " +
		"You are helpful, witty, and knowledgeable."
	DefaultGreetingInstructions = "Greet the user and offer your assistance."
	DefaultFallbackPhrase       = "Sorry, I ran into a problem. Could you say that again?"

	maxConsecutiveFailures = 2
	recallTimeout          = 500 * time.Millisecond
	persistTimeout         = 2 * time.Second
	playoutLead            = 200 * time.Millisecond
)

// AgentConfig describes the assistant a session runs.
type AgentConfig struct {
	Mode                 Mode
	Instructions         string
	GreetingInstructions string
	FallbackPhrase       string
	Voice                VoiceParams
	RealtimeModel        string
	RealtimeVoice        string
	Room                 string
	Identity             string
	// RecallTurns prepends that many earlier transcript lines for the same
	// identity to the instructions. Zero disables recall.
	RecallTurns int
}

// DefaultAgentConfig returns the stock assistant persona.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Mode:                 ModePipeline,
		Instructions:         DefaultInstructions,
		GreetingInstructions: DefaultGreetingInstructions,
		FallbackPhrase:       DefaultFallbackPhrase,
		Voice:                VoiceParams{Voice: "alloy", Model: "tts-1"},
		RealtimeVoice:        "coral",
	}
}

func (a AgentConfig) withDefaults() AgentConfig {
	def := DefaultAgentConfig()
	if a.Mode == "" {
		a.Mode = def.Mode
	}
	if strings.TrimSpace(a.Instructions) == "" {
		a.Instructions = def.Instructions
	}
	if strings.TrimSpace(a.GreetingInstructions) == "" {
		a.GreetingInstructions = def.GreetingInstructions
	}
	if strings.TrimSpace(a.FallbackPhrase) == "" {
		a.FallbackPhrase = def.FallbackPhrase
	}
	if a.Voice.Voice == "" {
		a.Voice.Voice = def.Voice.Voice
	}
	if a.RealtimeVoice == "" {
		a.RealtimeVoice = def.RealtimeVoice
	}
	return a
}

// StageTimeouts bound each stage invocation. Synthesis is bounded per
// upstream read so long answers can play out.
type StageTimeouts struct {
	Speech    time.Duration
	Reasoning time.Duration
	Synthesis time.Duration
}

func (t StageTimeouts) withDefaults() StageTimeouts {
	if t.Speech <= 0 {
		t.Speech = 15 * time.Second
	}
	if t.Reasoning <= 0 {
		t.Reasoning = 20 * time.Second
	}
	if t.Synthesis <= 0 {
		t.Synthesis = 30 * time.Second
	}
	return t
}

// Options wires an Orchestrator. Only Stages is required.
type Options struct {
	Stages   Stages
	Timeouts StageTimeouts
	// Pacing publishes synthesized audio in real time instead of as fast as
	// the upstream produces it.
	Pacing   bool
	Sessions *session.Manager
	Store    memory.Store
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
	// OnStateChange observes every transition. It runs on the session
	// goroutine and must not block.
	OnStateChange func(sessionID string, from, to State)
}

// Orchestrator starts voice sessions and tracks the live ones.
type Orchestrator struct {
	opts Options

	mu   sync.Mutex
	live map[string]*Session
}

func NewOrchestrator(opts Options) *Orchestrator {
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/ent0n29/voiceroom/internal/voice")
	}
	return &Orchestrator{
		opts: opts,
		live: make(map[string]*Session),
	}
}

// Start begins a session bound to room. The session runs until the room
// disconnects, ctx is cancelled, or repeated stage failures close it.
// Pipeline mode needs a loaded VAD model; realtime mode ignores it.
func (o *Orchestrator) Start(ctx context.Context, agent AgentConfig, room Transport, model *vad.Model) (*Session, error) {
	if room == nil {
		return nil, errors.New("room transport is required")
	}
	agent = agent.withDefaults()
	if err := o.opts.Stages.validate(agent.Mode); err != nil {
		return nil, err
	}
	if agent.Mode == ModePipeline && model == nil {
		return nil, errors.New("pipeline mode requires a loaded vad model")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         uuid.NewString(),
		agent:      agent,
		orch:       o,
		room:       room,
		ctx:        sessCtx,
		cancel:     cancel,
		clockStart: time.Now(),
		replies:    make(chan string, 1),
		results:    make(chan stageResult, 8),
		inflight:   make(map[StageKind]*invocation),
		done:       make(chan struct{}),
	}
	s.state.Store(StateIdle)
	if model != nil {
		s.detector = model.NewDetector()
	}
	s.instructions = o.recall(ctx, agent)

	if o.opts.Sessions != nil {
		o.opts.Sessions.Create(s.id, agent.Room, agent.Identity, string(agent.Mode))
	}
	o.mu.Lock()
	o.live[s.id] = s
	n := len(o.live)
	o.mu.Unlock()
	o.opts.Metrics.SessionEvent("started")
	o.opts.Metrics.SetActiveSessions(n)

	go s.run()
	return s, nil
}

// recall folds earlier transcript lines for the same identity into the
// instructions.
func (o *Orchestrator) recall(ctx context.Context, agent AgentConfig) string {
	if o.opts.Store == nil || agent.RecallTurns <= 0 || agent.Identity == "" {
		return agent.Instructions
	}
	rctx, cancel := context.WithTimeout(ctx, recallTimeout)
	defer cancel()
	entries, err := o.opts.Store.Recent(rctx, agent.Identity, agent.RecallTurns)
	if err != nil || len(entries) == 0 {
		if err != nil {
			o.opts.Metrics.SessionEvent("recall_failed")
		}
		return agent.Instructions
	}
	var b strings.Builder
	b.WriteString(agent.Instructions)
	b.WriteString("\n\nEarlier conversation with this user:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker, e.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Session returns a live session by id.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.live[id]
	return s, ok
}

// CloseSession stops a live session. It reports whether one was found.
func (o *Orchestrator) CloseSession(id string) bool {
	s, ok := o.Session(id)
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll stops every live session and waits for them to finish or ctx
// to expire.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.live))
	for _, s := range o.live {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

func (o *Orchestrator) forget(s *Session) {
	o.mu.Lock()
	delete(o.live, s.id)
	n := len(o.live)
	o.mu.Unlock()
	o.opts.Metrics.SetActiveSessions(n)
}
