package voice

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/vad"
)

const mockFrameDuration = 20 * time.Millisecond

// MockProvider implements every stage without network access. It is used
// when no provider key is configured and by tests.
type MockProvider struct {
	// CharsPerSecond sets how long synthesized audio lasts per character.
	CharsPerSecond float64
}

func NewMockProvider() *MockProvider {
	return &MockProvider{CharsPerSecond: spokenCharsPerSecond}
}

// Stages returns the provider bound to every stage slot.
func (p *MockProvider) Stages() Stages {
	return Stages{Speech: p, Reasoning: p, Synthesis: p, Realtime: p}
}

func (p *MockProvider) Transcribe(ctx context.Context, seg vad.Segment, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if seg.Duration() <= 0 {
		return "", nil
	}
	return fmt.Sprintf("simulated voice input (%d ms)", seg.Duration().Milliseconds()), nil
}

func (p *MockProvider) Respond(ctx context.Context, _ []Utterance, newUser *Utterance, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if newUser == nil {
		return "Hi there! How can I help you today?", nil
	}
	return "You said: " + newUser.Text, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text string, _ VoiceParams) (AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cps := p.CharsPerSecond
	if cps <= 0 {
		cps = spokenCharsPerSecond
	}
	total := time.Duration(float64(len([]rune(text))) / cps * float64(time.Second))
	return &toneStream{remaining: total, sampleRate: audio.SynthesisSampleRate}, nil
}

// toneStream produces a quiet tone lazily, one frame per Next.
type toneStream struct {
	mu         sync.Mutex
	remaining  time.Duration
	sampleRate int
	closed     bool
}

func (s *toneStream) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.remaining <= 0 {
		return audio.Frame{}, io.EOF
	}
	d := mockFrameDuration
	if s.remaining < d {
		d = s.remaining
	}
	s.remaining -= d
	return audio.Frame{Data: audio.Tone(s.sampleRate, d, 220, 0.2), SampleRate: s.sampleRate}, nil
}

func (s *toneStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (p *MockProvider) Connect(ctx context.Context, _ RealtimeOptions) (RealtimeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model, err := vad.Load(vad.DefaultParams())
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(context.Background())
	return &mockRealtimeSession{
		provider: p,
		detector: model.NewDetector(),
		ctx:      rctx,
		cancel:   cancel,
		audio:    make(chan audio.Frame, 256),
		events:   make(chan RealtimeEvent, 32),
	}, nil
}

// mockRealtimeSession detects user turns locally and answers each one with
// a fixed reply.
type mockRealtimeSession struct {
	provider *MockProvider
	detector *vad.Detector

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	respond   context.CancelFunc
	turn      int
	wg        sync.WaitGroup
	closed    bool
	closeOnce sync.Once

	audio  chan audio.Frame
	events chan RealtimeEvent
}

func (s *mockRealtimeSession) SendAudio(ctx context.Context, f audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	switch ev := s.detector.Push(f); ev.Type {
	case vad.EventSpeechStarted:
		if s.respond != nil {
			s.respond()
			s.respond = nil
			s.emitLocked(RealtimeEvent{Type: RealtimeInterrupted})
		}
		s.emitLocked(RealtimeEvent{Type: RealtimeTurnStarted})
	case vad.EventSpeechEnded:
		s.emitLocked(RealtimeEvent{
			Type:    RealtimeTranscript,
			Speaker: SpeakerUser,
			Text:    fmt.Sprintf("simulated voice input (%d ms)", ev.Segment.Duration().Milliseconds()),
		})
		s.startResponseLocked("I heard you.")
	}
	return nil
}

func (s *mockRealtimeSession) GenerateReply(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.startResponseLocked("Hi there! How can I help you today?")
	return nil
}

func (s *mockRealtimeSession) startResponseLocked(text string) {
	if s.respond != nil {
		s.respond()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.respond = cancel
	s.turn++
	turn := s.turn
	s.emitLocked(RealtimeEvent{Type: RealtimeResponseStarted})
	stream, _ := s.provider.Synthesize(ctx, text, VoiceParams{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stream.Close()
		for {
			f, err := stream.Next(ctx)
			if err != nil {
				break
			}
			select {
			case s.audio <- f:
			case <-ctx.Done():
				return
			}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil || s.closed {
			return
		}
		if s.turn == turn {
			s.respond = nil
		}
		s.emitLocked(RealtimeEvent{Type: RealtimeTranscript, Speaker: SpeakerAssistant, Text: text})
		s.emitLocked(RealtimeEvent{Type: RealtimeTurnEnded})
	}()
}

func (s *mockRealtimeSession) emitLocked(ev RealtimeEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockRealtimeSession) Audio() <-chan audio.Frame { return s.audio }

func (s *mockRealtimeSession) Events() <-chan RealtimeEvent { return s.events }

func (s *mockRealtimeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		close(s.audio)
		close(s.events)
	})
	return nil
}
