package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/protocol"
)

func frame() audio.Frame {
	return audio.Frame{Data: audio.Silence(audio.DefaultSampleRate, 20*time.Millisecond), SampleRate: audio.DefaultSampleRate}
}

func TestJoinDispatchesOneJobPerRoom(t *testing.T) {
	var jobs []Job
	hub := NewHub(DispatcherFunc(func(job Job) error {
		jobs = append(jobs, job)
		return nil
	}), Options{})

	p, err := hub.Join("lobby", "user-1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].Room != "lobby" || jobs[0].Participant != p || jobs[0].ID == "" {
		t.Fatalf("jobs = %+v", jobs)
	}

	if _, err := hub.Join("lobby", "user-2"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("second Join() error = %v, want ErrRoomFull", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs after rejected join = %d, want 1", len(jobs))
	}

	p.Close()
	if got := hub.Rooms(); len(got) != 0 {
		t.Fatalf("Rooms() after Close = %v, want empty", got)
	}
	if _, err := hub.Join("lobby", "user-2"); err != nil {
		t.Fatalf("Join() after leave error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
}

func TestJoinFailsWhenDispatchFails(t *testing.T) {
	hub := NewHub(DispatcherFunc(func(Job) error { return errors.New("worker draining") }), Options{})
	if _, err := hub.Join("lobby", "user-1"); err == nil {
		t.Fatalf("Join() succeeded with a failing dispatcher")
	}
	if got := hub.Rooms(); len(got) != 0 {
		t.Fatalf("Rooms() = %v, want empty", got)
	}
}

func TestJoinRequiresNames(t *testing.T) {
	hub := NewHub(nil, Options{})
	if _, err := hub.Join(" ", "user"); err == nil {
		t.Fatalf("Join() with empty room succeeded")
	}
	if _, err := hub.Join("room", ""); err == nil {
		t.Fatalf("Join() with empty identity succeeded")
	}
}

func TestClearAudioDropsQueuedAudio(t *testing.T) {
	hub := NewHub(nil, Options{})
	p, err := hub.Join("lobby", "user-1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.PublishAudio(ctx, frame()); err != nil {
			t.Fatalf("PublishAudio() error = %v", err)
		}
	}
	if err := p.ClearAudio(ctx); err != nil {
		t.Fatalf("ClearAudio() error = %v", err)
	}
	if n := len(p.Audio()); n != 0 {
		t.Fatalf("queued audio after clear = %d, want 0", n)
	}
	select {
	case ev := <-p.Events():
		if _, ok := ev.(protocol.ClearAudio); !ok {
			t.Fatalf("event = %T, want protocol.ClearAudio", ev)
		}
	default:
		t.Fatalf("no clear_audio event queued")
	}
}

func TestSendEventDropsWhenFull(t *testing.T) {
	hub := NewHub(nil, Options{EventQueue: 1})
	p, _ := hub.Join("lobby", "user-1")
	ctx := context.Background()
	if err := p.SendEvent(ctx, "first"); err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}
	if err := p.SendEvent(ctx, "second"); !errors.Is(err, ErrEventDropped) {
		t.Fatalf("SendEvent() on full queue = %v, want ErrEventDropped", err)
	}
}

func TestClosedParticipantRejectsIO(t *testing.T) {
	hub := NewHub(nil, Options{AudioQueue: 1})
	p, _ := hub.Join("lobby", "user-1")
	ctx := context.Background()

	if err := p.PublishAudio(ctx, frame()); err != nil {
		t.Fatalf("PublishAudio() error = %v", err)
	}
	blocked := make(chan error, 1)
	go func() { blocked <- p.PublishAudio(ctx, frame()) }()
	time.Sleep(20 * time.Millisecond)
	p.Close()
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked PublishAudio() = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("PublishAudio() still blocked after Close")
	}

	if err := p.PushMic(ctx, frame()); !errors.Is(err, ErrClosed) {
		t.Fatalf("PushMic() after Close = %v, want ErrClosed", err)
	}
	if err := p.SendEvent(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendEvent() after Close = %v, want ErrClosed", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done() not closed")
	}
	p.Close()
}

func TestPushMicHonoursContext(t *testing.T) {
	hub := NewHub(nil, Options{MicQueue: 1})
	p, _ := hub.Join("lobby", "user-1")
	if err := p.PushMic(context.Background(), frame()); err != nil {
		t.Fatalf("PushMic() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.PushMic(ctx, frame()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PushMic() on full queue = %v, want deadline", err)
	}
	if got := <-p.Frames(); got.SampleRate != audio.DefaultSampleRate {
		t.Fatalf("frame = %+v", got)
	}
}
