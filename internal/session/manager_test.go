package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("s1", "kitchen", "alice", "pipeline")

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Room != "kitchen" || got.Identity != "alice" || got.Status != StatusActive || got.State != "idle" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID, "transport_disconnected")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.State != "closed" {
		t.Fatalf("ended = %+v, want ended/closed", ended)
	}
	if ended.EndReason != "transport_disconnected" {
		t.Fatalf("EndReason = %q, want %q", ended.EndReason, "transport_disconnected")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerCounters(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("s1", "kitchen", "alice", "pipeline")
	if err := m.SetState(s.ID, "speaking"); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if err := m.Interrupt(s.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if err := m.RecordTurn(s.ID); err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}
	if err := m.RecordFailure(s.ID); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != "speaking" || got.InterruptionCount != 1 || got.TurnCount != 1 || got.FailureCount != 1 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if err := m.Interrupt("missing"); err != ErrNotFound {
		t.Fatalf("Interrupt(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	m := NewManager(time.Minute)
	m.Create("a", "r", "u1", "pipeline")
	time.Sleep(2 * time.Millisecond)
	m.Create("b", "r", "u2", "realtime")
	list := m.List()
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("List() = %+v, want b first", list)
	}
}

func TestManagerJanitorReportsInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("s1", "kitchen", "alice", "pipeline")

	var expired atomic.Int32
	m.SetExpireHook(func(got *Session) {
		if got.ID == s.ID {
			expired.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if expired.Load() == 0 {
		t.Fatalf("expire hook was not called")
	}
}

func TestManagerJanitorForgetsEndedSessions(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(20 * time.Millisecond)
	s := m.Create("s1", "kitchen", "alice", "pipeline")
	if _, err := m.End(s.ID, "closed"); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
