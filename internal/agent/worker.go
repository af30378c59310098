// Package agent runs voice agent jobs dispatched by the room hub.
//
// A Worker runs its setup function once at construction, before it accepts
// any job. Setup fills the process scratch space (Proc) with shared
// resources such as the loaded VAD model. Every dispatched job then runs the
// entrypoint on its own goroutine with access to that scratch space.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voiceroom/internal/room"
)

// ErrDraining is returned by Dispatch once Shutdown has begun.
var ErrDraining = errors.New("agent worker is shutting down")

// Proc is process-wide scratch space shared by every job.
type Proc struct {
	mu       sync.RWMutex
	userdata map[string]any
}

func NewProc() *Proc {
	return &Proc{userdata: make(map[string]any)}
}

func (p *Proc) Set(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userdata[key] = v
}

func (p *Proc) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.userdata[key]
	return v, ok
}

// SetupFunc prepares shared resources before the first job.
type SetupFunc func(proc *Proc) error

// JobContext is what an entrypoint receives for one job.
type JobContext struct {
	Job  room.Job
	Proc *Proc
}

// Entrypoint serves one job until it is done or ctx is cancelled.
type Entrypoint func(ctx context.Context, job *JobContext) error

// Worker runs entrypoints for dispatched jobs.
type Worker struct {
	proc  *Proc
	entry Entrypoint

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	draining bool
	running  map[string]struct{}
}

// NewWorker runs setup and returns a worker ready for Dispatch. Jobs run
// under ctx.
func NewWorker(ctx context.Context, setup SetupFunc, entry Entrypoint) (*Worker, error) {
	if entry == nil {
		return nil, errors.New("agent entrypoint is required")
	}
	proc := NewProc()
	if setup != nil {
		if err := setup(proc); err != nil {
			return nil, fmt.Errorf("agent setup: %w", err)
		}
	}
	wctx, cancel := context.WithCancel(ctx)
	return &Worker{
		proc:    proc,
		entry:   entry,
		ctx:     wctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}, nil
}

// Proc exposes the shared scratch space.
func (w *Worker) Proc() *Proc { return w.proc }

// Dispatch starts job on its own goroutine.
func (w *Worker) Dispatch(job room.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return ErrDraining
	}
	if _, dup := w.running[job.ID]; dup {
		return fmt.Errorf("job %s already running", job.ID)
	}
	w.running[job.ID] = struct{}{}
	jc := &JobContext{Job: job, Proc: w.proc}
	w.group.Go(func() error {
		defer w.finish(job.ID)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[agent] job %s panicked: %v", job.ID, r)
			}
		}()
		if err := w.entry(w.ctx, jc); err != nil {
			log.Printf("[agent] job %s (room %s) failed: %v", job.ID, job.Room, err)
			return nil
		}
		log.Printf("[agent] job %s (room %s) completed", job.ID, job.Room)
		return nil
	})
	return nil
}

func (w *Worker) finish(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
}

// Running reports how many jobs are in flight.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Shutdown stops accepting jobs, cancels running ones and waits for them to
// return or ctx to expire.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		_ = w.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
