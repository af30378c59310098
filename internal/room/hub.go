// Package room is the in-process media room. Each room holds one human
// participant; joining dispatches an agent job for that participant.
package room

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrRoomFull is returned when a room already has a participant.
	ErrRoomFull = errors.New("room already has a participant")
	// ErrClosed is returned by a participant after it left its room.
	ErrClosed = errors.New("participant left the room")
	// ErrEventDropped is returned when the event queue is saturated.
	ErrEventDropped = errors.New("event queue full")
)

// Job asks an agent to serve the participant that opened a room.
type Job struct {
	ID          string
	Room        string
	Participant *Participant
}

// Dispatcher accepts jobs. Dispatch must not block on the job running.
type Dispatcher interface {
	Dispatch(job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(job Job) error

func (f DispatcherFunc) Dispatch(job Job) error { return f(job) }

// Options sizes participant queues.
type Options struct {
	MicQueue   int
	AudioQueue int
	EventQueue int
}

func (o Options) withDefaults() Options {
	if o.MicQueue <= 0 {
		o.MicQueue = 256
	}
	if o.AudioQueue <= 0 {
		o.AudioQueue = 64
	}
	if o.EventQueue <= 0 {
		o.EventQueue = 128
	}
	return o
}

// Hub tracks live rooms.
type Hub struct {
	opts       Options
	dispatcher Dispatcher

	mu    sync.Mutex
	rooms map[string]*Participant
}

func NewHub(dispatcher Dispatcher, opts Options) *Hub {
	return &Hub{
		opts:       opts.withDefaults(),
		dispatcher: dispatcher,
		rooms:      make(map[string]*Participant),
	}
}

// Join adds identity to roomName and dispatches an agent job for it.
func (h *Hub) Join(roomName, identity string) (*Participant, error) {
	roomName = strings.TrimSpace(roomName)
	identity = strings.TrimSpace(identity)
	if roomName == "" || identity == "" {
		return nil, errors.New("room and identity are required")
	}

	h.mu.Lock()
	if _, ok := h.rooms[roomName]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoomFull, roomName)
	}
	p := newParticipant(h, roomName, identity, h.opts)
	h.rooms[roomName] = p
	h.mu.Unlock()

	if h.dispatcher != nil {
		job := Job{ID: uuid.NewString(), Room: roomName, Participant: p}
		if err := h.dispatcher.Dispatch(job); err != nil {
			p.Close()
			return nil, fmt.Errorf("dispatch agent job: %w", err)
		}
		log.Printf("[room] %s: %s joined, job %s dispatched", roomName, identity, job.ID)
	}
	return p, nil
}

// leave removes p from its room if it still owns it.
func (h *Hub) leave(p *Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[p.room]; ok && cur == p {
		delete(h.rooms, p.room)
	}
}

// Rooms returns the names of rooms with a participant.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CloseAll disconnects every participant.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	ps := make([]*Participant, 0, len(h.rooms))
	for _, p := range h.rooms {
		ps = append(ps, p)
	}
	h.mu.Unlock()
	for _, p := range ps {
		p.Close()
	}
}
