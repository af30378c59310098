package room

import (
	"context"
	"sync"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/protocol"
)

// Participant is one human connected to a room. The connection side pushes
// microphone audio and drains Audio and Events; the agent side consumes
// Frames and publishes through PublishAudio, ClearAudio and SendEvent.
type Participant struct {
	hub      *Hub
	room     string
	identity string

	mic      chan audio.Frame
	audioOut chan audio.Frame
	events   chan any

	// clearMu orders ClearAudio against PublishAudio.
	clearMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newParticipant(h *Hub, roomName, identity string, opts Options) *Participant {
	return &Participant{
		hub:      h,
		room:     roomName,
		identity: identity,
		mic:      make(chan audio.Frame, opts.MicQueue),
		audioOut: make(chan audio.Frame, opts.AudioQueue),
		events:   make(chan any, opts.EventQueue),
		done:     make(chan struct{}),
	}
}

func (p *Participant) Room() string { return p.room }

func (p *Participant) Identity() string { return p.identity }

// PushMic queues a microphone frame, waiting while the agent catches up.
func (p *Participant) PushMic(ctx context.Context, f audio.Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.mic <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames delivers microphone audio until Done is closed.
func (p *Participant) Frames() <-chan audio.Frame { return p.mic }

// PublishAudio queues agent audio for the participant. It blocks while the
// connection drains earlier frames.
func (p *Participant) PublishAudio(ctx context.Context, f audio.Frame) error {
	p.clearMu.Lock()
	defer p.clearMu.Unlock()
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.audioOut <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearAudio drops agent audio still queued here and tells the client to
// drop what it has buffered.
func (p *Participant) ClearAudio(ctx context.Context) error {
	p.clearMu.Lock()
	defer p.clearMu.Unlock()
	for drained := false; !drained; {
		select {
		case <-p.audioOut:
		default:
			drained = true
		}
	}
	select {
	case p.events <- protocol.ClearAudio{Type: protocol.TypeClearAudio}:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendEvent queues a UI event, dropping it when the queue is full.
func (p *Participant) SendEvent(_ context.Context, msg any) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.events <- msg:
		return nil
	default:
		return ErrEventDropped
	}
}

// Audio is the agent audio the connection must deliver.
func (p *Participant) Audio() <-chan audio.Frame { return p.audioOut }

// Events are control messages the connection must deliver.
func (p *Participant) Events() <-chan any { return p.events }

func (p *Participant) Done() <-chan struct{} { return p.done }

// Close disconnects the participant and frees its room.
func (p *Participant) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.hub.leave(p)
	})
}
