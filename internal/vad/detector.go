package vad

import (
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
)

// EventType is the kind of edge a Detector reports.
type EventType int

const (
	EventNone EventType = iota
	EventSpeechStarted
	EventSpeechEnded
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// Segment is a contiguous span of user audio bounded by a start and an end
// edge. Offsets are relative to the first frame the detector saw.
type Segment struct {
	Frames []audio.Frame
	Start  time.Duration
	End    time.Duration
}

// PCM returns the segment audio as one buffer.
func (s Segment) PCM() []byte {
	return audio.Concat(s.Frames)
}

// SampleRate returns the rate of the segment frames.
func (s Segment) SampleRate() int {
	if len(s.Frames) == 0 {
		return audio.DefaultSampleRate
	}
	return s.Frames[0].SampleRate
}

// Duration returns the total audio length of the segment.
func (s Segment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// Merge returns a segment holding s followed by next.
func (s Segment) Merge(next Segment) Segment {
	if len(s.Frames) == 0 {
		return next
	}
	frames := make([]audio.Frame, 0, len(s.Frames)+len(next.Frames))
	frames = append(frames, s.Frames...)
	frames = append(frames, next.Frames...)
	return Segment{Frames: frames, Start: s.Start, End: next.End}
}

// Event is the outcome of pushing one frame.
type Event struct {
	Type EventType
	// At is the detector clock when the edge fired.
	At time.Duration
	// Segment is set on EventSpeechEnded.
	Segment Segment
}

// Detector tracks speech edges for a single audio source. It is not safe
// for concurrent use.
type Detector struct {
	model *Model

	clock    time.Duration
	speaking bool

	voicedRun   time.Duration
	unvoicedRun time.Duration

	prefix    []audio.Frame
	prefixDur time.Duration

	segment    []audio.Frame
	segmentDur time.Duration
	segStart   time.Duration
}

// Speaking reports whether the detector is inside a speech segment.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Reset drops all buffered audio and edge state but keeps the clock.
func (d *Detector) Reset() {
	d.speaking = false
	d.voicedRun = 0
	d.unvoicedRun = 0
	d.prefix = nil
	d.prefixDur = 0
	d.segment = nil
	d.segmentDur = 0
}

// Push classifies one frame and reports at most one edge.
func (d *Detector) Push(f audio.Frame) Event {
	dur := f.Duration()
	d.clock += dur
	voiced := d.model.Voiced(f.Data)
	p := d.model.params

	if !d.speaking {
		d.keepPrefix(f, dur)
		if !voiced {
			d.voicedRun = 0
			return Event{}
		}
		d.voicedRun += dur
		if d.voicedRun < p.MinSpeech {
			return Event{}
		}
		d.speaking = true
		d.unvoicedRun = 0
		d.segment = d.prefix
		d.segmentDur = d.prefixDur
		d.segStart = d.clock - d.prefixDur
		d.prefix = nil
		d.prefixDur = 0
		return Event{Type: EventSpeechStarted, At: d.clock}
	}

	d.segment = append(d.segment, f)
	d.segmentDur += dur
	if voiced {
		d.unvoicedRun = 0
	} else {
		d.unvoicedRun += dur
	}
	if d.unvoicedRun < p.MinSilence && d.segmentDur < p.MaxSegment {
		return Event{}
	}

	seg := Segment{Frames: d.segment, Start: d.segStart, End: d.clock}
	d.speaking = false
	d.voicedRun = 0
	d.unvoicedRun = 0
	d.segment = nil
	d.segmentDur = 0
	return Event{Type: EventSpeechEnded, At: d.clock, Segment: seg}
}

// keepPrefix retains the most recent audio so a segment includes the onset
// that preceded the start edge.
func (d *Detector) keepPrefix(f audio.Frame, dur time.Duration) {
	d.prefix = append(d.prefix, f)
	d.prefixDur += dur
	limit := d.model.params.PrefixPadding + d.model.params.MinSpeech
	for len(d.prefix) > 1 && d.prefixDur-d.prefix[0].Duration() >= limit {
		d.prefixDur -= d.prefix[0].Duration()
		d.prefix = d.prefix[1:]
	}
}
