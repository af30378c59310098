package voice

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Utterance is one entry in a conversation. Values are never mutated after
// they are appended; corrections replace the entry with a new value.
type Utterance struct {
	ID          string
	Speaker     Speaker
	Text        string
	Start       time.Duration
	End         time.Duration
	Interrupted bool
	CreatedAt   time.Time
}

func newUtterance(speaker Speaker, text string, start, end time.Duration) Utterance {
	return Utterance{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Text:      text,
		Start:     start,
		End:       end,
		CreatedAt: time.Now().UTC(),
	}
}

// History is the ordered conversation of one session. The session goroutine
// is the only writer; readers take snapshots.
type History struct {
	mu    sync.RWMutex
	items []Utterance
}

func (h *History) Append(u Utterance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, u)
}

// Snapshot returns a copy safe to hand to another goroutine.
func (h *History) Snapshot() []Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Utterance, len(h.items))
	copy(out, h.items)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

func (h *History) Last() (Utterance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		return Utterance{}, false
	}
	return h.items[len(h.items)-1], true
}

// LastFrom returns the most recent utterance by speaker.
func (h *History) LastFrom(speaker Speaker) (Utterance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].Speaker == speaker {
			return h.items[i], true
		}
	}
	return Utterance{}, false
}

// Replace swaps the entry with u.ID for u.
func (h *History) Replace(u Utterance) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		if h.items[i].ID == u.ID {
			h.items[i] = u
			return true
		}
	}
	return false
}

func (h *History) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		if h.items[i].ID == id {
			h.items = append(h.items[:i], h.items[i+1:]...)
			return true
		}
	}
	return false
}

// spokenCharsPerSecond approximates how much text a listener has heard.
const spokenCharsPerSecond = 15

// truncateHeard returns the part of u a listener heard after played of
// playout. The result keeps u.ID and is marked Interrupted. ok is false
// when nothing was heard and the utterance should be dropped.
func truncateHeard(u Utterance, played time.Duration) (out Utterance, ok bool) {
	if played <= 0 {
		return Utterance{}, false
	}
	out = u
	out.Interrupted = true
	out.End = u.Start + played

	keep := int(played.Seconds() * spokenCharsPerSecond)
	if keep < 1 {
		keep = 1
	}
	if keep >= utf8.RuneCountInString(u.Text) {
		return out, true
	}
	runes := []rune(u.Text)
	prefix := runes[:keep]
	if !unicode.IsSpace(runes[keep]) {
		// Back up to the last complete word; keep the first word whole
		// if the cut falls inside it.
		if i := lastSpace(prefix); i > 0 {
			prefix = prefix[:i]
		} else if j := firstSpace(runes); j > 0 {
			prefix = runes[:j]
		} else {
			prefix = runes
		}
	}
	out.Text = strings.TrimRightFunc(string(prefix), func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	return out, true
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}

func firstSpace(rs []rune) int {
	for i, r := range rs {
		if unicode.IsSpace(r) {
			return i
		}
	}
	return -1
}
