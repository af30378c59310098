// Package vad classifies PCM audio into speech and silence.
//
// A Model is loaded once per process and shared by every session. It holds
// no mutable state. Each session builds its own Detector on top of it.
package vad

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
)

// Params tunes speech detection.
type Params struct {
	// Sensitivity in (0, 1). Higher values treat quieter audio as speech.
	Sensitivity float64
	// MinSpeech is how long voiced audio must last before speech starts.
	MinSpeech time.Duration
	// MinSilence is how long unvoiced audio must last before speech ends.
	MinSilence time.Duration
	// PrefixPadding is audio kept from before the start edge.
	PrefixPadding time.Duration
	// MaxSegment forces an end edge on very long speech.
	MaxSegment time.Duration
	// FloorDB and CeilDB bound the level-to-probability mapping.
	FloorDB float64
	CeilDB  float64
}

// DefaultParams mirrors the timings of common neural VADs used for
// conversational agents.
func DefaultParams() Params {
	return Params{
		Sensitivity:   0.5,
		MinSpeech:     50 * time.Millisecond,
		MinSilence:    550 * time.Millisecond,
		PrefixPadding: 500 * time.Millisecond,
		MaxSegment:    30 * time.Second,
		FloorDB:       -50,
		CeilDB:        -20,
	}
}

// Validate checks that params are usable.
func (p Params) Validate() error {
	if p.Sensitivity <= 0 || p.Sensitivity >= 1 {
		return fmt.Errorf("vad sensitivity must be in (0, 1), got %v", p.Sensitivity)
	}
	if p.MinSpeech <= 0 {
		return errors.New("vad min speech must be positive")
	}
	if p.MinSilence <= 0 {
		return errors.New("vad min silence must be positive")
	}
	if p.PrefixPadding < 0 {
		return errors.New("vad prefix padding must be >= 0")
	}
	if p.MaxSegment <= p.MinSpeech {
		return errors.New("vad max segment must exceed min speech")
	}
	if p.CeilDB <= p.FloorDB {
		return fmt.Errorf("vad ceil %vdB must exceed floor %vdB", p.CeilDB, p.FloorDB)
	}
	return nil
}

// Model scores audio frames. It is immutable and safe for concurrent use.
type Model struct {
	params    Params
	threshold float64
}

// Load validates params and builds a shared model.
func Load(params Params) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Model{
		params:    params,
		threshold: 1 - params.Sensitivity,
	}, nil
}

// Params returns the parameters the model was loaded with.
func (m *Model) Params() Params {
	return m.params
}

// Threshold is the probability at or above which a frame counts as voiced.
func (m *Model) Threshold() float64 {
	return m.threshold
}

// Probability maps the level of pcm onto a speech probability in [0, 1].
func (m *Model) Probability(pcm []byte) float64 {
	rms := audio.RMS(pcm)
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - m.params.FloorDB) / (m.params.CeilDB - m.params.FloorDB)
	return math.Max(0, math.Min(1, p))
}

// Voiced reports whether pcm crosses the speech threshold.
func (m *Model) Voiced(pcm []byte) bool {
	return m.Probability(pcm) >= m.threshold
}

// NewDetector returns fresh per-session state bound to m.
func (m *Model) NewDetector() *Detector {
	return &Detector{model: m}
}
