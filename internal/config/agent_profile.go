package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentProfile overrides the assistant persona. Empty fields keep the
// built-in defaults.
type AgentProfile struct {
	Instructions         string  `yaml:"instructions"`
	GreetingInstructions string  `yaml:"greeting_instructions"`
	FallbackPhrase       string  `yaml:"fallback_phrase"`
	Voice                string  `yaml:"voice"`
	VoiceModel           string  `yaml:"voice_model"`
	Speed                float64 `yaml:"speed"`
	RealtimeVoice        string  `yaml:"realtime_voice"`
	RecallTurns          *int    `yaml:"recall_turns"`
}

// LoadAgentProfile reads a YAML profile. An empty path returns a zero
// profile.
func LoadAgentProfile(path string) (AgentProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return AgentProfile{}, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return AgentProfile{}, fmt.Errorf("reading agent profile: %w", err)
	}
	return ParseAgentProfile(data)
}

// ParseAgentProfile decodes profile YAML, rejecting unknown keys.
func ParseAgentProfile(data []byte) (AgentProfile, error) {
	var p AgentProfile
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return AgentProfile{}, fmt.Errorf("parsing agent profile: %w", err)
	}
	if p.Speed < 0 || p.Speed > 4 {
		return AgentProfile{}, fmt.Errorf("agent profile speed %.2f out of range [0, 4]", p.Speed)
	}
	if p.RecallTurns != nil && *p.RecallTurns < 0 {
		return AgentProfile{}, fmt.Errorf("agent profile recall_turns must be >= 0")
	}
	return p, nil
}
