package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voiceroom/internal/config"
	"github.com/ent0n29/voiceroom/internal/voice"
)

type voiceSetup struct {
	stages           voice.Stages
	resolvedProvider string
	detail           string
}

func resolveStages(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	mock := func(detail string) voiceSetup {
		return voiceSetup{
			stages:           voice.NewMockProvider().Stages(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	openai := func(baseURL, apiKey string) (voice.Stages, error) {
		p, err := voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:         apiKey,
			BaseURL:        baseURL,
			SpeechModel:    cfg.STTModel,
			ReasoningModel: cfg.LLMModel,
			SynthesisModel: cfg.TTSModel,
			Language:       cfg.STTLanguage,
		})
		if err != nil {
			return voice.Stages{}, err
		}
		return voice.Stages{Speech: p, Reasoning: p, Synthesis: p}, nil
	}

	tryOpenAI := func() (voiceSetup, error) {
		stages, err := openai(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey)
		if err != nil {
			return voiceSetup{}, fmt.Errorf("openai voice provider init failed: %w", err)
		}
		rt, err := voice.NewOpenAIRealtimeProvider(voice.OpenAIRealtimeConfig{
			APIKey: cfg.OpenAIAPIKey,
			URL:    cfg.OpenAIRealtimeURL,
			Model:  cfg.RealtimeModel,
			Voice:  cfg.RealtimeVoice,
		})
		if err != nil {
			return voiceSetup{}, fmt.Errorf("openai realtime provider init failed: %w", err)
		}
		stages.Realtime = rt
		setup := voiceSetup{stages: stages, resolvedProvider: "openai", detail: "openai"}

		if strings.TrimSpace(cfg.FallbackBaseURL) == "" {
			return setup, nil
		}
		// A keyless fallback is allowed for self-hosted OpenAI-compatible servers.
		key := cfg.FallbackAPIKey
		if key == "" {
			key = "unused"
		}
		fallback, err := openai(cfg.FallbackBaseURL, key)
		if err != nil {
			return voiceSetup{}, fmt.Errorf("fallback voice provider init failed: %w", err)
		}
		fallbackVoice := voice.VoiceParams{Voice: cfg.FallbackTTSVoice, Model: cfg.FallbackTTSModel}
		setup.stages = voice.NewFailoverStages(stages, fallback, fallbackVoice)
		setup.detail = "openai (automatic fallback to " + cfg.FallbackBaseURL + ")"
		return setup, nil
	}

	switch voiceMode {
	case "openai":
		return tryOpenAI()
	case "mock":
		return mock("mock"), nil
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return mock("mock (no OPENAI_API_KEY)"), nil
		}
		return tryOpenAI()
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|mock)", cfg.VoiceProvider)
	}
}

// agentConfig merges env settings with the optional YAML profile.
func agentConfig(cfg config.Config, profile config.AgentProfile) (voice.AgentConfig, error) {
	mode, err := voice.ParseMode(cfg.AgentMode)
	if err != nil {
		return voice.AgentConfig{}, err
	}
	agent := voice.DefaultAgentConfig()
	agent.Mode = mode
	agent.Voice = voice.VoiceParams{Voice: cfg.TTSVoice, Model: cfg.TTSModel, Speed: cfg.TTSSpeed}
	agent.RealtimeModel = cfg.RealtimeModel
	agent.RealtimeVoice = cfg.RealtimeVoice
	agent.RecallTurns = cfg.MemoryRecallTurns

	if profile.Instructions != "" {
		agent.Instructions = profile.Instructions
	}
	if profile.GreetingInstructions != "" {
		agent.GreetingInstructions = profile.GreetingInstructions
	}
	if profile.FallbackPhrase != "" {
		agent.FallbackPhrase = profile.FallbackPhrase
	}
	if profile.Voice != "" {
		agent.Voice.Voice = profile.Voice
	}
	if profile.VoiceModel != "" {
		agent.Voice.Model = profile.VoiceModel
	}
	if profile.Speed > 0 {
		agent.Voice.Speed = profile.Speed
	}
	if profile.RealtimeVoice != "" {
		agent.RealtimeVoice = profile.RealtimeVoice
	}
	if profile.RecallTurns != nil {
		agent.RecallTurns = *profile.RecallTurns
	}
	return agent, nil
}
