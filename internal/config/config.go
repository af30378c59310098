package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice room service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	AgentMode        string
	AgentProfilePath string

	// VoiceProvider is auto, openai or mock. Auto picks openai when an API
	// key is present.
	VoiceProvider     string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIRealtimeURL string
	STTModel          string
	STTLanguage       string
	LLMModel          string
	TTSModel          string
	TTSVoice          string
	TTSSpeed          float64
	RealtimeModel     string
	RealtimeVoice     string

	// Fallback* configure a second OpenAI-compatible endpoint used when the
	// primary one fails.
	FallbackBaseURL  string
	FallbackAPIKey   string
	FallbackTTSVoice string
	FallbackTTSModel string

	VADSensitivity float64
	VADMinSpeech   time.Duration
	VADMinSilence  time.Duration

	SpeechTimeout    time.Duration
	ReasoningTimeout time.Duration
	SynthesisTimeout time.Duration
	PlayoutPacing    bool

	RoomURL       string
	RoomAPIKey    string
	RoomAPISecret string
	TokenTTL      time.Duration
	TokenRate     float64
	TokenBurst    int

	DatabaseURL       string
	MemoryRecallTurns int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voiceroom"),
		AllowAnyOrigin:    false,
		AgentMode:         envOrDefault("AGENT_MODE", "pipeline"),
		AgentProfilePath:  stringsTrimSpace("AGENT_PROFILE_PATH"),
		VoiceProvider:     envOrDefault("VOICE_PROVIDER", "auto"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:     envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIRealtimeURL: envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		STTModel:          envOrDefault("STT_MODEL", "whisper-1"),
		STTLanguage:       stringsTrimSpace("STT_LANGUAGE"),
		LLMModel:          envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		TTSModel:          envOrDefault("TTS_MODEL", "tts-1"),
		TTSVoice:          envOrDefault("TTS_VOICE", "alloy"),
		TTSSpeed:          1.0,
		RealtimeModel:     envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:     envOrDefault("REALTIME_VOICE", "coral"),
		FallbackBaseURL:   stringsTrimSpace("FALLBACK_OPENAI_BASE_URL"),
		FallbackAPIKey:    stringsTrimSpace("FALLBACK_OPENAI_API_KEY"),
		FallbackTTSVoice:  stringsTrimSpace("FALLBACK_TTS_VOICE"),
		FallbackTTSModel:  stringsTrimSpace("FALLBACK_TTS_MODEL"),
		VADSensitivity:    0.5,
		VADMinSpeech:      50 * time.Millisecond,
		VADMinSilence:     550 * time.Millisecond,
		SpeechTimeout:     15 * time.Second,
		ReasoningTimeout:  20 * time.Second,
		SynthesisTimeout:  30 * time.Second,
		PlayoutPacing:     true,
		// LIVEKIT_* names keep existing frontend env files working.
		RoomURL:                  envOrDefault("ROOM_URL", envOrDefault("LIVEKIT_URL", "ws://localhost:8080/rtc")),
		RoomAPIKey:               envOrDefault("ROOM_API_KEY", envOrDefault("LIVEKIT_API_KEY", "devkey")),
		RoomAPISecret:            envOrDefault("ROOM_API_SECRET", envOrDefault("LIVEKIT_API_SECRET", "secret")),
		TokenTTL:                 15 * time.Minute,
		TokenRate:                5,
		TokenBurst:               10,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryRecallTurns:        0,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		SessionRetention:         10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSpeed, err = floatFromEnv("TTS_SPEED", cfg.TTSSpeed)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSensitivity, err = floatFromEnv("VAD_SENSITIVITY", cfg.VADSensitivity)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeech, err = durationFromEnv("VAD_MIN_SPEECH", cfg.VADMinSpeech)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSilence, err = durationFromEnv("VAD_MIN_SILENCE", cfg.VADMinSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechTimeout, err = durationFromEnv("STAGE_TIMEOUT_SPEECH", cfg.SpeechTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReasoningTimeout, err = durationFromEnv("STAGE_TIMEOUT_REASONING", cfg.ReasoningTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("STAGE_TIMEOUT_SYNTHESIS", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayoutPacing, err = boolFromEnv("PLAYOUT_PACING", cfg.PlayoutPacing)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenRate, err = floatFromEnv("TOKEN_RATE_PER_SEC", cfg.TokenRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenBurst, err = intFromEnv("TOKEN_RATE_BURST", cfg.TokenBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRecallTurns, err = intFromEnv("MEMORY_RECALL_TURNS", cfg.MemoryRecallTurns)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that may also be set by flags after Load.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch strings.ToLower(c.AgentMode) {
	case "pipeline", "realtime":
	default:
		return fmt.Errorf("AGENT_MODE must be pipeline or realtime, got %q", c.AgentMode)
	}
	switch strings.ToLower(c.VoiceProvider) {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be auto, openai or mock, got %q", c.VoiceProvider)
	}
	if strings.EqualFold(c.VoiceProvider, "openai") && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when VOICE_PROVIDER=openai")
	}
	if c.VADSensitivity <= 0 || c.VADSensitivity >= 1 {
		return fmt.Errorf("VAD_SENSITIVITY must be in (0, 1)")
	}
	if c.SpeechTimeout <= 0 || c.ReasoningTimeout <= 0 || c.SynthesisTimeout <= 0 {
		return fmt.Errorf("STAGE_TIMEOUT_* must be positive")
	}
	if c.RoomAPIKey == "" || c.RoomAPISecret == "" {
		return fmt.Errorf("ROOM_API_KEY and ROOM_API_SECRET are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.TokenRate <= 0 || c.TokenBurst <= 0 {
		return fmt.Errorf("TOKEN_RATE_PER_SEC and TOKEN_RATE_BURST must be positive")
	}
	if c.MemoryRecallTurns < 0 {
		return fmt.Errorf("MEMORY_RECALL_TURNS must be >= 0")
	}
	return nil
}

// ResolvedProvider returns the provider that auto selects.
func (c Config) ResolvedProvider() string {
	p := strings.ToLower(c.VoiceProvider)
	if p != "auto" {
		return p
	}
	if c.OpenAIAPIKey != "" {
		return "openai"
	}
	return "mock"
}

// String renders the config for startup logs with secrets masked.
func (c Config) String() string {
	return fmt.Sprintf(
		"bind=%s mode=%s provider=%s stt=%s llm=%s tts=%s/%s realtime=%s/%s room_url=%s room_key=%s room_secret=%s openai_key=%s fallback=%s database=%s",
		c.BindAddr, c.AgentMode, c.ResolvedProvider(), c.STTModel, c.LLMModel, c.TTSModel, c.TTSVoice,
		c.RealtimeModel, c.RealtimeVoice, c.RoomURL, c.RoomAPIKey, redact(c.RoomAPISecret),
		redact(c.OpenAIAPIKey), c.FallbackBaseURL, redact(c.DatabaseURL),
	)
}

func redact(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "<redacted>"
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
