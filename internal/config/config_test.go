package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AgentMode != "pipeline" {
		t.Fatalf("AgentMode = %q, want pipeline", cfg.AgentMode)
	}
	if got := cfg.ResolvedProvider(); got != "mock" {
		t.Fatalf("ResolvedProvider() = %q, want mock without an API key", got)
	}
	if cfg.RoomAPIKey != "devkey" || cfg.RoomAPISecret != "secret" {
		t.Fatalf("room credentials = %q/%q, want devkey/secret", cfg.RoomAPIKey, cfg.RoomAPISecret)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("TokenTTL = %v, want 15m", cfg.TokenTTL)
	}
	if cfg.TTSVoice != "alloy" || cfg.RealtimeVoice != "coral" {
		t.Fatalf("voices = %q/%q", cfg.TTSVoice, cfg.RealtimeVoice)
	}
}

func TestLoadAutoPicksOpenAIWithKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.ResolvedProvider(); got != "openai" {
		t.Fatalf("ResolvedProvider() = %q, want openai", got)
	}
}

func TestLoadFallsBackToLiveKitNames(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LIVEKIT_URL", "wss://example.livekit.cloud")
	t.Setenv("LIVEKIT_API_KEY", "lk-key")
	t.Setenv("LIVEKIT_API_SECRET", "lk-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RoomURL != "wss://example.livekit.cloud" || cfg.RoomAPIKey != "lk-key" || cfg.RoomAPISecret != "lk-secret" {
		t.Fatalf("room settings = %q %q %q", cfg.RoomURL, cfg.RoomAPIKey, cfg.RoomAPISecret)
	}

	t.Setenv("ROOM_URL", "ws://override/rtc")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RoomURL != "ws://override/rtc" {
		t.Fatalf("RoomURL = %q, want ROOM_URL to win", cfg.RoomURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"AGENT_MODE":                     "duplex",
		"VOICE_PROVIDER":                 "elevenlabs",
		"VAD_SENSITIVITY":                "1.5",
		"STAGE_TIMEOUT_REASONING":        "soon",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"TOKEN_RATE_BURST":               "0",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadRequiresKeyForExplicitOpenAI(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "openai")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing key error")
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-very-secret")
	t.Setenv("ROOM_API_SECRET", "room-very-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s := cfg.String()
	if strings.Contains(s, "very-secret") {
		t.Fatalf("String() leaked a secret: %s", s)
	}
	if !strings.Contains(s, "provider=openai") {
		t.Fatalf("String() = %s, want provider", s)
	}
}

func TestParseAgentProfile(t *testing.T) {
	p, err := ParseAgentProfile([]byte(`
instructions: You are a pirate.
greeting_instructions: Say ahoy.
voice: nova
speed: 1.25
recall_turns: 4
`))
	if err != nil {
		t.Fatalf("ParseAgentProfile() error = %v", err)
	}
	if p.Instructions != "You are a pirate." || p.GreetingInstructions != "Say ahoy." {
		t.Fatalf("profile = %+v", p)
	}
	if p.Voice != "nova" || p.Speed != 1.25 {
		t.Fatalf("voice = %q speed = %v", p.Voice, p.Speed)
	}
	if p.RecallTurns == nil || *p.RecallTurns != 4 {
		t.Fatalf("RecallTurns = %v, want 4", p.RecallTurns)
	}

	if _, err := ParseAgentProfile([]byte("voice_id: nova\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := ParseAgentProfile([]byte("speed: 9\n")); err == nil {
		t.Fatalf("out of range speed accepted")
	}
	empty, err := ParseAgentProfile(nil)
	if err != nil || empty.Instructions != "" {
		t.Fatalf("empty profile = %+v, %v", empty, err)
	}
}

func TestLoadAgentProfileFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("fallback_phrase: One more time?\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	p, err := LoadAgentProfile(path)
	if err != nil {
		t.Fatalf("LoadAgentProfile() error = %v", err)
	}
	if p.FallbackPhrase != "One more time?" {
		t.Fatalf("FallbackPhrase = %q", p.FallbackPhrase)
	}
	if _, err := LoadAgentProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
	if p, err := LoadAgentProfile(""); err != nil || p.Voice != "" {
		t.Fatalf("LoadAgentProfile(\"\") = %+v, %v", p, err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_SESSION_RETENTION",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"AGENT_MODE",
		"AGENT_PROFILE_PATH",
		"VOICE_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_REALTIME_URL",
		"STT_MODEL",
		"STT_LANGUAGE",
		"LLM_MODEL",
		"TTS_MODEL",
		"TTS_VOICE",
		"TTS_SPEED",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"FALLBACK_OPENAI_BASE_URL",
		"FALLBACK_OPENAI_API_KEY",
		"FALLBACK_TTS_VOICE",
		"FALLBACK_TTS_MODEL",
		"VAD_SENSITIVITY",
		"VAD_MIN_SPEECH",
		"VAD_MIN_SILENCE",
		"STAGE_TIMEOUT_SPEECH",
		"STAGE_TIMEOUT_REASONING",
		"STAGE_TIMEOUT_SYNTHESIS",
		"PLAYOUT_PACING",
		"ROOM_URL",
		"ROOM_API_KEY",
		"ROOM_API_SECRET",
		"LIVEKIT_URL",
		"LIVEKIT_API_KEY",
		"LIVEKIT_API_SECRET",
		"TOKEN_TTL",
		"TOKEN_RATE_PER_SEC",
		"TOKEN_RATE_BURST",
		"DATABASE_URL",
		"MEMORY_RECALL_TURNS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
