package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voiceroom/internal/config"
	"github.com/ent0n29/voiceroom/internal/voice"
)

func testConfig() config.Config {
	return config.Config{
		BindAddr:                 ":0",
		MetricsNamespace:         "test_app",
		AgentMode:                "pipeline",
		VoiceProvider:            "mock",
		TTSVoice:                 "alloy",
		TTSModel:                 "tts-1",
		RealtimeVoice:            "coral",
		VADSensitivity:           0.5,
		VADMinSpeech:             50 * time.Millisecond,
		VADMinSilence:            550 * time.Millisecond,
		SpeechTimeout:            time.Second,
		ReasoningTimeout:         time.Second,
		SynthesisTimeout:         time.Second,
		RoomURL:                  "ws://localhost/rtc",
		RoomAPIKey:               "devkey",
		RoomAPISecret:            "secret",
		TokenTTL:                 time.Minute,
		TokenRate:                100,
		TokenBurst:               100,
		SessionInactivityTimeout: time.Minute,
		SessionRetention:         time.Minute,
	}
}

func TestResolveStages(t *testing.T) {
	cfg := testConfig()
	cfg.VoiceProvider = "auto"
	setup, err := resolveStages(cfg)
	if err != nil {
		t.Fatalf("resolveStages(auto, no key) error = %v", err)
	}
	if setup.resolvedProvider != "mock" || setup.stages.Realtime == nil {
		t.Fatalf("auto without key = %q (realtime %v), want mock with realtime", setup.resolvedProvider, setup.stages.Realtime != nil)
	}

	cfg.OpenAIAPIKey = "sk-test"
	setup, err = resolveStages(cfg)
	if err != nil {
		t.Fatalf("resolveStages(auto, key) error = %v", err)
	}
	if setup.resolvedProvider != "openai" || setup.stages.Speech == nil || setup.stages.Realtime == nil {
		t.Fatalf("auto with key = %+v, want openai stages", setup)
	}

	cfg.FallbackBaseURL = "http://localhost:9999/v1"
	setup, err = resolveStages(cfg)
	if err != nil {
		t.Fatalf("resolveStages(fallback) error = %v", err)
	}
	if !strings.Contains(setup.detail, "fallback") {
		t.Fatalf("detail = %q, want fallback mentioned", setup.detail)
	}

	cfg.VoiceProvider = "elevenlabs"
	if _, err := resolveStages(cfg); err == nil {
		t.Fatalf("resolveStages(elevenlabs) error = nil, want error")
	}
}

func TestAgentConfigAppliesProfile(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryRecallTurns = 2
	turns := 6
	agent, err := agentConfig(cfg, config.AgentProfile{
		Instructions:   "Be brief.",
		Voice:          "nova",
		FallbackPhrase: "Pardon?",
		RecallTurns:    &turns,
	})
	if err != nil {
		t.Fatalf("agentConfig() error = %v", err)
	}
	if agent.Mode != voice.ModePipeline {
		t.Fatalf("Mode = %v, want pipeline", agent.Mode)
	}
	if agent.Instructions != "Be brief." || agent.GreetingInstructions != voice.DefaultGreetingInstructions {
		t.Fatalf("instructions = %q / %q", agent.Instructions, agent.GreetingInstructions)
	}
	if agent.Voice.Voice != "nova" || agent.Voice.Model != "tts-1" {
		t.Fatalf("Voice = %+v, want nova on tts-1", agent.Voice)
	}
	if agent.FallbackPhrase != "Pardon?" {
		t.Fatalf("FallbackPhrase = %q", agent.FallbackPhrase)
	}
	if agent.RecallTurns != 6 {
		t.Fatalf("RecallTurns = %d, want 6", agent.RecallTurns)
	}

	cfg.AgentMode = "duplex"
	if _, err := agentConfig(cfg, config.AgentProfile{}); err == nil {
		t.Fatalf("agentConfig(duplex) error = nil, want error")
	}
}

func TestBuildServesGreetingOverRoom(t *testing.T) {
	built, err := Build(context.Background(), testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/token", "application/json", strings.NewReader(`{"room":"lobby","identity":"alice"}`))
	if err != nil {
		t.Fatalf("POST /api/token error = %v", err)
	}
	var grant struct {
		Token string `json:"token"`
	}
	if err := decodeBody(res, &grant); err != nil {
		t.Fatalf("decode token response error = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/rtc?access_token="+grant.Token, nil)
	if err != nil {
		t.Fatalf("Dial(/rtc) error = %v", err)
	}
	defer conn.Close()

	var greeting string
	var sawAudio bool
	deadline := time.Now().Add(5 * time.Second)
	for greeting == "" || !sawAudio {
		if !time.Now().Before(deadline) {
			t.Fatalf("no greeting before deadline")
		}
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		switch msg["type"] {
		case "audio":
			sawAudio = true
		case "transcript":
			if msg["speaker"] == "assistant" {
				greeting, _ = msg["text"].(string)
			}
		}
	}
	if greeting != "Hi there! How can I help you today?" {
		t.Fatalf("greeting = %q", greeting)
	}
	if rooms := built.Hub.Rooms(); len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("Rooms() = %v, want [lobby]", rooms)
	}
	if n := len(built.Sessions.List()); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := built.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if n := built.Orchestrator.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions() after shutdown = %d, want 0", n)
	}
	if rooms := built.Hub.Rooms(); len(rooms) != 0 {
		t.Fatalf("Rooms() after shutdown = %v, want none", rooms)
	}
}

func decodeBody(res *http.Response, out any) error {
	defer res.Body.Close()
	return json.NewDecoder(res.Body).Decode(out)
}
