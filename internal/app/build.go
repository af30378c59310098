package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voiceroom/internal/agent"
	"github.com/ent0n29/voiceroom/internal/config"
	"github.com/ent0n29/voiceroom/internal/httpapi"
	"github.com/ent0n29/voiceroom/internal/memory"
	"github.com/ent0n29/voiceroom/internal/observability"
	"github.com/ent0n29/voiceroom/internal/room"
	"github.com/ent0n29/voiceroom/internal/session"
	"github.com/ent0n29/voiceroom/internal/token"
	"github.com/ent0n29/voiceroom/internal/vad"
	"github.com/ent0n29/voiceroom/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
)

type VoiceInfo struct {
	Provider string
	Detail   string
	Mode     voice.Mode
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Worker       *agent.Worker
	Hub          *room.Hub
	Store        memory.Store
	Metrics      *observability.Metrics
	Voice        VoiceInfo
}

// Options tweak Build for embedding and tests.
type Options struct {
	Profile config.AgentProfile
	// Registerer receives the prometheus instruments. Nil uses the default
	// registry.
	Registerer prometheus.Registerer
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	agentCfg, err := agentConfig(cfg, opts.Profile)
	if err != nil {
		return nil, err
	}

	voiceSetup, err := resolveStages(cfg)
	if err != nil {
		return nil, err
	}
	if agentCfg.Mode == voice.ModeRealtime && voiceSetup.stages.Realtime == nil {
		return nil, fmt.Errorf("AGENT_MODE=realtime needs a realtime capable provider (got %s)", voiceSetup.resolvedProvider)
	}

	issuer, err := token.NewIssuer(token.Config{
		APIKey:    cfg.RoomAPIKey,
		APISecret: cfg.RoomAPISecret,
		URL:       cfg.RoomURL,
		TTL:       cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer init failed: %w", err)
	}

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)

	orchestrator := voice.NewOrchestrator(voice.Options{
		Stages: voiceSetup.stages,
		Timeouts: voice.StageTimeouts{
			Speech:    cfg.SpeechTimeout,
			Reasoning: cfg.ReasoningTimeout,
			Synthesis: cfg.SynthesisTimeout,
		},
		Pacing:   cfg.PlayoutPacing,
		Sessions: sessions,
		Store:    memoryStore,
		Metrics:  metrics,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		orchestrator.CloseSession(s.ID)
	})

	params := vad.DefaultParams()
	params.Sensitivity = cfg.VADSensitivity
	params.MinSpeech = cfg.VADMinSpeech
	params.MinSilence = cfg.VADMinSilence
	var setup agent.SetupFunc
	if agentCfg.Mode == voice.ModePipeline {
		setup = agent.PrewarmVAD(params)
	}
	// Jobs outlive the build context; Shutdown cancels them.
	worker, err := agent.NewWorker(context.WithoutCancel(ctx), setup, agent.VoiceEntrypoint(orchestrator, agentCfg))
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("agent worker init failed: %w", err)
	}
	hub := room.NewHub(worker, room.Options{})

	api := httpapi.New(cfg, sessions, orchestrator, hub, issuer, memoryStore, metrics)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Worker:       worker,
		Hub:          hub,
		Store:        memoryStore,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
			Mode:     agentCfg.Mode,
		},
	}, nil
}

// Shutdown stops accepting jobs, disconnects every participant, waits for
// sessions to end and releases the store.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	var errs []string
	if err := b.Worker.Shutdown(ctx); err != nil {
		errs = append(errs, "worker: "+err.Error())
	}
	b.Hub.CloseAll()
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.Orchestrator.CloseAll(closeCtx); err != nil {
		errs = append(errs, "sessions: "+err.Error())
	}
	if err := b.Store.Close(); err != nil {
		errs = append(errs, "store: "+err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
