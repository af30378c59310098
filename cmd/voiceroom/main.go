package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ent0n29/voiceroom/internal/app"
	"github.com/ent0n29/voiceroom/internal/config"
)

func main() {
	flagSet := pflag.NewFlagSet("voiceroom", pflag.ContinueOnError)
	envFile := flagSet.String("env-file", ".env", "dotenv file loaded before reading the environment")
	agentConfig := flagSet.String("agent-config", "", "YAML agent profile (overrides AGENT_PROFILE_PATH)")
	mode := flagSet.String("mode", "", "agent mode: pipeline or realtime (overrides AGENT_MODE)")
	bind := flagSet.String("bind", "", "listen address (overrides APP_BIND_ADDR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("flag error: %v", err)
	}

	if err := godotenv.Load(*envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || flagSet.Changed("env-file") {
			log.Fatalf("env file %s: %v", *envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *mode != "" {
		cfg.AgentMode = *mode
	}
	if *bind != "" {
		cfg.BindAddr = *bind
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	profilePath := cfg.AgentProfilePath
	if *agentConfig != "" {
		profilePath = *agentConfig
	}
	profile, err := config.LoadAgentProfile(profilePath)
	if err != nil {
		log.Fatalf("agent profile error: %v", err)
	}

	built, err := app.Build(context.Background(), cfg, app.Options{Profile: profile})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("config: %s", cfg)
	log.Printf("voice provider: %s (mode %s)", built.Voice.Detail, built.Voice.Mode)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	// Websocket connections are hijacked, so rooms are closed here rather
	// than by the HTTP server.
	if err := built.Shutdown(shutdownCtx); err != nil {
		log.Printf("agent shutdown: %v", err)
	}

	log.Printf("shutdown complete")
}
