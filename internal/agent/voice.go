package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voiceroom/internal/vad"
	"github.com/ent0n29/voiceroom/internal/voice"
)

// VADKey is where PrewarmVAD stores the loaded model.
const VADKey = "vad"

// PrewarmVAD loads the VAD model once for every job of the process.
func PrewarmVAD(params vad.Params) SetupFunc {
	return func(proc *Proc) error {
		model, err := vad.Load(params)
		if err != nil {
			return fmt.Errorf("load vad: %w", err)
		}
		proc.Set(VADKey, model)
		return nil
	}
}

// VADFrom returns the model stored by PrewarmVAD.
func VADFrom(proc *Proc) (*vad.Model, bool) {
	v, ok := proc.Get(VADKey)
	if !ok {
		return nil, false
	}
	model, ok := v.(*vad.Model)
	return model, ok
}

// VoiceEntrypoint starts a voice session for the job participant, asks for
// the opening greeting and serves the conversation until it ends. The
// participant is disconnected when the session closes.
func VoiceEntrypoint(orch *voice.Orchestrator, cfg voice.AgentConfig) Entrypoint {
	return func(ctx context.Context, jc *JobContext) error {
		p := jc.Job.Participant
		if p == nil {
			return errors.New("job has no participant")
		}
		defer p.Close()

		model, ok := VADFrom(jc.Proc)
		if !ok && cfg.Mode != voice.ModeRealtime {
			return errors.New("vad model not prewarmed")
		}
		agentCfg := cfg
		agentCfg.Room = jc.Job.Room
		agentCfg.Identity = p.Identity()

		sess, err := orch.Start(ctx, agentCfg, p, model)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		if err := sess.GenerateReply(ctx, agentCfg.GreetingInstructions); err != nil {
			sess.Close()
			_ = sess.Wait()
			return fmt.Errorf("request greeting: %w", err)
		}

		err = sess.Wait()
		switch {
		case errors.Is(err, voice.ErrTransportDisconnected), errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}
