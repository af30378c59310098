package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/reliability"
)

const realtimeSampleRate = 24000

// OpenAIRealtimeConfig configures the speech-to-speech websocket stage.
type OpenAIRealtimeConfig struct {
	APIKey string
	URL    string
	Model  string
	Voice  string
	Dialer *websocket.Dialer
}

type OpenAIRealtimeProvider struct {
	cfg OpenAIRealtimeConfig
}

func NewOpenAIRealtimeProvider(cfg OpenAIRealtimeConfig) (*OpenAIRealtimeProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.URL == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "coral"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &OpenAIRealtimeProvider{cfg: cfg}, nil
}

func (p *OpenAIRealtimeProvider) Connect(ctx context.Context, opts RealtimeOptions) (RealtimeSession, error) {
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	voiceName := opts.Voice
	if voiceName == "" {
		voiceName = p.cfg.Voice
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := p.cfg.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, &HTTPStatusError{Provider: openAIProvider, Status: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	inputRate := opts.InputSampleRate
	if inputRate <= 0 {
		inputRate = audio.DefaultSampleRate
	}
	s := &openAIRealtimeSession{
		conn:      conn,
		inputRate: inputRate,
		done:      make(chan struct{}),
		audio:     make(chan audio.Frame, 256),
		events:    make(chan RealtimeEvent, 64),
	}
	err = s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":              opts.Instructions,
			"voice":                     voiceName,
			"modalities":                []string{"audio", "text"},
			"input_audio_format":        "pcm16",
			"output_audio_format":       "pcm16",
			"input_audio_transcription": map[string]any{"model": "whisper-1"},
			"turn_detection":            map[string]any{"type": "server_vad"},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure realtime session: %w", err)
	}
	go s.readLoop()
	return s, nil
}

type openAIRealtimeSession struct {
	conn      *websocket.Conn
	inputRate int
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	audio     chan audio.Frame
	events    chan RealtimeEvent
}

func (s *openAIRealtimeSession) SendAudio(ctx context.Context, f audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = s.inputRate
	}
	pcm := audio.Resample(f.Data, rate, realtimeSampleRate)
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *openAIRealtimeSession) GenerateReply(ctx context.Context, instructions string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"type":     "response.create",
		"response": map[string]any{"instructions": instructions},
	})
}

func (s *openAIRealtimeSession) Audio() <-chan audio.Frame { return s.audio }

func (s *openAIRealtimeSession) Events() <-chan RealtimeEvent { return s.events }

func (s *openAIRealtimeSession) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop is the only sender on audio and events and closes both when the
// connection ends.
func (s *openAIRealtimeSession) readLoop() {
	defer func() {
		close(s.audio)
		close(s.events)
	}()
	defer s.stop()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["type"]) {
		case "input_audio_buffer.speech_started":
			s.emit(RealtimeEvent{Type: RealtimeTurnStarted})
		case "response.created":
			s.emit(RealtimeEvent{Type: RealtimeResponseStarted})
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(asString(raw["delta"]))
			if err != nil || len(pcm) == 0 {
				continue
			}
			select {
			case s.audio <- audio.Frame{Data: pcm, SampleRate: realtimeSampleRate}:
			case <-s.done:
				return
			}
		case "response.audio_transcript.done":
			s.emit(RealtimeEvent{Type: RealtimeTranscript, Speaker: SpeakerAssistant, Text: asString(raw["transcript"])})
		case "conversation.item.input_audio_transcription.completed":
			s.emit(RealtimeEvent{Type: RealtimeTranscript, Speaker: SpeakerUser, Text: asString(raw["transcript"])})
		case "response.done":
			s.emit(responseDoneEvent(raw))
		case "error":
			detail, _ := raw["error"].(map[string]any)
			code := asString(detail["code"])
			if code == "" {
				code = asString(detail["type"])
			}
			s.emit(RealtimeEvent{
				Type:      RealtimeError,
				Code:      code,
				Retryable: reliability.IsRetryableRealtimeErrorCode(code),
				Err:       fmt.Errorf("realtime error %s: %s", code, asString(detail["message"])),
			})
		}
	}
}

// responseDoneEvent maps a finished response. A cancelled response means
// the user spoke over the assistant.
func responseDoneEvent(raw map[string]any) RealtimeEvent {
	resp, _ := raw["response"].(map[string]any)
	switch asString(resp["status"]) {
	case "cancelled":
		return RealtimeEvent{Type: RealtimeInterrupted}
	case "failed":
		details, _ := resp["status_details"].(map[string]any)
		inner, _ := details["error"].(map[string]any)
		code := asString(inner["code"])
		if code == "" {
			code = "response_failed"
		}
		return RealtimeEvent{
			Type:      RealtimeError,
			Code:      code,
			Retryable: reliability.IsRetryableRealtimeErrorCode(code),
			Err:       fmt.Errorf("realtime response failed: %s", code),
		}
	default:
		return RealtimeEvent{Type: RealtimeTurnEnded}
	}
}

func (s *openAIRealtimeSession) emit(ev RealtimeEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *openAIRealtimeSession) Close() error {
	return s.stop()
}

func (s *openAIRealtimeSession) stop() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
