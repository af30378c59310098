package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/vad"
)

const (
	openAIProvider       = "openai"
	maxErrorBody         = 512
	maxPromptContextRune = 200
)

// OpenAIConfig configures the HTTP stages of an OpenAI-compatible API.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	SpeechModel    string
	ReasoningModel string
	SynthesisModel string
	Language       string
	HTTPClient     *http.Client
}

// OpenAIProvider implements the speech, reasoning and synthesis stages over
// the OpenAI REST API.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = "whisper-1"
	}
	if cfg.ReasoningModel == "" {
		cfg.ReasoningModel = "gpt-4o-mini"
	}
	if cfg.SynthesisModel == "" {
		cfg.SynthesisModel = "tts-1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &OpenAIProvider{cfg: cfg, client: client}, nil
}

// Transcribe uploads the segment as WAV to the transcription endpoint.
func (p *OpenAIProvider) Transcribe(ctx context.Context, seg vad.Segment, priorContext string) (string, error) {
	wav, err := audio.EncodeWAV(seg.PCM(), seg.SampleRate())
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "speech.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	fields := map[string]string{
		"model":           p.cfg.SpeechModel,
		"response_format": "json",
	}
	if p.cfg.Language != "" {
		fields["language"] = p.cfg.Language
	}
	if prompt := tailRunes(priorContext, maxPromptContextRune); prompt != "" {
		fields["prompt"] = prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Text string `json:"text"`
	}
	if err := p.doJSON(req, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Respond asks the chat completions endpoint for the next assistant line.
// history already ends with newUser when one is given.
func (p *OpenAIProvider) Respond(ctx context.Context, history []Utterance, _ *Utterance, instructions string) (string, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	messages = append(messages, chatMessage{Role: "system", Content: instructions})
	for _, u := range history {
		if u.Text == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: string(u.Speaker), Content: u.Text})
	}
	payload, err := json.Marshal(map[string]any{
		"model":    p.cfg.ReasoningModel,
		"messages": messages,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := p.doJSON(req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: no choices in completion")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Synthesize requests raw PCM from the speech endpoint and streams it back
// in 20ms frames as the body arrives.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, params VoiceParams) (AudioStream, error) {
	model := params.Model
	if model == "" {
		model = p.cfg.SynthesisModel
	}
	body := map[string]any{
		"model":           model,
		"input":           text,
		"voice":           params.Voice,
		"response_format": "pcm",
	}
	if params.Speed > 0 {
		body["speed"] = params.Speed
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.do(req)
	if err != nil {
		return nil, err
	}
	return &pcmStream{
		body:       resp.Body,
		sampleRate: audio.SynthesisSampleRate,
		chunk:      audio.BytesFor(20*time.Millisecond, audio.SynthesisSampleRate),
	}, nil
}

func (p *OpenAIProvider) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			Provider: openAIProvider,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

func (p *OpenAIProvider) doJSON(req *http.Request, out any) error {
	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

// pcmStream cuts a raw PCM16LE body into frames.
type pcmStream struct {
	body       io.ReadCloser
	sampleRate int
	chunk      int
	done       bool
}

func (s *pcmStream) Next(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if s.done {
		return audio.Frame{}, io.EOF
	}
	buf := make([]byte, s.chunk)
	n, err := io.ReadFull(s.body, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.done = true
		return audio.Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		n -= n % 2
		if n == 0 {
			return audio.Frame{}, io.EOF
		}
	default:
		return audio.Frame{}, err
	}
	return audio.Frame{Data: buf[:n], SampleRate: s.sampleRate}, nil
}

func (s *pcmStream) Close() error {
	return s.body.Close()
}

func tailRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[len(r)-n:])
}
