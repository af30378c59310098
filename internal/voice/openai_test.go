package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/vad"
)

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return p
}

// expectEqual reports a mismatch without stopping the test; handlers run off the test goroutine.
func expectEqual(t *testing.T, what string, got, want any) bool {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s = %v, want %v", what, got, want)
		return false
	}
	return true
}

func TestOpenAITranscribe(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		expectEqual(t, "path", r.URL.Path, "/audio/transcriptions")
		expectEqual(t, "Authorization", r.Header.Get("Authorization"), "Bearer sk-test")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		expectEqual(t, "model", r.FormValue("model"), "whisper-1")
		expectEqual(t, "prompt", r.FormValue("prompt"), "How can I help?")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		head := make([]byte, 4)
		if _, err := io.ReadFull(f, head); err != nil {
			t.Errorf("read upload error = %v", err)
		}
		expectEqual(t, "upload header", string(head), "RIFF")
		_, _ = io.WriteString(w, `{"text":"  hello there "}`)
	})

	seg := vad.Segment{Frames: audio.Split(audio.Tone(audio.DefaultSampleRate, 100*time.Millisecond, 300, 0.3), audio.DefaultSampleRate, 20*time.Millisecond)}
	text, err := p.Transcribe(context.Background(), seg, "How can I help?")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello there" {
		t.Fatalf("Transcribe() = %q, want %q", text, "hello there")
	}
}

func TestOpenAIRespondSendsHistory(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		expectEqual(t, "path", r.URL.Path, "/chat/completions")
		var body struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body error = %v", err)
		}
		expectEqual(t, "model", body.Model, "gpt-4o-mini")
		if expectEqual(t, "len(messages)", len(body.Messages), 3) {
			expectEqual(t, "messages[0]", body.Messages[0], chatMessage{Role: "system", Content: "be brief"})
			expectEqual(t, "messages[1].Role", body.Messages[1].Role, "assistant")
			expectEqual(t, "messages[2]", body.Messages[2], chatMessage{Role: "user", Content: "what time is it"})
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"It is noon. "}}]}`)
	})

	user := newUtterance(SpeakerUser, "what time is it", 0, 0)
	history := []Utterance{newUtterance(SpeakerAssistant, "Hi!", 0, 0), user}
	text, err := p.Respond(context.Background(), history, &user, "be brief")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if text != "It is noon." {
		t.Fatalf("Respond() = %q, want %q", text, "It is noon.")
	}
}

func TestOpenAISynthesizeStreamsFrames(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		expectEqual(t, "path", r.URL.Path, "/audio/speech")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body error = %v", err)
		}
		expectEqual(t, "response_format", body["response_format"], "pcm")
		expectEqual(t, "voice", body["voice"], "alloy")
		_, _ = w.Write(make([]byte, 2500))
	})

	stream, err := p.Synthesize(context.Background(), "hello", VoiceParams{Voice: "alloy"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	defer stream.Close()

	var sizes []int
	for {
		f, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if f.SampleRate != audio.SynthesisSampleRate {
			t.Fatalf("frame rate = %d, want %d", f.SampleRate, audio.SynthesisSampleRate)
		}
		sizes = append(sizes, len(f.Data))
	}
	if want := []int{960, 960, 580}; !reflect.DeepEqual(sizes, want) {
		t.Fatalf("frame sizes = %v, want %v", sizes, want)
	}
}

func TestOpenAIHTTPErrorsAreClassified(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"slow down"}`, http.StatusTooManyRequests)
	})

	_, err := p.Respond(context.Background(), nil, nil, "hi")
	var httpErr *HTTPStatusError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Respond() error = %v, want *HTTPStatusError", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want 429", httpErr.Status)
	}
	se := newStageError(StageReasoning, err)
	if !se.Retryable {
		t.Fatalf("429 Retryable = false, want true")
	}
	if !errors.Is(se, ErrReasoning) {
		t.Fatalf("stage error = %v, want ErrReasoning", se)
	}

	p = newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	_, err = p.Synthesize(context.Background(), "hi", VoiceParams{})
	if newStageError(StageSynthesis, err).Retryable {
		t.Fatalf("401 Retryable = true, want false")
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatalf("NewOpenAIProvider(no key) error = nil, want error")
	}
	if _, err := NewOpenAIRealtimeProvider(OpenAIRealtimeConfig{}); err == nil {
		t.Fatalf("NewOpenAIRealtimeProvider(no key) error = nil, want error")
	}
}

func TestOpenAIRealtimeSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	appended := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expectEqual(t, "Authorization", r.Header.Get("Authorization"), "Bearer sk-test")
		expectEqual(t, "OpenAI-Beta", r.Header.Get("OpenAI-Beta"), "realtime=v1")
		expectEqual(t, "model", r.URL.Query().Get("model"), "gpt-test")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()

		var update map[string]any
		if err := conn.ReadJSON(&update); err != nil {
			t.Errorf("read session.update error = %v", err)
			return
		}
		expectEqual(t, "first message", update["type"], "session.update")
		session, _ := update["session"].(map[string]any)
		expectEqual(t, "instructions", session["instructions"], "be nice")
		expectEqual(t, "voice", session["voice"], "verse")

		var appendMsg map[string]any
		if err := conn.ReadJSON(&appendMsg); err != nil {
			t.Errorf("read append error = %v", err)
			return
		}
		expectEqual(t, "second message", appendMsg["type"], "input_audio_buffer.append")
		encoded, _ := appendMsg["audio"].(string)
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Errorf("decode appended audio error = %v", err)
		}
		appended <- len(pcm)

		delta := base64.StdEncoding.EncodeToString(make([]byte, 960))
		for _, msg := range []string{
			`{"type":"input_audio_buffer.speech_started"}`,
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`,
			`{"type":"response.created"}`,
			`{"type":"response.audio.delta","delta":"` + delta + `"}`,
			`{"type":"response.audio_transcript.done","transcript":"hello!"}`,
			`{"type":"response.done","response":{"status":"completed"}}`,
			`{"type":"response.done","response":{"status":"cancelled"}}`,
			`{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow"}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Errorf("WriteMessage() error = %v", err)
				return
			}
		}
		// Hold the socket until the client hangs up.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	p, err := NewOpenAIRealtimeProvider(OpenAIRealtimeConfig{
		APIKey: "sk-test",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:  "gpt-test",
	})
	if err != nil {
		t.Fatalf("NewOpenAIRealtimeProvider() error = %v", err)
	}

	rt, err := p.Connect(context.Background(), RealtimeOptions{Instructions: "be nice", Voice: "verse", InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer rt.Close()

	frame := audio.Frame{Data: audio.Silence(16000, 20*time.Millisecond), SampleRate: 16000}
	if err := rt.SendAudio(context.Background(), frame); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	select {
	case n := <-appended:
		// 20ms resampled to 24kHz.
		if n != 960 {
			t.Fatalf("appended bytes = %d, want 960", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio")
	}

	var got []RealtimeEvent
	for len(got) < 7 {
		select {
		case ev := <-rt.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after events %+v", got)
		}
	}
	wantTypes := []RealtimeEventType{
		RealtimeTurnStarted, RealtimeTranscript, RealtimeResponseStarted, RealtimeTranscript,
		RealtimeTurnEnded, RealtimeInterrupted, RealtimeError,
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event %d type = %s, want %s", i, got[i].Type, want)
		}
	}
	if got[1].Speaker != SpeakerUser || got[1].Text != "hi" {
		t.Fatalf("user transcript = %+v", got[1])
	}
	if got[3].Speaker != SpeakerAssistant || got[3].Text != "hello!" {
		t.Fatalf("assistant transcript = %+v", got[3])
	}
	if got[6].Code != "rate_limit_exceeded" || !got[6].Retryable {
		t.Fatalf("error event = %+v, want retryable rate_limit_exceeded", got[6])
	}

	select {
	case f := <-rt.Audio():
		if len(f.Data) != 960 || f.SampleRate != 24000 {
			t.Fatalf("audio frame = %d bytes at %d Hz, want 960 at 24000", len(f.Data), f.SampleRate)
		}
	case <-time.After(time.Second):
		t.Fatal("no audio delta delivered")
	}
}
