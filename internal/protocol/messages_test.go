package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudio(t *testing.T) {
	raw := []byte(`{"type":"audio","seq":1,"pcm16_base64":"AQID","sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(Audio)
	if !ok {
		t.Fatalf("message type = %T, want Audio", msg)
	}
	if audio.Seq != 1 || audio.SampleRate != 16000 || audio.PCM16Base64 != "AQID" {
		t.Fatalf("unexpected audio: %+v", audio)
	}
}

func TestParseClientMessageRejectsInvalidAudio(t *testing.T) {
	for _, raw := range []string{
		`{"type":"audio","pcm16_base64":"","sample_rate":16000}`,
		`{"type":"audio","pcm16_base64":"AQID","sample_rate":0}`,
		`{"type":"audio","pcm16_base64":"AQID","sample_rate":"fast"}`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want error", raw)
		}
	}
}

func TestParseClientMessageLeave(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"leave","reason":"hangup"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	leave, ok := msg.(Leave)
	if !ok {
		t.Fatalf("message type = %T, want Leave", msg)
	}
	if leave.Reason != "hangup" {
		t.Fatalf("Reason = %q, want %q", leave.Reason, "hangup")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want error")
	}
}
