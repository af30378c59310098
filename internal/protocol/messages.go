package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants on the room wire.
type MessageType string

const (
	TypeAudio      MessageType = "audio"
	TypeLeave      MessageType = "leave"
	TypeJoined     MessageType = "joined"
	TypeClearAudio MessageType = "clear_audio"
	TypeAgentState MessageType = "agent_state"
	TypeTranscript MessageType = "transcript"
	TypeError      MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Audio carries one PCM16LE frame in either direction.
type Audio struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type Leave struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type Joined struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room"`
	Identity string      `json:"identity"`
}

// ClearAudio tells the client to drop any agent audio it has queued.
type ClearAudio struct {
	Type MessageType `json:"type"`
}

type AgentState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
}

// Transcript reports an utterance. A later message with the same ID
// replaces the earlier one.
type Transcript struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ID          string      `json:"id"`
	Speaker     string      `json:"speaker"`
	Text        string      `json:"text"`
	Interrupted bool        `json:"interrupted,omitempty"`
	Removed     bool        `json:"removed,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source,omitempty"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio")
		}
		return msg, nil
	case TypeLeave:
		var msg Leave
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
