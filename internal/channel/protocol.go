package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/coder/websocket"
)

// ── Outgoing ──────────────────────────────────────────────────────────────────

// RequestType discriminates outbound control requests.
type RequestType string

const (
	// RequestGreeting asks the backend for the opening greeting.
	RequestGreeting RequestType = "greeting"

	// RequestProlongedPause asks the backend for a follow-up question after
	// the learner has been silent for a while.
	RequestProlongedPause RequestType = "prolonged_pause"
)

// ControlRequest is an outbound control frame.
type ControlRequest struct {
	Type     RequestType `json:"type"`
	UserName string      `json:"user_name"`
}

// UtteranceUpload carries one recorded utterance. Audio is always embedded
// as base64 inside JSON, never sent as a binary frame.
type UtteranceUpload struct {
	AudioBase64 string `json:"audio_base64"`
	Filename    string `json:"filename"`
	UserName    string `json:"user_name,omitempty"`
}

// NewUtteranceUpload encodes c for upload on behalf of userName.
func NewUtteranceUpload(c audio.Capture, userName string) UtteranceUpload {
	name := c.Filename
	if name == "" {
		name = "recording.wav"
	}
	return UtteranceUpload{
		AudioBase64: base64.StdEncoding.EncodeToString(c.Data),
		Filename:    name,
		UserName:    userName,
	}
}

// ── Incoming ──────────────────────────────────────────────────────────────────

// ControlMessage is an inbound JSON frame. The backend fills either Response
// or ConversationText with the tutor's reply.
type ControlMessage struct {
	// Step is an optional discriminator naming the conversation step.
	Step string `json:"step,omitempty"`

	Response         string `json:"response,omitempty"`
	ConversationText string `json:"conversation_text,omitempty"`

	// Correction and Feedback carry optional language coaching.
	Correction string `json:"correction,omitempty"`
	Feedback   string `json:"feedback,omitempty"`

	// OriginalText is the backend's transcription of the learner's last
	// utterance.
	OriginalText string `json:"original_text,omitempty"`
}

// Text returns the tutor's reply, preferring Response over
// ConversationText.
func (m ControlMessage) Text() string {
	if m.Response != "" {
		return m.Response
	}
	return m.ConversationText
}

// Frame is one inbound message: exactly one of Control and Audio is set.
type Frame struct {
	Control *ControlMessage
	Audio   []byte
}

// IsAudio reports whether the frame carries synthesized speech.
func (f Frame) IsAudio() bool { return f.Control == nil }

// DecodeFrame turns one websocket message into a [Frame]. Binary messages
// are audio; text messages must hold a JSON [ControlMessage].
func DecodeFrame(typ websocket.MessageType, data []byte) (Frame, error) {
	switch typ {
	case websocket.MessageBinary:
		return Frame{Audio: data}, nil
	case websocket.MessageText:
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Frame{}, fmt.Errorf("channel: decode control frame: %w", err)
		}
		return Frame{Control: &msg}, nil
	default:
		return Frame{}, fmt.Errorf("channel: unsupported message type %v", typ)
	}
}

// dispatch hands f to the matching handler.
func (f Frame) dispatch(h Handlers) {
	if f.IsAudio() {
		if h.OnAudio != nil {
			h.OnAudio(f.Audio)
		}
		return
	}
	if h.OnControl != nil {
		h.OnControl(*f.Control)
	}
}
