package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies outbound websocket payload variants.
type MessageType string

const (
	TypeError MessageType = "error"

	audioSuffix = "_audio"
)

// GenericFailureMessage is sent for failures whose details stay server-side.
const GenericFailureMessage = "server processing failed"

var (
	ErrInvalidRequest   = errors.New("invalid synthesis request")
	ErrMalformedRequest = errors.New("malformed request")
	ErrMissingType      = errors.New("type is required")
	ErrMissingText      = errors.New("text is required")
)

// SynthesisRequest is the single inbound client message.
type SynthesisRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
	Type    string `json:"type"`
}

// AudioReady reports a finished artifact.
type AudioReady struct {
	Type   MessageType `json:"type"`
	URL    string      `json:"url"`
	TaskID string      `json:"taskId,omitempty"`
}

// ErrorEvent reports a failed request.
type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	TaskID  string      `json:"taskId,omitempty"`
}

func AudioType(mode string) MessageType {
	return MessageType(mode + audioSuffix)
}

func NewAudioReady(mode, url, taskID string) AudioReady {
	return AudioReady{Type: AudioType(mode), URL: url, TaskID: taskID}
}

func NewError(message, taskID string) ErrorEvent {
	if strings.TrimSpace(message) == "" {
		message = GenericFailureMessage
	}
	return ErrorEvent{Type: TypeError, Message: message, TaskID: taskID}
}

// ParseSynthesisRequest decodes and validates a client message. Mode resolution is left to the caller,
// and Type is passed through untouched so it must match a mode exactly.
func ParseSynthesisRequest(raw []byte) (SynthesisRequest, error) {
	var req SynthesisRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return SynthesisRequest{}, fmt.Errorf("%w: %w: %v", ErrInvalidRequest, ErrMalformedRequest, err)
	}
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if strings.TrimSpace(req.Type) == "" {
		return SynthesisRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, ErrMissingType)
	}
	if strings.TrimSpace(req.Text) == "" {
		return SynthesisRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, ErrMissingText)
	}
	return req, nil
}

// TypeOf returns the type tag of an outbound message, for metrics labels.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioReady:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
