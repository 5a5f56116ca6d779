// Package dashscope drives the DashScope streaming speech-synthesis task protocol.
package dashscope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antoniostano/speechrelay/internal/synthesis"
)

const (
	ActionRunTask      = "run-task"
	ActionContinueTask = "continue-task"
	ActionFinishTask   = "finish-task"

	EventTaskStarted     = "task-started"
	EventTaskFinished    = "task-finished"
	EventTaskFailed      = "task-failed"
	EventResultGenerated = "result-generated"
)

// Base synthesis parameters sent with every run-task.
const (
	textTypePlain = "PlainText"
	defaultVolume = 50
	defaultRate   = 1
	defaultPitch  = 1
)

type Header struct {
	Action       string         `json:"action,omitempty"`
	Event        string         `json:"event,omitempty"`
	TaskID       string         `json:"task_id"`
	Streaming    string         `json:"streaming,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Frame is a JSON control frame. Audio travels as separate binary messages.
type Frame struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Input struct {
	Text string `json:"text,omitempty"`
}

type RunTaskPayload struct {
	TaskGroup  string         `json:"task_group"`
	Task       string         `json:"task"`
	Function   string         `json:"function"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters"`
	Input      Input          `json:"input"`
}

type inputPayload struct {
	Input Input `json:"input"`
}

var errMissingHeader = errors.New("control frame without header event")

// NewRunTaskFrame builds the run-task action. Output-only configs carry the text inline;
// duplex configs leave input empty and send text with continue-task.
func NewRunTaskFrame(taskID string, cfg synthesis.TaskConfig, text, voiceID string) (Frame, error) {
	params := map[string]any{
		"text_type":   textTypePlain,
		"format":      cfg.Format,
		"sample_rate": cfg.SampleRate,
		"volume":      defaultVolume,
		"rate":        defaultRate,
		"pitch":       defaultPitch,
	}
	for k, v := range cfg.ExtraParams {
		params[k] = v
	}
	if cfg.RequiresVoice {
		params["voice"] = voiceID
	}

	payload := RunTaskPayload{
		TaskGroup:  "audio",
		Task:       "tts",
		Function:   "SpeechSynthesizer",
		Model:      cfg.Model,
		Parameters: params,
	}
	if cfg.InlineText() {
		payload.Input = Input{Text: text}
	}
	return newFrame(Header{Action: ActionRunTask, TaskID: taskID, Streaming: cfg.Streaming.Wire()}, payload)
}

func NewContinueTaskFrame(taskID, text string) (Frame, error) {
	return newFrame(Header{Action: ActionContinueTask, TaskID: taskID, Streaming: synthesis.StreamingDuplex.Wire()},
		inputPayload{Input: Input{Text: text}})
}

func NewFinishTaskFrame(taskID string) (Frame, error) {
	return newFrame(Header{Action: ActionFinishTask, TaskID: taskID, Streaming: synthesis.StreamingDuplex.Wire()},
		inputPayload{})
}

func newFrame(h Header, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", h.Action, err)
	}
	return Frame{Header: h, Payload: raw}, nil
}

// ParseFrame decodes an inbound control frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode control frame: %w", err)
	}
	if f.Header.Event == "" {
		return Frame{}, errMissingHeader
	}
	return f, nil
}

// UpstreamError is the failure reported by a task-failed event.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return "synthesis task failed"
	}
}
