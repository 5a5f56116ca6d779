// Package synthesis holds the static table of supported synthesis modes.
package synthesis

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Streaming selects how text reaches the provider.
type Streaming int

const (
	// StreamingOutputOnly submits the whole text inside run-task.
	StreamingOutputOnly Streaming = iota + 1
	// StreamingDuplex submits text with continue-task after task-started and ends with finish-task.
	StreamingDuplex
)

// Wire returns the value of the run-task header "streaming" field.
func (s Streaming) Wire() string {
	switch s {
	case StreamingOutputOnly:
		return "out"
	case StreamingDuplex:
		return "duplex"
	default:
		return ""
	}
}

func (s Streaming) String() string {
	switch s {
	case StreamingOutputOnly:
		return "output-only"
	case StreamingDuplex:
		return "duplex"
	default:
		return fmt.Sprintf("streaming(%d)", int(s))
	}
}

var ErrUnknownMode = errors.New("unsupported synthesis type")

// TaskConfig describes one synthesis backend variant.
type TaskConfig struct {
	Mode          string
	Model         string
	Streaming     Streaming
	SampleRate    int
	Category      string
	Format        string
	ExtraParams   map[string]any
	RequiresVoice bool
}

// InlineText reports whether the input text travels inside run-task.
func (c TaskConfig) InlineText() bool {
	return c.Streaming == StreamingOutputOnly
}

// Registry maps a mode key to its TaskConfig. It is read-only after construction.
type Registry struct {
	configs map[string]TaskConfig
}

func NewRegistry(configs ...TaskConfig) (*Registry, error) {
	r := &Registry{configs: make(map[string]TaskConfig, len(configs))}
	for _, c := range configs {
		if c.Mode == "" {
			return nil, errors.New("synthesis config without mode key")
		}
		if _, dup := r.configs[c.Mode]; dup {
			return nil, fmt.Errorf("duplicate synthesis mode %q", c.Mode)
		}
		if c.Streaming != StreamingOutputOnly && c.Streaming != StreamingDuplex {
			return nil, fmt.Errorf("synthesis mode %q: invalid streaming %v", c.Mode, c.Streaming)
		}
		if c.Category == "" {
			c.Category = c.Mode
		}
		if c.Format == "" {
			c.Format = "mp3"
		}
		c.ExtraParams = maps.Clone(c.ExtraParams)
		r.configs[c.Mode] = c
	}
	return r, nil
}

// DefaultRegistry returns the built-in sambert and cosyvoice modes.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		TaskConfig{
			Mode:       "sambert",
			Model:      "sambert-zhifei-v1",
			Streaming:  StreamingOutputOnly,
			SampleRate: 16000,
			Category:   "sambert",
			Format:     "mp3",
			ExtraParams: map[string]any{
				"word_timestamp_enabled":    true,
				"phoneme_timestamp_enabled": true,
			},
		},
		TaskConfig{
			Mode:          "cosyvoice",
			Model:         "cosyvoice-v2",
			Streaming:     StreamingDuplex,
			SampleRate:    22050,
			Category:      "cosyvoice",
			Format:        "mp3",
			RequiresVoice: true,
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve looks up a mode key. The match is exact and case-sensitive.
func (r *Registry) Resolve(mode string) (TaskConfig, error) {
	c, ok := r.configs[mode]
	if !ok {
		return TaskConfig{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	c.ExtraParams = maps.Clone(c.ExtraParams)
	return c, nil
}

func (r *Registry) Modes() []string {
	var keys []string
	for k := range r.configs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
