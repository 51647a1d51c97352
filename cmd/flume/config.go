package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the flume CLI configuration. All fields have explicit
// defaults or are validated as required.
type Config struct {
	// Input is the source file: an animated GIF, or raw frames when
	// FrameSize is set.
	Input string `yaml:"input"`
	// Output is the destination: a .ts file, an srt://host:port target,
	// or any other path for an elementary-stream dump.
	Output string `yaml:"output"`
	// MIME is the desired output codec identifier.
	MIME string `yaml:"mime,omitempty"`
	// SRTStreamID names the stream when pushing over SRT.
	SRTStreamID string `yaml:"srt_stream_id,omitempty"`
	// FrameSize is the byte size of one raw input frame. Required for
	// non-GIF input, ignored for GIF.
	FrameSize int `yaml:"frame_size,omitempty"`
	// FrameRate is the raw input frame rate. Ignored for GIF, which
	// carries its own timing.
	FrameRate int `yaml:"frame_rate,omitempty"`
	// InputBuffers and BufferSize tune the encoder's buffer pool.
	InputBuffers int `yaml:"input_buffers,omitempty"`
	BufferSize   int `yaml:"buffer_size,omitempty"`
}

// LoadConfig reads configuration from a YAML file, rejecting unknown
// fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.MIME == "" {
		c.MIME = "video/raw"
	}
	if c.SRTStreamID == "" {
		c.SRTStreamID = "live/flume"
	}
	if c.FrameRate == 0 {
		c.FrameRate = 30
	}
	if c.InputBuffers == 0 {
		c.InputBuffers = 4
	}
}

// Validate checks that all configuration values are usable. Returns an
// error describing the first validation failure found.
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("input is required")
	}
	if c.Output == "" {
		return fmt.Errorf("output is required")
	}
	if !strings.HasSuffix(strings.ToLower(c.Input), ".gif") && c.FrameSize <= 0 {
		return fmt.Errorf("frame_size is required for non-GIF input, got %d", c.FrameSize)
	}
	if c.FrameRate <= 0 || c.FrameRate > 1000 {
		return fmt.Errorf("frame_rate must be between 1 and 1000, got %d", c.FrameRate)
	}
	if c.InputBuffers <= 0 {
		return fmt.Errorf("input_buffers must be positive, got %d", c.InputBuffers)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize)
	}
	return nil
}
