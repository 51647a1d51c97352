// Package sink provides concrete chunk consumers for the pump: raw
// elementary-stream dumps, MoQ object framing for QUIC streams,
// single-program MPEG-TS muxing, and SRT push.
package sink

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/flume/media"
)

// Protocol sentinels shared by all sinks in this package.
var (
	ErrFormatRedeclared = errors.New("sink: output format declared twice")
	ErrNoFormat         = errors.New("sink: write before format declaration")
)

// ES dumps each chunk's payload verbatim to an io.Writer, producing a
// bare elementary stream. The format's Extra bytes (parameter sets) are
// written once at the head of the stream; zero-size end-of-stream
// chunks produce no output.
type ES struct {
	w        io.Writer
	declared bool
}

// NewES creates an elementary-stream sink writing to w.
func NewES(w io.Writer) *ES {
	return &ES{w: w}
}

// DeclareFormat writes the format's codec configuration, if any, as the
// stream head. Callable exactly once.
func (s *ES) DeclareFormat(format media.OutputFormat) error {
	if s.declared {
		return ErrFormatRedeclared
	}
	s.declared = true

	if len(format.Extra) == 0 {
		return nil
	}
	if _, err := s.w.Write(format.Extra); err != nil {
		return fmt.Errorf("sink: write stream head: %w", err)
	}
	return nil
}

// Write appends the chunk payload to the stream.
func (s *ES) Write(chunk media.Chunk) error {
	if !s.declared {
		return ErrNoFormat
	}
	if chunk.Size() == 0 {
		return nil
	}
	if _, err := s.w.Write(chunk.Data); err != nil {
		return fmt.Errorf("sink: write chunk: %w", err)
	}
	return nil
}
