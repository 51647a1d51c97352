// Package source provides concrete frame producers for the pump:
// fixed-size raw readers and animated GIF decoding.
package source

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/flume/media"
)

// ErrExhausted is returned by Read once a source has no frames left.
// Callers are expected to check Exhausted first.
var ErrExhausted = errors.New("source: read past end of stream")

// Raw reads fixed-size frames from an io.Reader and synthesizes
// presentation timestamps at a constant frame interval. It exhausts on
// EOF; a partial trailing frame is dropped.
type Raw struct {
	r         io.Reader
	frameSize int
	interval  int64 // microseconds between frames
	pts       int64

	// next holds the lookahead frame so Exhausted can be a pure query.
	next      []byte
	exhausted bool
	err       error
}

// NewRaw creates a raw source reading frameSize-byte frames from r, one
// per frameInterval.
func NewRaw(r io.Reader, frameSize int, frameInterval time.Duration) (*Raw, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("source: frame size must be positive, got %d", frameSize)
	}
	if frameInterval <= 0 {
		return nil, fmt.Errorf("source: frame interval must be positive, got %s", frameInterval)
	}
	s := &Raw{
		r:         r,
		frameSize: frameSize,
		interval:  frameInterval.Microseconds(),
	}
	s.preload()
	return s, nil
}

// Exhausted reports whether all complete frames have been read.
func (s *Raw) Exhausted() bool {
	return s.exhausted
}

// Read returns the next frame and advances the source by one.
func (s *Raw) Read() (media.Frame, error) {
	if s.err != nil {
		return media.Frame{}, fmt.Errorf("source: read raw frame: %w", s.err)
	}
	if s.exhausted {
		return media.Frame{}, ErrExhausted
	}

	frame := media.Frame{Data: s.next, PTS: s.pts}
	s.pts += s.interval
	s.preload()
	return frame, nil
}

// preload buffers the next frame so exhaustion is known one frame ahead.
func (s *Raw) preload() {
	buf := make([]byte, s.frameSize)
	_, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		s.next = buf
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.next = nil
		s.exhausted = true
	default:
		s.next = nil
		s.err = err
	}
}
