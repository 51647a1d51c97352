package pump

import (
	"fmt"

	"github.com/zsiec/flume/codec"
	"github.com/zsiec/flume/media"
)

// Compile-time interface check.
var _ FeedStrategy = (*FrameFeeder)(nil)

// FrameFeeder is the default feed strategy: each raw frame is copied
// whole into one encoder input buffer. Formats that need conversion
// (color space, surface rendering) supply their own FeedStrategy.
type FrameFeeder struct {
	pending []media.Frame
	// eosPushed: the pump handed over the final frame, further pushes
	// are dropped. eosQueued: the final frame reached the encoder,
	// Feed is permanently idle.
	eosPushed bool
	eosQueued bool
}

// NewFrameFeeder creates an empty FrameFeeder.
func NewFrameFeeder() *FrameFeeder {
	return &FrameFeeder{}
}

// Push accepts the next frame read from the source. Pushes after the
// end-of-stream frame are dropped.
func (f *FrameFeeder) Push(frame media.Frame) {
	if f.eosPushed {
		return
	}
	f.pending = append(f.pending, frame)
	if frame.EndOfStream {
		f.eosPushed = true
	}
}

// Feed submits at most one pending frame to the encoder, returning true
// if it did. It reports false when nothing is pending, when no input
// buffer is free, or once end-of-stream has been queued.
func (f *FrameFeeder) Feed(enc codec.Encoder) (bool, error) {
	if f.eosQueued || len(f.pending) == 0 {
		return false, nil
	}

	index, buf, ok := enc.DequeueInput(0)
	if !ok {
		return false, nil
	}

	frame := f.pending[0]
	if len(frame.Data) > len(buf) {
		return false, fmt.Errorf("pump: %d-byte frame exceeds %d-byte input buffer", len(frame.Data), len(buf))
	}
	n := copy(buf, frame.Data)

	if err := enc.QueueInput(index, n, frame.PTS, frame.EndOfStream); err != nil {
		return false, fmt.Errorf("pump: queue input: %w", err)
	}
	f.pending = f.pending[1:]
	if frame.EndOfStream {
		f.eosQueued = true
	}
	return true, nil
}
