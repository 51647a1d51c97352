// Package codec defines the buffer-exchange contract between the pump
// and a queue-based encoder, in the style of hardware codec APIs:
// dequeue an empty input buffer, queue it back filled, poll for ready
// output, release consumed output. Every operation is non-blocking with
// an explicit timeout; a zero timeout is a pure poll.
package codec

import (
	"errors"
	"time"

	"github.com/zsiec/flume/media"
)

// Sentinel errors for encoder protocol misuse. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrNotStarted   = errors.New("codec: encoder not started")
	ErrNoFormat     = errors.New("codec: output format not negotiated yet")
	ErrBadIndex     = errors.New("codec: invalid buffer index")
	ErrInputPostEOS = errors.New("codec: input queued after end of stream")
)

// PollStatus classifies the result of one DequeueOutput call.
type PollStatus int

const (
	// PollTryAgain means no output buffer became ready within the
	// timeout. Not an error; the caller polls again later.
	PollTryAgain PollStatus = iota
	// PollFormatChanged means the encoder has settled its output format,
	// readable via NegotiatedFormat. Emitted before the first output
	// buffer; not real output.
	PollFormatChanged
	// PollBuffersChanged means the encoder invalidated its buffer set.
	// A bookkeeping event: previously obtained buffer views are stale
	// and the caller should poll again immediately.
	PollBuffersChanged
	// PollBuffer means Poll.Buffer holds a ready output buffer.
	PollBuffer
)

// OutputBuffer is a view of one ready encoder output buffer. Data stays
// owned by the encoder until ReleaseOutput(Index) returns it.
type OutputBuffer struct {
	Index int
	Data  []byte
	PTS   int64
	Flags media.ChunkFlags
}

// Poll is the result of one DequeueOutput call.
type Poll struct {
	Status PollStatus
	// Buffer is valid only when Status is PollBuffer.
	Buffer OutputBuffer
}

// Encoder is the queue-based encoder resource driven by the pump. Any
// hardware or software codec sits behind this seam; the pump assumes
// nothing beyond it.
//
// An Encoder is exclusively owned by one pump for its lifetime. Buffer
// indices obtained from DequeueInput and DequeueOutput are only valid
// until the matching QueueInput or ReleaseOutput call.
type Encoder interface {
	// Configure prepares the encoder to produce the desired output
	// format. Configuration failures are fatal and must not be retried.
	Configure(desired media.OutputFormat) error
	// Start transitions the configured encoder into the running state.
	Start() error
	// Stop halts a running encoder. The encoder may be released afterward.
	Stop() error
	// Release frees the underlying resource. Idempotent.
	Release()

	// DequeueInput returns the index and writable view of a free input
	// buffer, or ok=false if none became free within the timeout.
	DequeueInput(timeout time.Duration) (index int, buf []byte, ok bool)
	// QueueInput submits the first n bytes of the input buffer at index,
	// stamped with a presentation timestamp in microseconds. A true
	// endOfStream marks this submission as the last; no further input
	// may follow it.
	QueueInput(index, n int, pts int64, endOfStream bool) error
	// DequeueOutput polls for encoder output. The returned Poll
	// discriminates between no-buffer, format-changed, buffer-set-changed
	// and a ready buffer.
	DequeueOutput(timeout time.Duration) (Poll, error)
	// ReleaseOutput hands an output buffer back to the encoder once its
	// contents have been consumed.
	ReleaseOutput(index int) error

	// NegotiatedFormat reports the encoder's actual output format. Only
	// valid after DequeueOutput has returned PollFormatChanged.
	NegotiatedFormat() (media.OutputFormat, error)
}
