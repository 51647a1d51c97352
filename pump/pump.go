// Package pump implements the encode drive loop: it pulls raw frames
// from a Source, pushes them into a queue-based encoder, and forwards
// the encoder's compressed output to a Sink, tracking end-of-stream on
// both sides and the encoder's one-shot output format negotiation.
//
// The pump is single-threaded and cooperative: it spawns no goroutines
// and never blocks, the caller decides the cadence of Work calls (or
// uses Run for a ready-made polling driver).
package pump

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/flume/codec"
	"github.com/zsiec/flume/media"
)

// Source produces the raw frames the pump feeds into the encoder.
// Exhausted is a pure query; Read may only be called while it reports
// false, and each call advances the source by exactly one frame.
type Source interface {
	Exhausted() bool
	Read() (media.Frame, error)
}

// Sink consumes the encoder's output. DeclareFormat is called exactly
// once, before the first Write. Chunk data is only valid until Write
// returns; sinks must not retain it.
type Sink interface {
	DeclareFormat(format media.OutputFormat) error
	Write(chunk media.Chunk) error
}

// FeedStrategy converts raw frames into encoder input submissions. How
// a frame becomes encoder input is format-specific, so the pump
// delegates it: Push hands over the next frame read from the source
// (tagged with the end-of-stream flag), and Feed submits pending input
// using zero-timeout buffer dequeues, reporting whether it submitted
// anything. After a strategy has queued an end-of-stream input it must
// go permanently idle.
type FeedStrategy interface {
	Push(frame media.Frame)
	Feed(enc codec.Encoder) (bool, error)
}

// Protocol violation sentinels. These indicate a collaborator or
// invariant breach, are fatal, and are never retried.
var (
	ErrNotSetUp           = errors.New("pump: Setup not called")
	ErrFormatChangedTwice = errors.New("pump: encoder output format changed twice")
	ErrNoOutputFormat     = errors.New("pump: encoder produced output before settling a format")
)

// drainState is the three-way outcome of one output poll, deciding
// whether the drain loop keeps polling and whether the poll counted as
// work toward the caller.
type drainState int

const (
	// drainNone: nothing available, stop polling.
	drainNone drainState = iota
	// drainRetry: bookkeeping event, poll again but report no activity.
	drainRetry
	// drainConsumed: consumed an output buffer, poll again.
	drainConsumed
)

// Stats is a point-in-time snapshot of pump throughput counters.
type Stats struct {
	FramesRead    int64
	ChunksWritten int64
	BytesOut      int64
	LastInputPTS  int64
	LastOutputPTS int64
}

// Pump drives one source, one encoder, and one sink. It is bound to its
// source and sink at construction and to the encoder at Setup; the
// encoder is exclusively owned by the pump until Release.
type Pump struct {
	log    *slog.Logger
	source Source
	sink   Sink
	feeder FeedStrategy

	enc     codec.Encoder
	started bool

	// format is captured from the encoder's one-shot negotiation event
	// and declared to the sink; a second negotiation is a protocol
	// violation.
	format *media.OutputFormat

	// Both exhaustion flags are monotonic: once set they never reset.
	sourceExhausted  bool
	encoderExhausted bool

	framesRead    atomic.Int64
	chunksWritten atomic.Int64
	bytesOut      atomic.Int64
	lastInputPTS  atomic.Int64
	lastOutputPTS atomic.Int64
}

// New creates a Pump bound to one source and one sink. If feeder is
// nil, a FrameFeeder is used. If log is nil, slog.Default() is used.
func New(source Source, sink Sink, feeder FeedStrategy, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	if feeder == nil {
		feeder = NewFrameFeeder()
	}
	return &Pump{
		log:    log.With("component", "pump"),
		source: source,
		sink:   sink,
		feeder: feeder,
	}
}

// Setup configures the encoder for the desired output format and starts
// it. Failures are fatal and not retried: the pump is left unusable and
// must still be released.
func (p *Pump) Setup(desired media.OutputFormat, enc codec.Encoder) error {
	p.enc = enc
	if err := enc.Configure(desired); err != nil {
		return fmt.Errorf("pump: configure encoder: %w", err)
	}
	if err := enc.Start(); err != nil {
		return fmt.Errorf("pump: start encoder: %w", err)
	}
	p.started = true
	p.log.Info("encoder started",
		"mime", desired.MIME,
		"width", desired.Width,
		"height", desired.Height,
	)
	return nil
}

// Work performs one cooperative pump iteration: drain all currently
// available encoder output, attempt one source read, then feed pending
// input until the encoder has no free input buffer. Returns true if any
// phase made progress, so the caller knows whether to keep polling or
// yield. Once Finished reports true, Work is a no-op.
func (p *Pump) Work(forceEOS bool) (bool, error) {
	if p.enc == nil || !p.started {
		return false, ErrNotSetUp
	}

	busy := false
	for {
		st, err := p.drainEncoder(0)
		if err != nil {
			return busy, err
		}
		if st == drainNone {
			break
		}
		if st == drainConsumed {
			busy = true
		}
	}

	// Single attempt: retrying the source against a full encoder would
	// deadlock the drain/feed cycle.
	did, err := p.drainSource(forceEOS)
	if err != nil {
		return busy, err
	}
	busy = busy || did

	for {
		fed, err := p.feeder.Feed(p.enc)
		if err != nil {
			return busy, fmt.Errorf("pump: feed encoder: %w", err)
		}
		if !fed {
			break
		}
		busy = true
	}
	return busy, nil
}

// Finished reports whether the encoder has emitted its end-of-stream
// chunk. This is the sole termination signal: a finished pump has
// forwarded everything it ever will.
func (p *Pump) Finished() bool {
	return p.encoderExhausted
}

// Snapshot returns the pump's throughput counters.
func (p *Pump) Snapshot() Stats {
	return Stats{
		FramesRead:    p.framesRead.Load(),
		ChunksWritten: p.chunksWritten.Load(),
		BytesOut:      p.bytesOut.Load(),
		LastInputPTS:  p.lastInputPTS.Load(),
		LastOutputPTS: p.lastOutputPTS.Load(),
	}
}

// Release stops the encoder if it was started and frees the underlying
// resource. Idempotent: safe before Setup, after a failed Setup, and
// when called twice; the encoder is never stopped or released twice.
func (p *Pump) Release() {
	if p.enc == nil {
		return
	}
	if p.started {
		if err := p.enc.Stop(); err != nil {
			p.log.Warn("encoder stop failed", "error", err)
		}
		p.started = false
	}
	p.enc.Release()
	p.enc = nil
}

// drainEncoder performs one output poll and dispatches on its outcome.
func (p *Pump) drainEncoder(timeout time.Duration) (drainState, error) {
	if p.encoderExhausted {
		return drainNone, nil
	}

	poll, err := p.enc.DequeueOutput(timeout)
	if err != nil {
		return drainNone, fmt.Errorf("pump: dequeue output: %w", err)
	}

	switch poll.Status {
	case codec.PollTryAgain:
		return drainNone, nil

	case codec.PollFormatChanged:
		if p.format != nil {
			return drainNone, ErrFormatChangedTwice
		}
		format, err := p.enc.NegotiatedFormat()
		if err != nil {
			return drainNone, fmt.Errorf("pump: negotiated format: %w", err)
		}
		if err := p.sink.DeclareFormat(format); err != nil {
			return drainNone, fmt.Errorf("pump: declare format: %w", err)
		}
		p.format = &format
		p.log.Info("output format declared", "mime", format.MIME)
		return drainConsumed, nil

	case codec.PollBuffersChanged:
		// Stale buffer views, nothing to forward.
		return drainRetry, nil
	}

	buf := poll.Buffer
	if p.format == nil {
		return drainNone, ErrNoOutputFormat
	}

	if buf.Flags.Has(media.FlagEndOfStream) {
		p.encoderExhausted = true
		// The flag is the signal: an end-of-stream chunk never carries a
		// payload downstream, whatever the encoder attached to it.
		buf.Data = nil
	}
	if buf.Flags.Has(media.FlagCodecConfig) {
		// Parameter sets travel in the format descriptor, not the stream.
		if err := p.enc.ReleaseOutput(buf.Index); err != nil {
			return drainNone, fmt.Errorf("pump: release output: %w", err)
		}
		return drainConsumed, nil
	}

	chunk := media.Chunk{Data: buf.Data, PTS: buf.PTS, Flags: buf.Flags}
	if err := p.sink.Write(chunk); err != nil {
		return drainNone, fmt.Errorf("pump: write chunk: %w", err)
	}
	p.chunksWritten.Add(1)
	p.bytesOut.Add(int64(chunk.Size()))
	p.lastOutputPTS.Store(chunk.PTS)

	if err := p.enc.ReleaseOutput(buf.Index); err != nil {
		return drainNone, fmt.Errorf("pump: release output: %w", err)
	}
	return drainConsumed, nil
}

// drainSource attempts one read from the source and hands the frame to
// the feed strategy. Once the source is exhausted (naturally or via
// forceEOS) it is a no-op forever.
func (p *Pump) drainSource(forceEOS bool) (bool, error) {
	if p.sourceExhausted {
		return false, nil
	}

	if forceEOS || p.source.Exhausted() {
		p.sourceExhausted = true
		// No frame carries the flag here, so the encoder gets an empty
		// end-of-stream submission instead. The transition itself is
		// this iteration's unit of work.
		p.feeder.Push(media.Frame{PTS: p.lastInputPTS.Load(), EndOfStream: true})
		p.log.Info("source end of stream",
			"forced", forceEOS,
			"frames", p.framesRead.Load(),
		)
		return true, nil
	}

	frame, err := p.source.Read()
	if err != nil {
		return false, fmt.Errorf("pump: read source: %w", err)
	}
	frame.EndOfStream = p.source.Exhausted()
	if frame.EndOfStream {
		p.sourceExhausted = true
		p.log.Info("source end of stream",
			"forced", false,
			"frames", p.framesRead.Load()+1,
		)
	}
	p.framesRead.Add(1)
	p.lastInputPTS.Store(frame.PTS)
	p.feeder.Push(frame)
	return true, nil
}
