package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/flume/media"
)

// Compile-time interface check.
var _ Encoder = (*Loopback)(nil)

// LoopbackConfig tunes the loopback encoder's buffer pools and optional
// protocol events.
type LoopbackConfig struct {
	// InputBuffers and OutputBuffers size the two buffer pools.
	InputBuffers  int
	OutputBuffers int
	// BufferSize is the capacity of each buffer in bytes.
	BufferSize int
	// EmitCodecConfig makes the encoder produce one codec-config flagged
	// chunk (carrying the format's Extra bytes) before the first real
	// output, the way hardware encoders surface parameter sets.
	EmitCodecConfig bool
	// EmitBuffersChanged makes the encoder report one buffer-set-changed
	// event right after format negotiation.
	EmitBuffersChanged bool
}

func (c *LoopbackConfig) setDefaults() {
	if c.InputBuffers == 0 {
		c.InputBuffers = 4
	}
	if c.OutputBuffers == 0 {
		c.OutputBuffers = 4
	}
	if c.BufferSize == 0 {
		c.BufferSize = 64 << 10
	}
}

// loopChunk is one queued input awaiting an output slot.
type loopChunk struct {
	data []byte
	pts  int64
	eos  bool
}

// Loopback is a software encoder that echoes every queued input back as
// one output chunk, preserving timestamps, through the same queue-based
// protocol a hardware codec uses: one-shot format negotiation, optional
// codec-config output, buffer pools of fixed capacity, and end-of-stream
// propagation from input to output.
//
// It stands in for a real codec in tests, examples, and the flume CLI.
// End-of-stream input produces a trailing empty output chunk flagged
// end-of-stream, after the final data chunk.
type Loopback struct {
	mu  sync.Mutex
	cfg LoopbackConfig

	configured bool
	started    bool
	released   bool

	format     media.OutputFormat
	formatSent bool

	configPending  bool
	buffersPending bool

	inBufs [][]byte
	inBusy []bool
	inFree []int

	outBufs [][]byte
	outFree []int

	pending  []loopChunk
	inputEOS bool
}

// NewLoopback creates a loopback encoder. Zero-value config fields get
// defaults (4+4 buffers of 64 KiB).
func NewLoopback(cfg LoopbackConfig) *Loopback {
	cfg.setDefaults()
	return &Loopback{cfg: cfg}
}

// Configure stores the desired format as the negotiated one and
// allocates the buffer pools.
func (l *Loopback) Configure(desired media.OutputFormat) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("codec: configure released encoder")
	}
	if l.started {
		return fmt.Errorf("codec: configure running encoder")
	}

	l.format = desired
	l.configured = true
	l.formatSent = false
	l.inputEOS = false
	l.pending = nil

	l.inBufs = make([][]byte, l.cfg.InputBuffers)
	l.inBusy = make([]bool, l.cfg.InputBuffers)
	l.inFree = l.inFree[:0]
	for i := range l.inBufs {
		l.inBufs[i] = make([]byte, l.cfg.BufferSize)
		l.inFree = append(l.inFree, i)
	}

	l.outBufs = make([][]byte, l.cfg.OutputBuffers)
	l.outFree = l.outFree[:0]
	for i := range l.outBufs {
		l.outBufs[i] = make([]byte, l.cfg.BufferSize)
		l.outFree = append(l.outFree, i)
	}
	return nil
}

// Start transitions the configured encoder into the running state.
func (l *Loopback) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("codec: start released encoder")
	}
	if !l.configured {
		return fmt.Errorf("codec: start unconfigured encoder")
	}
	l.started = true
	return nil
}

// Stop halts the encoder. Queued but undrained output is discarded.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}
	l.started = false
	return nil
}

// Release frees the buffer pools. Idempotent.
func (l *Loopback) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.released = true
	l.started = false
	l.inBufs, l.inBusy, l.inFree = nil, nil, nil
	l.outBufs, l.outFree = nil, nil
	l.pending = nil
}

// DequeueInput returns a free input buffer, or ok=false when the pool is
// exhausted, the encoder is not running, or input already ended.
func (l *Loopback) DequeueInput(_ time.Duration) (int, []byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.inputEOS || len(l.inFree) == 0 {
		return 0, nil, false
	}
	idx := l.inFree[len(l.inFree)-1]
	l.inFree = l.inFree[:len(l.inFree)-1]
	l.inBusy[idx] = true
	return idx, l.inBufs[idx], true
}

// QueueInput accepts a filled input buffer and queues its contents for
// echo as output. The input buffer returns to the free pool immediately.
func (l *Loopback) QueueInput(index, n int, pts int64, endOfStream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}
	if index < 0 || index >= len(l.inBufs) || !l.inBusy[index] {
		return ErrBadIndex
	}
	if n < 0 || n > len(l.inBufs[index]) {
		return fmt.Errorf("codec: queue %d bytes into %d-byte buffer", n, len(l.inBufs[index]))
	}
	if l.inputEOS {
		return ErrInputPostEOS
	}

	if n > 0 {
		data := make([]byte, n)
		copy(data, l.inBufs[index][:n])
		l.pending = append(l.pending, loopChunk{data: data, pts: pts})
	}
	if endOfStream {
		l.pending = append(l.pending, loopChunk{pts: pts, eos: true})
		l.inputEOS = true
	}

	l.inBusy[index] = false
	l.inFree = append(l.inFree, index)
	return nil
}

// DequeueOutput reports format negotiation on the first poll, then the
// optional buffer-set-changed and codec-config events, then echoes
// queued inputs in order. Returns PollTryAgain when nothing is pending
// or the output pool is exhausted.
func (l *Loopback) DequeueOutput(_ time.Duration) (Poll, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return Poll{}, ErrNotStarted
	}

	if !l.formatSent {
		l.formatSent = true
		l.configPending = l.cfg.EmitCodecConfig
		l.buffersPending = l.cfg.EmitBuffersChanged
		return Poll{Status: PollFormatChanged}, nil
	}
	if l.buffersPending {
		l.buffersPending = false
		return Poll{Status: PollBuffersChanged}, nil
	}

	if l.configPending {
		idx, ok := l.takeOutput(l.format.Extra)
		if !ok {
			return Poll{Status: PollTryAgain}, nil
		}
		l.configPending = false
		return Poll{Status: PollBuffer, Buffer: OutputBuffer{
			Index: idx,
			Data:  l.outBufs[idx][:len(l.format.Extra)],
			Flags: media.FlagCodecConfig,
		}}, nil
	}

	if len(l.pending) == 0 {
		return Poll{Status: PollTryAgain}, nil
	}
	idx, ok := l.takeOutput(l.pending[0].data)
	if !ok {
		return Poll{Status: PollTryAgain}, nil
	}
	c := l.pending[0]
	l.pending = l.pending[1:]

	var flags media.ChunkFlags
	if len(c.data) > 0 {
		// Every echoed raw frame is independently decodable.
		flags |= media.FlagKeyFrame
	}
	if c.eos {
		flags |= media.FlagEndOfStream
	}
	return Poll{Status: PollBuffer, Buffer: OutputBuffer{
		Index: idx,
		Data:  l.outBufs[idx][:len(c.data)],
		PTS:   c.pts,
		Flags: flags,
	}}, nil
}

// takeOutput claims a free output slot and copies data into it. Callers
// hold l.mu.
func (l *Loopback) takeOutput(data []byte) (int, bool) {
	if len(l.outFree) == 0 {
		return 0, false
	}
	if len(data) > l.cfg.BufferSize {
		return 0, false
	}
	idx := l.outFree[len(l.outFree)-1]
	l.outFree = l.outFree[:len(l.outFree)-1]
	copy(l.outBufs[idx], data)
	return idx, true
}

// ReleaseOutput returns an output buffer to the free pool.
func (l *Loopback) ReleaseOutput(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}
	if index < 0 || index >= len(l.outBufs) {
		return ErrBadIndex
	}
	for _, free := range l.outFree {
		if free == index {
			return fmt.Errorf("codec: release output %d twice: %w", index, ErrBadIndex)
		}
	}
	l.outFree = append(l.outFree, index)
	return nil
}

// NegotiatedFormat reports the format settled during negotiation. Valid
// only after DequeueOutput has returned PollFormatChanged.
func (l *Loopback) NegotiatedFormat() (media.OutputFormat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.formatSent {
		return media.OutputFormat{}, ErrNoFormat
	}
	return l.format, nil
}
