package pump

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/flume/codec"
	"github.com/zsiec/flume/media"
)

// sliceSource serves a fixed set of frames in order.
type sliceSource struct {
	frames  []media.Frame
	pos     int
	readErr error
}

func (s *sliceSource) Exhausted() bool { return s.pos >= len(s.frames) }

func (s *sliceSource) Read() (media.Frame, error) {
	if s.readErr != nil {
		return media.Frame{}, s.readErr
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// recordSink records the full call trace it receives.
type recordSink struct {
	formats []media.OutputFormat
	chunks  []media.Chunk
	trace   []string
}

func (s *recordSink) DeclareFormat(format media.OutputFormat) error {
	s.formats = append(s.formats, format)
	s.trace = append(s.trace, "declare")
	return nil
}

func (s *recordSink) Write(chunk media.Chunk) error {
	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	chunk.Data = data
	s.chunks = append(s.chunks, chunk)
	s.trace = append(s.trace, "write")
	return nil
}

// queuedInput records one QueueInput call against the script encoder.
type queuedInput struct {
	n   int
	pts int64
	eos bool
}

// scriptEncoder replays a fixed sequence of output polls and accepts
// input into a single slot, recording all lifecycle calls.
type scriptEncoder struct {
	polls []codec.Poll
	pos   int

	format       media.OutputFormat
	configureErr error

	configures int
	starts     int
	stops      int
	releases   int

	inputSlots int
	inputs     []queuedInput
	released   []int
}

func newScriptEncoder(polls ...codec.Poll) *scriptEncoder {
	return &scriptEncoder{polls: polls, inputSlots: 4}
}

func (e *scriptEncoder) Configure(desired media.OutputFormat) error {
	e.configures++
	e.format = desired
	return e.configureErr
}

func (e *scriptEncoder) Start() error { e.starts++; return nil }
func (e *scriptEncoder) Stop() error  { e.stops++; return nil }
func (e *scriptEncoder) Release()     { e.releases++ }

func (e *scriptEncoder) DequeueInput(_ time.Duration) (int, []byte, bool) {
	if len(e.inputs) >= e.inputSlots {
		return 0, nil, false
	}
	return len(e.inputs), make([]byte, 1<<16), true
}

func (e *scriptEncoder) QueueInput(_, n int, pts int64, eos bool) error {
	e.inputs = append(e.inputs, queuedInput{n: n, pts: pts, eos: eos})
	return nil
}

func (e *scriptEncoder) DequeueOutput(_ time.Duration) (codec.Poll, error) {
	if e.pos >= len(e.polls) {
		return codec.Poll{Status: codec.PollTryAgain}, nil
	}
	p := e.polls[e.pos]
	e.pos++
	return p, nil
}

func (e *scriptEncoder) ReleaseOutput(index int) error {
	e.released = append(e.released, index)
	return nil
}

func (e *scriptEncoder) NegotiatedFormat() (media.OutputFormat, error) {
	return e.format, nil
}

// drive polls Work until the pump finishes, with an iteration bound so
// broken state machines fail instead of hanging.
func drive(t *testing.T, p *Pump) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if p.Finished() {
			return
		}
		if _, err := p.Work(false); err != nil {
			t.Fatalf("Work: %v", err)
		}
	}
	t.Fatal("pump did not finish within 100 Work calls")
}

func TestWorkEchoTrace(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []media.Frame{
		{Data: []byte("aaaa"), PTS: 10},
		{Data: []byte("bbbb"), PTS: 20},
		{Data: []byte("cccc"), PTS: 30},
	}}
	snk := &recordSink{}
	enc := codec.NewLoopback(codec.LoopbackConfig{EmitCodecConfig: true})

	p := New(src, snk, nil, nil)
	desired := media.OutputFormat{MIME: "video/raw", Width: 2, Height: 2, Extra: []byte{0xAA}}
	if err := p.Setup(desired, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Release()

	drive(t, p)

	if len(snk.formats) != 1 {
		t.Fatalf("DeclareFormat calls: got %d, want 1", len(snk.formats))
	}
	if snk.trace[0] != "declare" {
		t.Errorf("first sink call: got %q, want declare", snk.trace[0])
	}
	if snk.formats[0].MIME != "video/raw" {
		t.Errorf("declared MIME: got %q, want video/raw", snk.formats[0].MIME)
	}

	// Three data chunks plus the end-of-stream chunk; the codec-config
	// chunk must not reach the sink.
	if len(snk.chunks) != 4 {
		t.Fatalf("writes: got %d, want 4", len(snk.chunks))
	}
	wantPTS := []int64{10, 20, 30}
	for i, pts := range wantPTS {
		if snk.chunks[i].PTS != pts {
			t.Errorf("chunk %d PTS: got %d, want %d", i, snk.chunks[i].PTS, pts)
		}
		if snk.chunks[i].Flags.Has(media.FlagCodecConfig) {
			t.Errorf("chunk %d carries codec-config flag", i)
		}
	}
	last := snk.chunks[3]
	if !last.Flags.Has(media.FlagEndOfStream) {
		t.Error("final chunk missing end-of-stream flag")
	}
	if last.Size() != 0 {
		t.Errorf("end-of-stream chunk size: got %d, want 0", last.Size())
	}

	if !p.Finished() {
		t.Error("Finished: got false, want true")
	}

	// A finished pump must be a silent no-op.
	writes := len(snk.trace)
	busy, err := p.Work(false)
	if err != nil {
		t.Fatalf("Work after finish: %v", err)
	}
	if busy {
		t.Error("Work after finish reported activity")
	}
	if len(snk.trace) != writes {
		t.Errorf("sink calls after finish: got %d, want %d", len(snk.trace), writes)
	}

	stats := p.Snapshot()
	if stats.FramesRead != 3 {
		t.Errorf("FramesRead: got %d, want 3", stats.FramesRead)
	}
	if stats.ChunksWritten != 4 {
		t.Errorf("ChunksWritten: got %d, want 4", stats.ChunksWritten)
	}
	if stats.BytesOut != 12 {
		t.Errorf("BytesOut: got %d, want 12", stats.BytesOut)
	}
}

func TestFormatChangedTwice(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder(
		codec.Poll{Status: codec.PollFormatChanged},
		codec.Poll{Status: codec.PollFormatChanged},
	)
	snk := &recordSink{}
	p := New(&sliceSource{}, snk, nil, nil)
	if err := p.Setup(media.OutputFormat{MIME: "video/avc"}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, err := p.Work(false)
	if !errors.Is(err, ErrFormatChangedTwice) {
		t.Fatalf("Work: got %v, want ErrFormatChangedTwice", err)
	}
	if len(snk.formats) != 1 {
		t.Errorf("DeclareFormat calls: got %d, want 1", len(snk.formats))
	}
}

func TestOutputBeforeFormat(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder(
		codec.Poll{Status: codec.PollBuffer, Buffer: codec.OutputBuffer{Data: []byte("x")}},
	)
	p := New(&sliceSource{}, &recordSink{}, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, err := p.Work(false)
	if !errors.Is(err, ErrNoOutputFormat) {
		t.Fatalf("Work: got %v, want ErrNoOutputFormat", err)
	}
}

func TestEOSPayloadNormalized(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder(
		codec.Poll{Status: codec.PollFormatChanged},
		codec.Poll{Status: codec.PollBuffer, Buffer: codec.OutputBuffer{
			Index: 2,
			Data:  []byte("trailing garbage"),
			PTS:   99,
			Flags: media.FlagEndOfStream | media.FlagKeyFrame,
		}},
	)
	snk := &recordSink{}
	p := New(&sliceSource{}, snk, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, err := p.Work(false); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(snk.chunks) != 1 {
		t.Fatalf("writes: got %d, want 1", len(snk.chunks))
	}
	got := snk.chunks[0]
	if got.Size() != 0 {
		t.Errorf("end-of-stream chunk size: got %d, want 0", got.Size())
	}
	if !got.Flags.Has(media.FlagEndOfStream) || !got.Flags.Has(media.FlagKeyFrame) {
		t.Errorf("end-of-stream chunk flags: got %b, want both flags preserved", got.Flags)
	}
	if !p.Finished() {
		t.Error("Finished: got false, want true")
	}
}

func TestCodecConfigReleasedNotForwarded(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder(
		codec.Poll{Status: codec.PollFormatChanged},
		codec.Poll{Status: codec.PollBuffer, Buffer: codec.OutputBuffer{
			Index: 7,
			Data:  []byte{0x00, 0x01},
			Flags: media.FlagCodecConfig,
		}},
		codec.Poll{Status: codec.PollBuffer, Buffer: codec.OutputBuffer{
			Index: 3,
			Data:  []byte("frame"),
			PTS:   5,
		}},
	)
	snk := &recordSink{}
	p := New(&sliceSource{}, snk, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, err := p.Work(false); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(snk.chunks) != 1 {
		t.Fatalf("writes: got %d, want 1", len(snk.chunks))
	}
	if string(snk.chunks[0].Data) != "frame" {
		t.Errorf("forwarded chunk: got %q, want %q", snk.chunks[0].Data, "frame")
	}
	if len(enc.released) != 2 || enc.released[0] != 7 || enc.released[1] != 3 {
		t.Errorf("released indices: got %v, want [7 3]", enc.released)
	}
}

func TestBuffersChangedIsNotActivity(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder(
		codec.Poll{Status: codec.PollFormatChanged},
	)
	p := New(&sliceSource{}, &recordSink{}, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// First call: format declared, source end-of-stream transition, and
	// the empty end-of-stream submission all count as work.
	busy, err := p.Work(false)
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if !busy {
		t.Error("first Work: got idle, want busy")
	}

	// Second call sees only the buffer-set bookkeeping event, which must
	// not be surfaced as activity.
	enc.polls = append(enc.polls, codec.Poll{Status: codec.PollBuffersChanged})
	busy, err = p.Work(false)
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if busy {
		t.Error("buffers-changed poll surfaced as activity")
	}
}

func TestForceEOSTruncatesSource(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []media.Frame{
		{Data: []byte("a"), PTS: 1},
		{Data: []byte("b"), PTS: 2},
	}}
	enc := newScriptEncoder(codec.Poll{Status: codec.PollFormatChanged})
	p := New(src, &recordSink{}, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	busy, err := p.Work(true)
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if !busy {
		t.Error("forced end-of-stream transition: got idle, want busy")
	}

	if src.pos != 0 {
		t.Errorf("source reads after forceEOS: got %d, want 0", src.pos)
	}
	if len(enc.inputs) != 1 {
		t.Fatalf("encoder inputs: got %d, want 1", len(enc.inputs))
	}
	if !enc.inputs[0].eos || enc.inputs[0].n != 0 {
		t.Errorf("end-of-stream input: got n=%d eos=%v, want n=0 eos=true", enc.inputs[0].n, enc.inputs[0].eos)
	}

	// sourceExhausted is monotonic: later unforced calls read nothing.
	if _, err := p.Work(false); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if src.pos != 0 {
		t.Errorf("source reads after exhaustion: got %d, want 0", src.pos)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder()
	p := New(&sliceSource{}, &recordSink{}, nil, nil)

	// Release before Setup is a no-op.
	p.Release()
	if enc.stops != 0 || enc.releases != 0 {
		t.Fatalf("release before setup touched encoder: stops=%d releases=%d", enc.stops, enc.releases)
	}

	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	p.Release()
	p.Release()

	if enc.stops != 1 {
		t.Errorf("Stop calls: got %d, want 1", enc.stops)
	}
	if enc.releases != 1 {
		t.Errorf("Release calls: got %d, want 1", enc.releases)
	}
}

func TestReleaseAfterFailedSetup(t *testing.T) {
	t.Parallel()

	enc := newScriptEncoder()
	enc.configureErr = errors.New("unsupported profile")
	p := New(&sliceSource{}, &recordSink{}, nil, nil)

	if err := p.Setup(media.OutputFormat{}, enc); err == nil {
		t.Fatal("Setup: got nil error, want configure failure")
	}

	p.Release()
	if enc.stops != 0 {
		t.Errorf("Stop calls after failed setup: got %d, want 0", enc.stops)
	}
	if enc.releases != 1 {
		t.Errorf("Release calls: got %d, want 1", enc.releases)
	}
}

func TestWorkBeforeSetup(t *testing.T) {
	t.Parallel()

	p := New(&sliceSource{}, &recordSink{}, nil, nil)
	if _, err := p.Work(false); !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("Work: got %v, want ErrNotSetUp", err)
	}
}

func TestSourceReadErrorPropagates(t *testing.T) {
	t.Parallel()

	readErr := errors.New("disk gone")
	src := &sliceSource{frames: make([]media.Frame, 1), readErr: readErr}
	enc := newScriptEncoder(codec.Poll{Status: codec.PollFormatChanged})
	p := New(src, &recordSink{}, nil, nil)
	if err := p.Setup(media.OutputFormat{}, enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, err := p.Work(false); !errors.Is(err, readErr) {
		t.Fatalf("Work: got %v, want wrapped read error", err)
	}
}
