// Package media defines the frame and chunk types that flow through the
// flume encode pipeline, from source through the encoder to the sink.
package media

// Frame is one unit of raw input: pixel or sample data tagged with its
// presentation timestamp. A frame is produced by a source, handed to the
// pump exactly once, and not retained after submission to the encoder.
type Frame struct {
	Data []byte
	// PTS is the presentation timestamp in microseconds. Timestamps are
	// expected to be non-decreasing across the stream; the pump forwards
	// them without validating or reordering.
	PTS int64
	// EndOfStream marks the last frame of the stream, so the encoder
	// learns about the end of input together with the final payload.
	EndOfStream bool
}

// ChunkFlags is the flag set carried by encoder output chunks.
type ChunkFlags uint32

const (
	// FlagEndOfStream marks the encoder's terminal output chunk.
	FlagEndOfStream ChunkFlags = 1 << iota
	// FlagCodecConfig marks side-channel parameter data (sequence
	// headers and the like) that belongs in the OutputFormat, not in the
	// chunk stream.
	FlagCodecConfig
	// FlagKeyFrame marks a sync point that decoders can start from.
	FlagKeyFrame
)

// Has reports whether all bits of flag are set.
func (f ChunkFlags) Has(flag ChunkFlags) bool { return f&flag == flag }

// Chunk is one unit of compressed encoder output. Data is a view into an
// encoder-owned buffer and is only valid until the pump releases that
// buffer: sinks must copy anything they need to keep past Write.
type Chunk struct {
	Data  []byte
	PTS   int64
	Flags ChunkFlags
}

// Size returns the payload size in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// OutputFormat is the encoder's negotiated output description. Exactly
// one OutputFormat is declared to a sink per pump lifetime.
type OutputFormat struct {
	// MIME identifies the codec, e.g. "video/avc".
	MIME      string
	Width     int
	Height    int
	FrameRate int
	// Extra holds codec-specific configuration (parameter sets and the
	// like) that decoders need before the first chunk.
	Extra []byte
}
