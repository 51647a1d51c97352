package sink

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/flume/media"
)

// MoQ stream type constants (draft-ietf-moq-transport-15).
const (
	// moqStreamTypeSubgroupSIDExt indicates a subgroup stream with an
	// explicit Subgroup ID in the header and per-object extension headers.
	moqStreamTypeSubgroupSIDExt uint64 = 0x0d
)

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	locExtCaptureTimestamp  uint64 = 2  // even: varint value = microseconds
	locExtVideoFrameMarking uint64 = 4  // even: varint value = RFC 9626 flags
	locExtVideoConfig       uint64 = 13 // odd: length-prefixed byte string
)

// RFC 9626 Video Frame Marking flags (non-scalable).
const (
	vfmKeyframe    uint64 = 0xE0 // S=1, E=1, I=1 (independent/keyframe)
	vfmNonKeyframe uint64 = 0xC0 // S=1, E=1, I=0 (dependent/delta)
)

// MoQ frames encoded chunks as MoQ Transport subgroup objects with LOC
// header extensions, writing to any io.Writer (typically a QUIC or
// WebTransport stream opened by the caller). DeclareFormat emits the
// subgroup header; each chunk becomes one object carrying its capture
// timestamp and frame marking, with the codec configuration attached to
// key-frame objects. The end-of-stream chunk becomes an empty object.
type MoQ struct {
	w                 io.Writer
	trackAlias        uint64
	publisherPriority byte

	objectID uint64
	config   []byte
	declared bool
}

// NewMoQ creates a MoQ object-framing sink. trackAlias is a
// session-scoped identifier for the track and publisherPriority sets
// the priority (0=highest, 255=lowest).
func NewMoQ(w io.Writer, trackAlias uint64, publisherPriority byte) *MoQ {
	return &MoQ{
		w:                 w,
		trackAlias:        trackAlias,
		publisherPriority: publisherPriority,
	}
}

// DeclareFormat writes the subgroup stream header and records the codec
// configuration for attachment to key-frame objects. Callable exactly once.
func (m *MoQ) DeclareFormat(format media.OutputFormat) error {
	if m.declared {
		return ErrFormatRedeclared
	}
	m.declared = true
	m.config = format.Extra
	m.objectID = 0

	var buf []byte
	buf = quicvarint.Append(buf, moqStreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, m.trackAlias)
	buf = quicvarint.Append(buf, 0) // group ID
	buf = quicvarint.Append(buf, 0) // subgroup ID
	buf = append(buf, m.publisherPriority)

	if _, err := m.w.Write(buf); err != nil {
		return fmt.Errorf("sink: write subgroup header: %w", err)
	}
	return nil
}

// Write frames one chunk as a MoQ object.
func (m *MoQ) Write(chunk media.Chunk) error {
	if !m.declared {
		return ErrNoFormat
	}

	var exts []byte

	// Capture Timestamp (ID 2, even → varint value)
	exts = quicvarint.Append(exts, locExtCaptureTimestamp)
	exts = quicvarint.Append(exts, uint64(chunk.PTS))

	// Video Frame Marking (ID 4, even → varint value)
	exts = quicvarint.Append(exts, locExtVideoFrameMarking)
	if chunk.Flags.Has(media.FlagKeyFrame) {
		exts = quicvarint.Append(exts, vfmKeyframe)
	} else {
		exts = quicvarint.Append(exts, vfmNonKeyframe)
	}

	// Video Config on keyframes (ID 13, odd → length-prefixed bytes)
	if chunk.Flags.Has(media.FlagKeyFrame) && len(m.config) > 0 {
		exts = quicvarint.Append(exts, locExtVideoConfig)
		exts = quicvarint.Append(exts, uint64(len(m.config)))
		exts = append(exts, m.config...)
	}

	var hdr []byte
	hdr = quicvarint.Append(hdr, m.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(chunk.Size()))

	m.objectID++

	if _, err := m.w.Write(hdr); err != nil {
		return fmt.Errorf("sink: write object header: %w", err)
	}
	if chunk.Size() > 0 {
		if _, err := m.w.Write(chunk.Data); err != nil {
			return fmt.Errorf("sink: write object payload: %w", err)
		}
	}
	return nil
}
