package sink

import (
	"fmt"
	"io"

	"github.com/zsiec/flume/media"
)

// tsPacketSize is the fixed size of an MPEG-TS packet.
const tsPacketSize = 188

// Single-program layout: one PAT, one PMT, one video elementary stream.
const (
	pidPAT   uint16 = 0x0000
	pidPMT   uint16 = 0x1000
	pidVideo uint16 = 0x0100
)

// psiInterval is how many chunks may pass before the PAT and PMT are
// repeated, so late joiners can lock onto the program.
const psiInterval = 32

// ISO 13818-1 stream types.
const (
	streamTypeH264    byte = 0x1B
	streamTypeH265    byte = 0x24
	streamTypePrivate byte = 0x06
)

// MPEGTS muxes encoded chunks into a single-program MPEG transport
// stream: DeclareFormat emits the PAT and PMT, and each chunk is
// wrapped in one PES packet (90 kHz PTS) and split into 188-byte TS
// packets. PSI is re-emitted periodically and before key frames, and
// the format's Extra bytes are prepended to key-frame payloads so
// decoders can start mid-stream.
type MPEGTS struct {
	w io.Writer

	streamType byte
	extra      []byte
	declared   bool

	ccPAT    byte
	ccPMT    byte
	ccVideo  byte
	sincePSI int
}

// NewMPEGTS creates a transport-stream sink writing to w.
func NewMPEGTS(w io.Writer) *MPEGTS {
	return &MPEGTS{w: w}
}

// streamTypeFor maps a MIME codec identifier onto an ISO 13818-1 stream
// type, defaulting to private PES data for unknown codecs.
func streamTypeFor(mime string) byte {
	switch mime {
	case "video/avc", "video/h264":
		return streamTypeH264
	case "video/hevc", "video/h265":
		return streamTypeH265
	default:
		return streamTypePrivate
	}
}

// DeclareFormat fixes the program layout and emits the first PAT and
// PMT. Callable exactly once.
func (s *MPEGTS) DeclareFormat(format media.OutputFormat) error {
	if s.declared {
		return ErrFormatRedeclared
	}
	s.declared = true
	s.streamType = streamTypeFor(format.MIME)
	s.extra = format.Extra
	return s.writePSI()
}

// Write muxes one chunk. Zero-size end-of-stream chunks produce no
// packets.
func (s *MPEGTS) Write(chunk media.Chunk) error {
	if !s.declared {
		return ErrNoFormat
	}
	if chunk.Size() == 0 {
		return nil
	}

	keyframe := chunk.Flags.Has(media.FlagKeyFrame)
	if s.sincePSI >= psiInterval || (keyframe && s.sincePSI > 0) {
		if err := s.writePSI(); err != nil {
			return err
		}
	}

	payload := chunk.Data
	if keyframe && len(s.extra) > 0 {
		payload = make([]byte, 0, len(s.extra)+len(chunk.Data))
		payload = append(payload, s.extra...)
		payload = append(payload, chunk.Data...)
	}

	pes := buildPES(payload, chunk.PTS*9/100)
	packets := packetize(pes, pidVideo, &s.ccVideo)
	if _, err := s.w.Write(packets); err != nil {
		return fmt.Errorf("sink: write TS packets: %w", err)
	}
	s.sincePSI++
	return nil
}

// writePSI emits one PAT packet and one PMT packet.
func (s *MPEGTS) writePSI() error {
	pat := psiPacket(pidPAT, buildPATSection(), &s.ccPAT)
	pmt := psiPacket(pidPMT, buildPMTSection(s.streamType), &s.ccPMT)
	if _, err := s.w.Write(append(pat, pmt...)); err != nil {
		return fmt.Errorf("sink: write PSI: %w", err)
	}
	s.sincePSI = 0
	return nil
}

// buildPES wraps payload in a PES packet with the given 90 kHz PTS.
func buildPES(payload []byte, pts90 int64) []byte {
	pesLen := 3 + 5 + len(payload)
	if pesLen > 0xFFFF {
		pesLen = 0 // unbounded, permitted for video elementary streams
	}

	pes := make([]byte, 0, 14+len(payload))
	pes = append(pes,
		0x00, 0x00, 0x01, 0xE0, // start code + video stream_id
		byte(pesLen>>8), byte(pesLen),
		0x80, // marker bits
		0x80, // PTS present
		0x05, // PES header data length
		0x21|byte((pts90>>29)&0x0E),
		byte(pts90>>22),
		0x01|(byte(pts90>>14)&0xFE),
		byte(pts90>>7),
		0x01|(byte(pts90<<1)&0xFE),
	)
	return append(pes, payload...)
}

// packetize splits pesData into 188-byte TS packets on the given PID,
// incrementing the continuity counter cc between packets and stuffing
// the final packet with an adaptation field.
func packetize(pesData []byte, pid uint16, cc *byte) []byte {
	var result []byte
	offset := 0
	first := true

	for offset < len(pesData) {
		var pkt [tsPacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		remaining := len(pesData) - offset
		capacity := tsPacketSize - 4

		if remaining < capacity {
			stuffLen := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuffLen - 1)
			if stuffLen > 1 {
				pkt[5] = 0
				for i := 6; i < 4+stuffLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuffLen:], pesData[offset:])
			offset = len(pesData)
		} else {
			copy(pkt[4:], pesData[offset:offset+capacity])
			offset += capacity
		}

		result = append(result, pkt[:]...)
	}

	return result
}

// buildPATSection builds the program association section mapping
// program 1 to the PMT PID, CRC included.
func buildPATSection() []byte {
	sec := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax_indicator + section_length
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number 1
		0xE0 | byte(pidPMT>>8), byte(pidPMT & 0xFF),
	}
	crc := computeCRC32(sec)
	return append(sec, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// buildPMTSection builds the program map section for one video
// elementary stream, CRC included.
func buildPMTSection(streamType byte) []byte {
	sec := []byte{
		0x02,       // table_id
		0xB0, 0x12, // section_syntax_indicator + section_length
		0x00, 0x01, // program_number
		0xC1,       // version 0, current_next 1
		0x00, 0x00, // section_number, last_section_number
		0xE0 | byte(pidVideo>>8), byte(pidVideo & 0xFF), // PCR PID
		0xF0, 0x00, // program_info_length
		streamType,
		0xE0 | byte(pidVideo>>8), byte(pidVideo & 0xFF),
		0xF0, 0x00, // ES_info_length
	}
	crc := computeCRC32(sec)
	return append(sec, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// psiPacket wraps one PSI section in a single TS packet with a zero
// pointer field, padded with 0xFF.
func psiPacket(pid uint16, section []byte, cc *byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8)&0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (*cc & 0x0F)
	*cc = (*cc + 1) & 0x0F
	pkt[4] = 0x00 // pointer_field
	copy(pkt[5:], section)
	for i := 5 + len(section); i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
