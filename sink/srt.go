package sink

import (
	"fmt"
	"io"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/flume/media"
)

// srtPayloadSize is the standard SRT payload: 7 MPEG-TS packets.
const srtPayloadSize = tsPacketSize * 7

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// SRT pushes a single-program transport stream over an SRT connection:
// chunks are muxed by an embedded MPEGTS sink and the resulting packets
// are sent in 1316-byte payloads. Close flushes any partial payload and
// closes the connection.
type SRT struct {
	conn *srtgo.Conn
	cw   *chunkedWriter
	mux  *MPEGTS
}

// DialSRT connects to an SRT listener at addr with the given stream ID
// and returns a sink pushing to it.
func DialSRT(addr, streamID string) (*SRT, error) {
	cfg := srtgo.DefaultConfig()
	cfg.StreamID = streamID
	cfg.Latency = srtLatencyNs

	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: SRT connect to %s: %w", addr, err)
	}

	cw := newChunkedWriter(conn, srtPayloadSize)
	return &SRT{
		conn: conn,
		cw:   cw,
		mux:  NewMPEGTS(cw),
	}, nil
}

// DeclareFormat forwards the format to the embedded TS mux.
func (s *SRT) DeclareFormat(format media.OutputFormat) error {
	return s.mux.DeclareFormat(format)
}

// Write muxes one chunk onto the SRT connection. The end-of-stream
// chunk flushes any buffered partial payload.
func (s *SRT) Write(chunk media.Chunk) error {
	if err := s.mux.Write(chunk); err != nil {
		return err
	}
	if chunk.Flags.Has(media.FlagEndOfStream) {
		return s.cw.Flush()
	}
	return nil
}

// Close flushes buffered packets and closes the connection.
func (s *SRT) Close() error {
	flushErr := s.cw.Flush()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("sink: close SRT connection: %w", err)
	}
	return flushErr
}

// chunkedWriter accumulates writes and forwards them to the underlying
// writer in fixed-size payloads, so each SRT send carries exactly seven
// TS packets.
type chunkedWriter struct {
	w    io.Writer
	size int
	buf  []byte
}

func newChunkedWriter(w io.Writer, size int) *chunkedWriter {
	return &chunkedWriter{w: w, size: size}
}

// Write buffers p and sends every complete payload.
func (c *chunkedWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= c.size {
		if _, err := c.w.Write(c.buf[:c.size]); err != nil {
			return 0, err
		}
		c.buf = c.buf[c.size:]
	}
	return len(p), nil
}

// Flush sends any buffered partial payload.
func (c *chunkedWriter) Flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	if _, err := c.w.Write(c.buf); err != nil {
		return err
	}
	c.buf = c.buf[:0]
	return nil
}
