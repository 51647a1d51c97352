package source

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"

	"github.com/zsiec/flume/media"
)

// gifDefaultDelay is used for frames whose delay is zero or missing,
// matching the 100ms most renderers substitute.
const gifDefaultDelay = 10 // centiseconds

// GIF decodes an animated GIF into full-canvas RGBA frames with
// presentation timestamps accumulated from the per-frame delays. Frames
// are composited up front, honoring each frame's disposal method, so
// Read hands out complete pictures in stream order.
type GIF struct {
	frames []media.Frame
	width  int
	height int
	rate   int
	pos    int
}

// NewGIF decodes the GIF read from r. It fails on undecodable input or
// a GIF with no frames.
func NewGIF(r io.Reader) (*GIF, error) {
	img, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("source: decode gif: %w", err)
	}
	if len(img.Image) == 0 {
		return nil, fmt.Errorf("source: gif has no frames")
	}

	width, height := img.Config.Width, img.Config.Height
	if width == 0 || height == 0 {
		b := img.Image[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	frames := make([]media.Frame, 0, len(img.Image))
	var pts int64
	totalDelay := 0

	for i, src := range img.Image {
		disposal := byte(gif.DisposalNone)
		if i < len(img.Disposal) {
			disposal = img.Disposal[i]
		}

		var saved *image.RGBA
		if disposal == gif.DisposalPrevious {
			saved = image.NewRGBA(canvas.Rect)
			copy(saved.Pix, canvas.Pix)
		}

		draw.Draw(canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)

		data := make([]byte, len(canvas.Pix))
		copy(data, canvas.Pix)
		frames = append(frames, media.Frame{Data: data, PTS: pts})

		delay := gifDefaultDelay
		if i < len(img.Delay) && img.Delay[i] > 0 {
			delay = img.Delay[i]
		}
		totalDelay += delay
		pts += int64(delay) * 10_000 // centiseconds to microseconds

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, src.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}

	rate := len(img.Image) * 100 / totalDelay
	if rate < 1 {
		rate = 1
	}

	return &GIF{
		frames: frames,
		width:  width,
		height: height,
		rate:   rate,
	}, nil
}

// Width returns the canvas width in pixels.
func (s *GIF) Width() int { return s.width }

// Height returns the canvas height in pixels.
func (s *GIF) Height() int { return s.height }

// FrameRate returns the nominal frame rate derived from the GIF's
// average frame delay.
func (s *GIF) FrameRate() int { return s.rate }

// FrameCount returns the number of frames in the stream.
func (s *GIF) FrameCount() int { return len(s.frames) }

// FrameSize returns the byte size of one RGBA frame.
func (s *GIF) FrameSize() int { return s.width * s.height * 4 }

// Exhausted reports whether all frames have been read.
func (s *GIF) Exhausted() bool {
	return s.pos >= len(s.frames)
}

// Read returns the next frame and advances the source by one.
func (s *GIF) Read() (media.Frame, error) {
	if s.Exhausted() {
		return media.Frame{}, ErrExhausted
	}
	frame := s.frames[s.pos]
	s.pos++
	return frame, nil
}
