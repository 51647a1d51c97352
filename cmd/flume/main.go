package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flume/codec"
	"github.com/zsiec/flume/media"
	"github.com/zsiec/flume/pump"
	"github.com/zsiec/flume/sink"
	"github.com/zsiec/flume/source"
)

var version = "dev"

// statsInterval is how often the progress logger reports pump counters.
const statsInterval = 2 * time.Second

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	input := flag.String("input", envOr("FLUME_INPUT", ""), "input file (GIF, or raw frames with -frame-size)")
	output := flag.String("output", envOr("FLUME_OUTPUT", ""), "output: .ts file, srt://host:port, or ES dump path")
	mime := flag.String("mime", "", "desired output codec identifier")
	streamID := flag.String("stream-id", envOr("FLUME_STREAM_ID", ""), "SRT stream ID")
	frameSize := flag.Int("frame-size", 0, "raw input frame size in bytes")
	frameRate := flag.Int("frame-rate", 0, "raw input frame rate")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := &Config{}
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the config file.
	if *input != "" {
		cfg.Input = *input
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *mime != "" {
		cfg.MIME = *mime
	}
	if *streamID != "" {
		cfg.SRTStreamID = *streamID
	}
	if *frameSize != 0 {
		cfg.FrameSize = *frameSize
	}
	if *frameRate != 0 {
		cfg.FrameRate = *frameRate
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, finishing stream", "signal", sig)
		cancel()
	}()

	slog.Info("flume starting",
		"version", version,
		"input", cfg.Input,
		"output", cfg.Output,
		"mime", cfg.MIME,
	)

	if err := run(ctx, cfg); err != nil {
		slog.Error("transcode failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	in, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	src, desired, frameBytes, err := openSource(in, cfg)
	if err != nil {
		return err
	}

	snk, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}

	bufferSize := cfg.BufferSize
	if bufferSize < frameBytes {
		bufferSize = frameBytes
	}
	enc := codec.NewLoopback(codec.LoopbackConfig{
		InputBuffers: cfg.InputBuffers,
		BufferSize:   bufferSize,
	})

	p := pump.New(src, snk, nil, nil)
	if err := p.Setup(desired, enc); err != nil {
		p.Release()
		return err
	}
	defer p.Release()

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return p.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s := p.Snapshot()
				slog.Info("pump progress",
					"frames", s.FramesRead,
					"chunks", s.ChunksWritten,
					"bytes", s.BytesOut,
					"pts_ms", s.LastOutputPTS/1000,
				)
			}
		}
	})

	runErr := g.Wait()
	if err := closeSink(); err != nil && runErr == nil {
		runErr = err
	}

	s := p.Snapshot()
	slog.Info("transcode done",
		"frames", s.FramesRead,
		"chunks", s.ChunksWritten,
		"bytes", s.BytesOut,
	)
	return runErr
}

// openSource builds the frame source and the desired output format for
// the configured input.
func openSource(in io.Reader, cfg *Config) (pump.Source, media.OutputFormat, int, error) {
	if strings.HasSuffix(strings.ToLower(cfg.Input), ".gif") {
		g, err := source.NewGIF(in)
		if err != nil {
			return nil, media.OutputFormat{}, 0, err
		}
		desired := media.OutputFormat{
			MIME:      cfg.MIME,
			Width:     g.Width(),
			Height:    g.Height(),
			FrameRate: g.FrameRate(),
		}
		return g, desired, g.FrameSize(), nil
	}

	interval := time.Second / time.Duration(cfg.FrameRate)
	raw, err := source.NewRaw(in, cfg.FrameSize, interval)
	if err != nil {
		return nil, media.OutputFormat{}, 0, err
	}
	desired := media.OutputFormat{
		MIME:      cfg.MIME,
		FrameRate: cfg.FrameRate,
	}
	return raw, desired, cfg.FrameSize, nil
}

// openSink builds the chunk sink for the configured output and returns
// it with a close function.
func openSink(cfg *Config) (pump.Sink, func() error, error) {
	if addr, ok := strings.CutPrefix(cfg.Output, "srt://"); ok {
		s, err := sink.DialSRT(addr, cfg.SRTStreamID)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	out, err := os.Create(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(cfg.Output), ".ts") {
		return sink.NewMPEGTS(out), out.Close, nil
	}
	return sink.NewES(out), out.Close, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
