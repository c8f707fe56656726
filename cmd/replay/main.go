// Command replay feeds captured BitMEX frames, one per line, through the
// recording pipeline. Useful for rebuilding record files from a capture.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"bitmexflow/config"
	"bitmexflow/internal/pipeline"
	"bitmexflow/logger"
)

const maxFrameBytes = 16 << 20

type frameHandler interface {
	Handle(frame []byte) error
}

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	input := flag.String("input", "-", "Captured frames, one per line; - reads stdin")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.WithError(err).Error("failed to open replay input")
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	p, err := pipeline.New(context.Background(), cfg)
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		log.WithError(err).Error("failed to start record sink")
		os.Exit(1)
	}

	frames, replayErr := replay(in, p.Dispatcher)
	shutdownErr := p.Shutdown()

	entry := log.WithComponent("replay").WithFields(logger.Fields{"input": *input, "frames": frames})
	if replayErr != nil || shutdownErr != nil {
		entry.WithError(fmt.Errorf("replay: %v, shutdown: %v", replayErr, shutdownErr)).Error("replay failed")
		os.Exit(1)
	}
	entry.Info("replay complete")
}

// replay hands every non-empty line of r to h and returns how many frames
// were handled.
func replay(r io.Reader, h frameHandler) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	frames := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		logger.IncrementFrameRead(len(line))
		if err := h.Handle(line); err != nil {
			return frames, fmt.Errorf("frame %d: %w", frames+1, err)
		}
		frames++
	}
	if err := sc.Err(); err != nil {
		return frames, fmt.Errorf("read input: %w", err)
	}
	return frames, nil
}
