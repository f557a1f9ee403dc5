package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/playback"
	"github.com/loqalabs/loqa-studio/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("loqa-say", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  string
		voice       string
		outPath     string
		endpoint    string
		mode        string
		verbose     bool
		showVersion bool
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (defaults and LOQA_* env when empty)")
	fs.StringVar(&voice, "voice", "", "Voice preset (configured default when empty)")
	fs.StringVar(&outPath, "out", "speech.wav", "Output file, - for stdout")
	fs.StringVar(&endpoint, "endpoint", "", "Override tts.endpoint")
	fs.StringVar(&mode, "mode", "", "Override tts.mode")
	fs.BoolVar(&verbose, "v", false, "Log at debug level")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("usage: loqa-say [flags] text...")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.TTS.Endpoint = endpoint
	}
	if mode != "" {
		cfg.TTS.Mode = mode
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	synth, err := tts.NewSynthesizer(cfg.TTS, tts.NewHTTPClient())
	if err != nil {
		return err
	}
	store := playback.NewStore(1)
	client := tts.NewClient(cfg.TTS, synth, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := client.Synthesize(ctx, text, voice)
	if err != nil {
		return err
	}
	_, data, err := store.Get(handle.ID)
	if err != nil {
		return err
	}
	defer store.Release(handle.ID)

	if outPath == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	logger.Info("speech written", slog.String("path", outPath), slog.Int("bytes", len(data)), slog.Duration("duration", handle.Duration))
	fmt.Fprintf(stderr, "wrote %s (%d bytes, %s)\n", outPath, len(data), handle.Duration)
	return nil
}
