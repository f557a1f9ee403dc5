package tts

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/playback"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-studio/tts"

// Client turns (text, voice) pairs into playback handles. It owns the fixed
// request fields; the backend only moves bytes.
type Client struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	store  *playback.Store
	logger *slog.Logger

	tracer     trace.Tracer
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	audioBytes metric.Int64Histogram
}

func NewClient(cfg config.TTSConfig, synth Synthesizer, store *playback.Store, logger *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		synth:  synth,
		store:  store,
		logger: logger.With(slog.String("component", "tts-client")),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig, httpClient *http.Client) (Synthesizer, error) {
	switch cfg.Mode {
	case "http", "":
		return NewHTTPSynth(cfg.Endpoint, cfg.APIKey, httpClient, cfg.MaxAudioBytes), nil
	case "openai":
		return NewOpenAISynth(cfg.Endpoint, cfg.APIKey, httpClient, cfg.MaxAudioBytes), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.MaxAudioBytes)
	case "mock":
		return NewMockSynth(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// NewHTTPClient returns a pooled client for repeated calls to one synthesis host.
// Per-call deadlines come from the request context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// DefaultVoice is the preset used when callers pass no voice.
func (c *Client) DefaultVoice() string { return c.cfg.DefaultVoice }

// NewRequest builds the request body for text and voice.
func (c *Client) NewRequest(text, voice string) Request {
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	return Request{
		Model:          c.cfg.Model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: c.cfg.ResponseFormat,
	}
}

// Synthesize issues exactly one backend call and stores the resulting audio.
// voice is optional; the configured default applies when it is omitted or
// empty. Every failure wraps ErrSynthesisFailed.
func (c *Client) Synthesize(ctx context.Context, text string, voice ...string) (playback.Handle, error) {
	v := ""
	if len(voice) > 0 {
		v = voice[0]
	}
	req := c.NewRequest(text, v)

	if _, ok := ctx.Deadline(); !ok && c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.model", req.Model),
		attribute.String("tts.voice", req.Voice),
		attribute.String("tts.format", req.ResponseFormat),
		attribute.Int("tts.input_chars", len(req.Input)),
	))
	defer span.End()

	start := time.Now()
	handle, err := c.synthesize(ctx, req)
	c.observe(ctx, req, handle, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return playback.Handle{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	span.SetAttributes(attribute.String("playback.handle", handle.ID), attribute.Int("tts.audio_bytes", handle.Size))
	return handle, nil
}

func (c *Client) synthesize(ctx context.Context, req Request) (playback.Handle, error) {
	audio, err := c.synth.Synthesize(ctx, req)
	if err != nil {
		return playback.Handle{}, err
	}
	if len(audio.Data) == 0 {
		return playback.Handle{}, ErrEmptyAudio
	}
	if audio.Format == "" {
		audio.Format = req.ResponseFormat
	}
	if audio.ContentType == "" {
		audio.ContentType = ContentTypeFor(audio.Format)
	}
	meta, err := inspect(audio)
	if err != nil {
		return playback.Handle{}, err
	}
	return c.store.Put(audio.Data, meta), nil
}

func (c *Client) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if c.requests, err = meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Synthesis requests by outcome")); err != nil {
		return err
	}
	if c.latency, err = meter.Float64Histogram("loqa.tts.latency_ms", metric.WithDescription("Synthesis round-trip latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if c.audioBytes, err = meter.Int64Histogram("loqa.tts.audio_bytes", metric.WithDescription("Synthesized payload size"), metric.WithUnit("By")); err != nil {
		return err
	}
	return nil
}

func (c *Client) observe(ctx context.Context, req Request, handle playback.Handle, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("voice", req.Voice))
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if err != nil {
		c.logger.Warn("synthesis failed",
			slog.String("voice", req.Voice),
			slog.Int("input_chars", len(req.Input)),
			slog.Duration("latency", elapsed),
			slogError(err))
		return
	}
	if c.audioBytes != nil {
		c.audioBytes.Record(ctx, int64(handle.Size), attrs)
	}
	c.logger.Debug("synthesis complete",
		slog.String("handle", handle.ID),
		slog.Int("bytes", handle.Size),
		slog.Duration("latency", elapsed))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
