package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/natsserver"
	"github.com/loqalabs/loqa-studio/internal/notify"
	"github.com/loqalabs/loqa-studio/internal/playback"
	"github.com/loqalabs/loqa-studio/internal/tts"
	"github.com/loqalabs/loqa-studio/internal/view"
	"github.com/loqalabs/loqa-studio/internal/web"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	addr       atomic.Value
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	ttsSvc   *tts.Service
	sessions *view.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server listens on, empty until it is up.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	sentryEnabled, flushSentry := setupSentry(r.cfg, r.logger)
	defer flushSentry()

	defer func() {
		cancel()
		if closeErr := r.close(shutdownTelemetry); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.RunPruner(ctx, pruneInterval)
	}()

	audio := playback.NewStore(r.cfg.Playback.MaxHandles)
	synth, err := tts.NewSynthesizer(r.cfg.TTS, tts.NewHTTPClient())
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	client := tts.NewClient(r.cfg.TTS, synth, audio, r.logger)

	if r.cfg.TTS.BusEnabled {
		r.ttsSvc = tts.NewService(ctx, r.cfg.TTS, r.bus, client, r.logger)
		if err := r.ttsSvc.Start(); err != nil {
			return fmt.Errorf("failed to start tts service: %w", err)
		}
	}

	opts := []notify.Option{notify.WithTimeline(r.events), notify.WithSentry(sentryEnabled)}
	if r.bus != nil {
		opts = append(opts, notify.WithBus(r.bus))
	}
	r.sessions = view.NewManager(r.cfg.View, client.DefaultVoice(), view.Deps{
		Synth:    client,
		Retainer: audio,
		Notifier: notify.NewDispatcher(r.logger, opts...),
		Logger:   r.logger,
	})

	if err := registerGauges(
		gauge{"loqa.playback.handles", "Live playback handles", func() int64 { return int64(audio.Len()) }},
		gauge{"loqa.playback.bytes", "Bytes held by playback handles", audio.Bytes},
		gauge{"loqa.view.sessions", "Live view sessions", func() int64 { return int64(r.sessions.Len()) }},
	); err != nil {
		r.logger.Warn("failed to register gauges", slog.String("error", err.Error()))
	}

	handler, err := web.NewRouter(web.Options{
		View:     r.cfg.View,
		Web:      r.cfg.Web,
		Sessions: r.sessions,
		Audio:    audio,
		History:  r.events,
		Metrics:  metricsHandler,
		Ready:    r.healthy,
		Logger:   r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("tts_endpoint", r.cfg.TTS.Endpoint))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	var servers []string
	if url := r.nats.ClientURL(); url != "" {
		servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nil
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.ttsSvc != nil && !r.ttsSvc.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.events.Healthy(ctx)
}

// close tears components down in reverse start order.
func (r *Runtime) close(shutdownTelemetry func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if r.ttsSvc != nil {
		r.ttsSvc.Close()
	}
	if r.sessions != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), r.drainTimeout())
		if err := r.sessions.Drain(drainCtx); err != nil {
			r.logger.Warn("pending speech requests abandoned at shutdown", slog.String("error", err.Error()))
		}
		drainCancel()
		r.sessions.Close()
	}
	r.wg.Wait()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close: %w", err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// drainTimeout bounds the wait for triggers the HTTP shutdown left behind;
// each is itself bounded by the synthesis timeout.
func (r *Runtime) drainTimeout() time.Duration {
	timeout := time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return timeout + 5*time.Second
}
