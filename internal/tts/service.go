package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-studio/internal/bus"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/nats-io/nats.go"
)

const serviceQueue = "loqa-studio.tts"

// Service exposes the Client on the bus: it answers tts.request messages with
// tts.result, and replies directly when the request carried a reply subject.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	client *Client
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// mu orders wg.Add in message callbacks before wg.Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, client *Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.BusEnabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTTSRequest, serviceQueue, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops accepting requests, cancels the ones in progress and waits for
// them to reply.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.BusEnabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := protocol.Decode(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		result := protocol.TTSResult{SessionID: req.SessionID, TraceID: req.TraceID}
		handle, err := s.client.Synthesize(ctx, req.Text, req.Voice)
		if err != nil {
			result.Error = ErrSynthesisFailed.Error()
		} else {
			result.HandleID = handle.ID
			result.URL = handle.URL
			result.ContentType = handle.ContentType
			result.Size = handle.Size
			result.DurationMS = handle.Duration.Milliseconds()
		}
		result.Timestamp = time.Now().UTC()
		s.publishResult(msg, result)
	}()
}

func (s *Service) publishResult(msg *nats.Msg, result protocol.TTSResult) {
	data, err := protocol.Encode(result)
	if err != nil {
		s.logger.Warn("failed to marshal tts result", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSResult, data); err != nil {
		s.logger.Warn("failed to publish tts result", slogError(err))
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply to tts request", slogError(err))
		}
	}
}
