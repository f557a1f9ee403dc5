package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/loqalabs/loqa-studio/internal/view"
)

// Publisher is the subset of the bus client the dispatcher needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// Timeline records synthesis outcomes.
type Timeline interface {
	AppendSynthesis(ctx context.Context, evt eventstore.Synthesis) error
}

// Dispatcher fans view notifications and outcomes out to the log, the bus,
// Sentry and the event store. Every sink is optional.
type Dispatcher struct {
	logger   *slog.Logger
	bus      Publisher
	timeline Timeline
	sentry   bool
	clock    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithBus(p Publisher) Option {
	return func(d *Dispatcher) { d.bus = p }
}

func WithTimeline(t Timeline) Option {
	return func(d *Dispatcher) { d.timeline = t }
}

// WithSentry enables CaptureException for failed outcomes.
func WithSentry(enabled bool) Option {
	return func(d *Dispatcher) { d.sentry = enabled }
}

func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: logger.With(slog.String("component", "notify")),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify surfaces a user-facing message for a session.
func (d *Dispatcher) Notify(_ context.Context, sessionID, message string) {
	d.logger.Info("user notification", slog.String("session", sessionID), slog.String("message", message))
	if d.bus == nil {
		return
	}
	msg := protocol.Notification{
		SessionID: sessionID,
		Level:     protocol.NotificationLevelError,
		Message:   message,
		Timestamp: d.clock().UTC(),
	}
	if err := d.bus.Publish(protocol.SubjectUINotification, msg); err != nil {
		d.logger.Warn("failed to publish notification", slog.String("error", err.Error()))
	}
}

// Record stores the outcome and, for failures, reports the diagnostic trace.
func (d *Dispatcher) Record(ctx context.Context, outcome view.Outcome) {
	evt := eventstore.Synthesis{
		SessionID:  outcome.SessionID,
		Voice:      outcome.Voice,
		InputChars: outcome.InputChars,
		Outcome:    eventstore.OutcomeOK,
		HandleID:   outcome.Handle.ID,
		AudioBytes: outcome.Handle.Size,
		LatencyMS:  outcome.Latency.Milliseconds(),
		CreatedAt:  d.clock(),
	}
	if outcome.Err != nil {
		evt.Outcome = eventstore.OutcomeFailed
		evt.Error = outcome.Err.Error()
		d.reportFailure(outcome)
	}
	if d.timeline != nil {
		if err := d.timeline.AppendSynthesis(context.WithoutCancel(ctx), evt); err != nil {
			d.logger.Warn("failed to record synthesis", slog.String("session", outcome.SessionID), slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) reportFailure(outcome view.Outcome) {
	if d.bus != nil {
		failure := protocol.SynthesisFailure{
			SessionID:  outcome.SessionID,
			Voice:      outcome.Voice,
			InputChars: outcome.InputChars,
			Error:      outcome.Err.Error(),
			LatencyMS:  outcome.Latency.Milliseconds(),
			Timestamp:  d.clock().UTC(),
		}
		if err := d.bus.Publish(protocol.SubjectSynthesisFailed, failure); err != nil {
			d.logger.Warn("failed to publish synthesis failure", slog.String("error", err.Error()))
		}
	}
	if d.sentry {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session", outcome.SessionID)
			scope.SetTag("voice", outcome.Voice)
			scope.SetExtra("input_chars", outcome.InputChars)
			scope.SetExtra("latency_ms", outcome.Latency.Milliseconds())
			sentry.CaptureException(outcome.Err)
		})
	}
}
