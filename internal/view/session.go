package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-studio/internal/playback"
)

// ErrInFlight is returned by Trigger while an earlier request has not settled.
var ErrInFlight = errors.New("synthesis already in flight")

// ErrClosing is returned by Trigger once the owning Manager has begun draining.
var ErrClosing = errors.New("session manager is shutting down")

// FailureMessage is the notification shown for any failed synthesis.
const FailureMessage = "Failed to generate speech."

const (
	LabelIdle    = "Speak"
	LabelPending = "Generating..."
)

// Synthesizer produces a playback handle for text in the given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice ...string) (playback.Handle, error)
}

// Retainer keeps the payload behind the handle a session shows alive until
// the session lets go of it.
type Retainer interface {
	Pin(id string) error
	Release(id string)
}

// Outcome describes one settled Trigger.
type Outcome struct {
	SessionID  string
	Voice      string
	InputChars int
	Handle     playback.Handle
	Latency    time.Duration
	Err        error
}

// Notifier receives user-facing notifications and diagnostics.
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string)
	Record(ctx context.Context, outcome Outcome)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Synth    Synthesizer
	Retainer Retainer
	Notifier Notifier
	Logger   *slog.Logger
}

// Defaults seed the editable fields of a new session.
type Defaults struct {
	Text  string
	Voice string
}

// State is a point-in-time copy of a session.
type State struct {
	SessionID    string           `json:"session_id"`
	Text         string           `json:"text"`
	Voice        string           `json:"voice"`
	InFlight     bool             `json:"in_flight"`
	Result       *playback.Handle `json:"result,omitempty"`
	Notification string           `json:"notification,omitempty"`
}

// Model is what a page needs to draw a session.
type Model struct {
	SessionID      string
	Text           string
	Voice          string
	ButtonLabel    string
	ButtonDisabled bool
	ShowPlayer     bool
	AudioSrc       string
	AudioType      string
	Alert          string
}

// Session is the per-browser view state: editable text and voice, the
// in-flight flag and the latest playback handle.
type Session struct {
	id     string
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time
	// track, when set, admits a Trigger and returns the func that ends it.
	track func() (done func(), ok bool)

	mu           sync.Mutex
	text         string
	voice        string
	inFlight     bool
	result       *playback.Handle
	notification string
	lastActive   time.Time
	observers    map[int]func(State)
	nextObserver int
}

func newSession(id string, defaults Defaults, deps Deps, clock func() time.Time) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         id,
		deps:       deps,
		logger:     logger.With(slog.String("component", "view"), slog.String("session", id)),
		clock:      clock,
		text:       defaults.Text,
		voice:      defaults.Voice,
		lastActive: clock(),
		observers:  make(map[int]func(State)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) SetText(text string) {
	s.mu.Lock()
	s.text = text
	s.lastActive = s.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Session) SetVoice(voice string) {
	s.mu.Lock()
	s.voice = voice
	s.lastActive = s.clock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// InFlight reports whether a request is pending.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Trigger synthesizes the current text with the current voice. It returns
// ErrInFlight without side effects while an earlier call is pending. On
// success the previous handle is released and replaced; on failure the result
// is kept and a single notification is raised. The in-flight flag is cleared
// on every exit path.
func (s *Session) Trigger(ctx context.Context) error {
	done := func() {}
	if s.track != nil {
		var ok bool
		if done, ok = s.track(); !ok {
			return ErrClosing
		}
	}
	defer done()

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.inFlight = true
	s.lastActive = s.clock()
	text, voice := s.text, s.voice
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	var (
		handle  playback.Handle
		err     error
		settled bool
	)
	start := s.clock()
	defer func() {
		if !settled {
			err = errors.New("synthesis aborted by panic")
		}
		s.settle(ctx, Outcome{
			SessionID:  s.id,
			Voice:      voice,
			InputChars: utf8.RuneCountInString(text),
			Handle:     handle,
			Latency:    s.clock().Sub(start),
			Err:        err,
		})
	}()

	handle, err = s.deps.Synth.Synthesize(ctx, text, voice)
	if err == nil && s.deps.Retainer != nil {
		if err = s.deps.Retainer.Pin(handle.ID); err != nil {
			err = fmt.Errorf("retain audio: %w", err)
			handle = playback.Handle{}
		}
	}
	settled = true
	return err
}

func (s *Session) settle(ctx context.Context, outcome Outcome) {
	var superseded *playback.Handle

	s.mu.Lock()
	s.inFlight = false
	s.lastActive = s.clock()
	if outcome.Err == nil {
		superseded = s.result
		h := outcome.Handle
		s.result = &h
	} else {
		s.notification = FailureMessage
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if superseded != nil && s.deps.Retainer != nil {
		s.deps.Retainer.Release(superseded.ID)
	}

	if outcome.Err != nil {
		s.logger.Warn("speech generation failed",
			slog.String("voice", outcome.Voice),
			slog.Duration("latency", outcome.Latency),
			slog.String("error", outcome.Err.Error()))
		if s.deps.Notifier != nil {
			s.deps.Notifier.Notify(ctx, s.id, FailureMessage)
		}
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.Record(ctx, outcome)
	}
	s.publish(snap)
}

// Snapshot copies the current state, including any pending notification.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Render maps the current state onto the page model.
func (s *Session) Render() Model {
	return RenderState(s.Snapshot())
}

// RenderState maps a snapshot onto the page model.
func RenderState(st State) Model {
	m := Model{
		SessionID:      st.SessionID,
		Text:           st.Text,
		Voice:          st.Voice,
		ButtonLabel:    LabelIdle,
		ButtonDisabled: st.InFlight,
		Alert:          st.Notification,
	}
	if st.InFlight {
		m.ButtonLabel = LabelPending
	}
	if st.Result != nil {
		m.ShowPlayer = true
		m.AudioSrc = st.Result.URL
		m.AudioType = st.Result.ContentType
	}
	return m
}

// TakeNotification returns the pending notification and clears it.
func (s *Session) TakeNotification() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.notification
	s.notification = ""
	return msg
}

// Subscribe registers fn for every state transition. The returned func
// removes it.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Close releases the session's result and drops its observers.
func (s *Session) Close() {
	s.mu.Lock()
	result := s.result
	s.result = nil
	s.observers = make(map[int]func(State))
	s.mu.Unlock()
	if result != nil && s.deps.Retainer != nil {
		s.deps.Retainer.Release(result.ID)
	}
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, !s.inFlight
}

func (s *Session) snapshotLocked() State {
	st := State{
		SessionID:    s.id,
		Text:         s.text,
		Voice:        s.voice,
		InFlight:     s.inFlight,
		Notification: s.notification,
	}
	if s.result != nil {
		h := *s.result
		st.Result = &h
	}
	return st
}

func (s *Session) publish(st State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
