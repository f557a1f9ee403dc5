package view

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/playback"
)

var errBackend = errors.New("synthesis failed")

type call struct {
	text  string
	voice string
}

// fakeSynth hands out sequential handles. When gate is non-nil each call
// blocks until a value is sent on it; a non-nil error fails the call.
type fakeSynth struct {
	mu      sync.Mutex
	calls   []call
	gate    chan error
	started chan struct{}
	n       int

	active    int
	maxActive int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, voice ...string) (playback.Handle, error) {
	v := ""
	if len(voice) > 0 {
		v = voice[0]
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{text: text, voice: v})
	f.n++
	id := fmt.Sprintf("h%d", f.n)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		if err := <-f.gate; err != nil {
			return playback.Handle{}, err
		}
	}
	return playback.Handle{ID: id, URL: playback.URLPrefix + id, ContentType: "audio/wav"}, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, string, ...string) (playback.Handle, error) {
	return playback.Handle{}, errBackend
}

type panickingSynth struct{}

func (panickingSynth) Synthesize(context.Context, string, ...string) (playback.Handle, error) {
	panic("backend exploded")
}

type fakeRetainer struct {
	mu       sync.Mutex
	released []string
}

func (r *fakeRetainer) Pin(string) error { return nil }

func (r *fakeRetainer) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
}

func (r *fakeRetainer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	outcomes []Outcome
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) Record(_ context.Context, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSession(synth Synthesizer) (*Session, *fakeRetainer, *fakeNotifier) {
	rel := &fakeRetainer{}
	notifier := &fakeNotifier{}
	mgr := NewManager(config.ViewConfig{DefaultText: config.Default().View.DefaultText, MaxSessions: 4}, "tara", Deps{
		Synth:    synth,
		Retainer: rel,
		Notifier: notifier,
		Logger:   newLogger(),
	})
	return mgr.Create(), rel, notifier
}

func TestNewSessionDefaults(t *testing.T) {
	s, _, _ := newTestSession(&fakeSynth{})
	if got := s.Text(); got != "Hello! [cheerful] This is Canopy Labs Orpheus running in Angular." {
		t.Fatalf("unexpected default text %q", got)
	}
	if s.Voice() != "tara" {
		t.Fatalf("unexpected default voice %q", s.Voice())
	}
	m := s.Render()
	if m.ButtonLabel != LabelIdle || m.ButtonDisabled || m.ShowPlayer || m.Alert != "" {
		t.Fatalf("unexpected initial model %+v", m)
	}
}

func TestTriggerSuccessSetsResult(t *testing.T) {
	synth := &fakeSynth{}
	s, _, notifier := newTestSession(synth)
	s.SetText("Hello world")

	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if synth.callCount() != 1 || synth.calls[0] != (call{text: "Hello world", voice: "tara"}) {
		t.Fatalf("unexpected calls %+v", synth.calls)
	}
	m := s.Render()
	if !m.ShowPlayer || m.AudioSrc != "/audio/h1" || m.ButtonDisabled || m.ButtonLabel != LabelIdle {
		t.Fatalf("unexpected model %+v", m)
	}
	if len(notifier.notified()) != 0 {
		t.Fatalf("unexpected notifications %v", notifier.notified())
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0].Err != nil || notifier.outcomes[0].Handle.ID != "h1" {
		t.Fatalf("unexpected outcomes %+v", notifier.outcomes)
	}
}

func TestTriggerReplacesAndReleasesPreviousResult(t *testing.T) {
	synth := &fakeSynth{}
	s, rel, _ := newTestSession(synth)

	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	st := s.Snapshot()
	if st.Result == nil || st.Result.ID != "h2" {
		t.Fatalf("expected second handle, got %+v", st.Result)
	}
	if ids := rel.ids(); len(ids) != 1 || ids[0] != "h1" {
		t.Fatalf("expected h1 released, got %v", ids)
	}
}

func TestTriggerFailureKeepsResultAndNotifiesOnce(t *testing.T) {
	synth := &fakeSynth{gate: make(chan error, 2)}
	s, rel, notifier := newTestSession(synth)

	synth.gate <- nil
	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	synth.gate <- errBackend
	if err := s.Trigger(context.Background()); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}

	st := s.Snapshot()
	if st.InFlight {
		t.Fatal("in-flight flag not cleared after failure")
	}
	if st.Result == nil || st.Result.ID != "h1" {
		t.Fatalf("failure should leave previous result, got %+v", st.Result)
	}
	if len(rel.ids()) != 0 {
		t.Fatalf("nothing should be released on failure, got %v", rel.ids())
	}
	if msgs := notifier.notified(); len(msgs) != 1 || msgs[0] != FailureMessage {
		t.Fatalf("expected exactly one failure notification, got %v", msgs)
	}
	if got := s.TakeNotification(); got != FailureMessage {
		t.Fatalf("pending notification = %q", got)
	}
	if got := s.TakeNotification(); got != "" {
		t.Fatalf("notification should be one-shot, got %q", got)
	}
}

func TestTriggerFailureWithoutPriorResult(t *testing.T) {
	s, _, notifier := newTestSession(failingSynth{})
	if err := s.Trigger(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	m := s.Render()
	if m.ShowPlayer || m.ButtonDisabled || m.ButtonLabel != LabelIdle || m.Alert != FailureMessage {
		t.Fatalf("unexpected model after failure %+v", m)
	}
	if len(notifier.notified()) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notified()))
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0].Err == nil {
		t.Fatalf("expected failed outcome to be recorded, got %+v", notifier.outcomes)
	}
}

func TestTriggerWhileInFlightIsRejected(t *testing.T) {
	synth := &fakeSynth{gate: make(chan error), started: make(chan struct{}, 1)}
	s, _, _ := newTestSession(synth)

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background()) }()
	<-synth.started

	m := s.Render()
	if !m.ButtonDisabled || m.ButtonLabel != LabelPending {
		t.Fatalf("expected pending model, got %+v", m)
	}
	if err := s.Trigger(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if synth.callCount() != 1 {
		t.Fatalf("second trigger must not issue a request, got %d calls", synth.callCount())
	}

	synth.gate <- nil
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if s.InFlight() {
		t.Fatal("in-flight flag not cleared")
	}
	if synth.callCount() != 1 {
		t.Fatalf("expected exactly one request, got %d", synth.callCount())
	}
}

func TestConcurrentTriggersIssueOneRequest(t *testing.T) {
	const callers = 16
	synth := &fakeSynth{gate: make(chan error, callers)}
	s, _, _ := newTestSession(synth)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := s.Trigger(context.Background()); errors.Is(err, ErrInFlight) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < callers; i++ {
		synth.gate <- nil
	}
	wg.Wait()

	calls := synth.callCount()
	if calls < 1 || calls+rejected != callers {
		t.Fatalf("calls=%d rejected=%d, want total %d", calls, rejected, callers)
	}
	if s.InFlight() {
		t.Fatal("in-flight flag left set")
	}
	if synth.maxActive != 1 {
		t.Fatalf("requests overlapped: max concurrent %d", synth.maxActive)
	}
}

func TestTriggerClearsFlagOnPanic(t *testing.T) {
	s, _, notifier := newTestSession(panickingSynth{})
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = s.Trigger(context.Background())
	}()
	if s.InFlight() {
		t.Fatal("in-flight flag left set after panic")
	}
	if len(notifier.notified()) != 1 {
		t.Fatalf("expected one notification after panic, got %d", len(notifier.notified()))
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	synth := &fakeSynth{}
	s, _, _ := newTestSession(synth)

	var (
		mu     sync.Mutex
		states []State
	)
	cancel := s.Subscribe(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := s.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	if len(got) != 2 || !got[0].InFlight || got[1].InFlight || got[1].Result == nil {
		t.Fatalf("unexpected transitions %+v", got)
	}

	cancel()
	s.SetText("after cancel")
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 {
		t.Fatalf("observer called after cancel")
	}
}

func TestRenderStateBindsAudioSource(t *testing.T) {
	h := playback.Handle{ID: "abc", URL: "/audio/abc", ContentType: "audio/wav"}
	m := RenderState(State{Result: &h})
	if !m.ShowPlayer || m.AudioSrc != "/audio/abc" || m.AudioType != "audio/wav" {
		t.Fatalf("unexpected model %+v", m)
	}
}
