package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/playback"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(endpoint string) config.TTSConfig {
	cfg := config.Default().TTS
	cfg.Endpoint = endpoint
	return cfg
}

func testWAV(t *testing.T) []byte {
	t.Helper()
	data, err := silentWAV(mockSampleRate, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("render wav: %v", err)
	}
	return data
}

// recordingEndpoint answers every POST with the given status and body and
// remembers the decoded request bodies.
type recordingEndpoint struct {
	mu       sync.Mutex
	requests []Request
	paths    []string
	status   int
	body     []byte
}

func (r *recordingEndpoint) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body Request
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	r.requests = append(r.requests, body)
	r.paths = append(r.paths, req.Method+" "+req.URL.Path)
	r.mu.Unlock()

	if r.status != http.StatusOK {
		w.WriteHeader(r.status)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(r.body)
}

func (r *recordingEndpoint) calls() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

func newHTTPClient(t *testing.T, endpoint *recordingEndpoint, path string) (*Client, *playback.Store) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL + path)
	store := playback.NewStore(8)
	synth, err := NewSynthesizer(cfg, srv.Client())
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	return NewClient(cfg, synth, store, newLogger()), store
}

func TestSynthesizeDefaultVoice(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	client, store := newHTTPClient(t, endpoint, "/generate")

	handle, err := client.Synthesize(context.Background(), "Hello world")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	calls := endpoint.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one POST, got %d", len(calls))
	}
	want := Request{Model: "orpheus", Input: "Hello world", Voice: "tara", ResponseFormat: "wav"}
	if calls[0] != want {
		t.Fatalf("request body = %+v, want %+v", calls[0], want)
	}
	if endpoint.paths[0] != "POST /generate" {
		t.Fatalf("unexpected request line %q", endpoint.paths[0])
	}

	if handle.ContentType != "audio/wav" {
		t.Fatalf("unexpected content type %q", handle.ContentType)
	}
	if handle.SampleRate != mockSampleRate {
		t.Fatalf("expected sample rate %d, got %d", mockSampleRate, handle.SampleRate)
	}
	_, data, err := store.Get(handle.ID)
	if err != nil {
		t.Fatalf("handle not stored: %v", err)
	}
	if len(data) != len(endpoint.body) {
		t.Fatalf("stored %d bytes, want %d", len(data), len(endpoint.body))
	}
}

func TestSynthesizeExplicitVoiceAndOpaqueInput(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	client, _ := newHTTPClient(t, endpoint, "/api/v1/audio/speech")

	text := "Hello! [cheerful] <giggle> This is opaque."
	if _, err := client.Synthesize(context.Background(), text, "leo"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	calls := endpoint.calls()
	if len(calls) != 1 || calls[0].Input != text || calls[0].Voice != "leo" {
		t.Fatalf("unexpected request %+v", calls)
	}
	if endpoint.paths[0] != "POST /api/v1/audio/speech" {
		t.Fatalf("unexpected request line %q", endpoint.paths[0])
	}
}

func TestSynthesizeEmptyVoiceFallsBackToDefault(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	client, _ := newHTTPClient(t, endpoint, "/generate")

	if _, err := client.Synthesize(context.Background(), "hi", ""); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := endpoint.calls()[0].Voice; got != "tara" {
		t.Fatalf("voice = %q, want tara", got)
	}
}

func TestSynthesizeFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   []byte
	}{
		{"server error empty body", http.StatusInternalServerError, nil},
		{"bad request", http.StatusBadRequest, nil},
		{"empty body", http.StatusOK, nil},
		{"malformed wav", http.StatusOK, []byte("definitely not audio")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := &recordingEndpoint{status: tt.status, body: tt.body}
			client, store := newHTTPClient(t, endpoint, "/generate")

			handle, err := client.Synthesize(context.Background(), "Hello world")
			if !errors.Is(err, ErrSynthesisFailed) {
				t.Fatalf("expected ErrSynthesisFailed, got %v", err)
			}
			if !handle.Empty() {
				t.Fatalf("expected no handle, got %+v", handle)
			}
			if len(endpoint.calls()) != 1 {
				t.Fatalf("expected a single attempt, got %d", len(endpoint.calls()))
			}
			if store.Len() != 0 {
				t.Fatalf("expected nothing stored")
			}
		})
	}
}

func TestSynthesizeNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/generate"
	srv.Close()

	cfg := testConfig(url)
	client := NewClient(cfg, NewHTTPSynth(url, "", nil, cfg.MaxAudioBytes), playback.NewStore(2), newLogger())
	_, err := client.Synthesize(context.Background(), "Hello world")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
}

func TestSynthesizeRejectsOversizedAudio(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.MaxAudioBytes = 16
	synth, _ := NewSynthesizer(cfg, srv.Client())
	client := NewClient(cfg, synth, playback.NewStore(2), newLogger())

	_, err := client.Synthesize(context.Background(), "Hello world")
	if !errors.Is(err, ErrSynthesisFailed) || !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("expected oversized failure, got %v", err)
	}
}

func TestSynthesizeAppliesTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	cfg := testConfig(srv.URL)
	cfg.TimeoutMS = 50
	synth, _ := NewSynthesizer(cfg, srv.Client())
	client := NewClient(cfg, synth, playback.NewStore(2), newLogger())

	start := time.Now()
	_, err := client.Synthesize(context.Background(), "slow")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected failure on timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestSynthesizeProducesIndependentHandles(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	client, store := newHTTPClient(t, endpoint, "/generate")

	first, err := client.Synthesize(context.Background(), "same")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := client.Synthesize(context.Background(), "same")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected two independent handles")
	}
	if len(endpoint.calls()) != 2 || store.Len() != 2 {
		t.Fatalf("expected two calls and two stored payloads")
	}
}

func TestOpenAIModePostsSpeechRequest(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusOK, body: testWAV(t)}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL + "/api/v1")
	cfg.Mode = "openai"
	synth, err := NewSynthesizer(cfg, srv.Client())
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	client := NewClient(cfg, synth, playback.NewStore(2), newLogger())

	if _, err := client.Synthesize(context.Background(), "Hello world"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	calls := endpoint.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if endpoint.paths[0] != "POST /api/v1/audio/speech" {
		t.Fatalf("unexpected request line %q", endpoint.paths[0])
	}
	want := Request{Model: "orpheus", Input: "Hello world", Voice: "tara", ResponseFormat: "wav"}
	if calls[0] != want {
		t.Fatalf("request body = %+v, want %+v", calls[0], want)
	}
}

func TestOpenAIModeFailsOnServerError(t *testing.T) {
	endpoint := &recordingEndpoint{status: http.StatusInternalServerError}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL + "/api/v1")
	cfg.Mode = "openai"
	synth, _ := NewSynthesizer(cfg, srv.Client())
	client := NewClient(cfg, synth, playback.NewStore(2), newLogger())

	if _, err := client.Synthesize(context.Background(), "Hello world"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
}

func TestNewSynthesizerRejectsUnknownMode(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Mode = "carrier-pigeon"
	if _, err := NewSynthesizer(cfg, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"wav":  "audio/wav",
		"MP3":  "audio/mpeg",
		"opus": "audio/ogg",
		"flac": "audio/flac",
		"xyz":  "application/octet-stream",
	}
	for format, want := range tests {
		if got := ContentTypeFor(format); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", format, got, want)
		}
	}
	if got := resolveContentType("application/octet-stream", "wav"); got != "audio/wav" {
		t.Errorf("octet-stream header should fall back to format, got %q", got)
	}
	if got := resolveContentType("audio/x-wav", "wav"); got != "audio/x-wav" {
		t.Errorf("explicit audio header should win, got %q", got)
	}
}
