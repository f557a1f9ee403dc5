package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-studio/internal/config"
	"github.com/loqalabs/loqa-studio/internal/eventstore"
	"github.com/loqalabs/loqa-studio/internal/playback"
	"github.com/loqalabs/loqa-studio/internal/view"
)

const maxBodyBytes = 1 << 20

// History lists recorded synthesis attempts for a session.
type History interface {
	ListSession(ctx context.Context, sessionID string, limit int) ([]eventstore.Synthesis, error)
}

// Options wires the router to the rest of the runtime. History, Metrics and
// Ready are optional.
type Options struct {
	View     config.ViewConfig
	Web      config.WebConfig
	Sessions *view.Manager
	Audio    *playback.Store
	History  History
	Metrics  http.Handler
	Ready    func() bool
	Logger   *slog.Logger
}

type Router struct {
	opts     Options
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewRouter(opts Options) (http.Handler, error) {
	if opts.Sessions == nil || opts.Audio == nil {
		return nil, errors.New("web router requires sessions and audio store")
	}
	if opts.View.CookieName == "" {
		opts.View.CookieName = "loqa_session"
	}
	r := &Router{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "web")),
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if err := r.routes(); err != nil {
		return nil, err
	}
	return withSentryRecovery(r.mux), nil
}

func (r *Router) routes() error {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReady)
	if r.opts.Metrics != nil {
		r.mux.Handle("GET /metrics", r.opts.Metrics)
	}

	r.mux.HandleFunc("GET /{$}", r.handlePage)
	r.mux.HandleFunc("POST /speak", r.handleSpeakForm)
	r.mux.HandleFunc("GET "+playback.URLPrefix+"{id}", r.handleAudio)

	r.mux.HandleFunc("GET /api/state", r.handleState)
	r.mux.HandleFunc("POST /api/speak", r.handleSpeakJSON)
	r.mux.HandleFunc("GET /api/history", r.handleHistory)
	r.mux.HandleFunc("GET /ws", r.handleWS)

	if target := r.opts.Web.ProxyTarget; target != "" {
		proxy, err := newProxy(target, r.logger)
		if err != nil {
			return err
		}
		r.mux.Handle(r.opts.Web.ProxyPrefix, proxy)
	}
	return nil
}

func newProxy(target string, logger *slog.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		logger.Warn("proxy request failed", slog.String("path", req.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}
	return proxy, nil
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.opts.Ready == nil || r.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// session returns the caller's view session, creating one and setting the
// cookie when the request carries none or an unknown id.
func (r *Router) session(w http.ResponseWriter, req *http.Request) *view.Session {
	if c, err := req.Cookie(r.opts.View.CookieName); err == nil {
		if s, ok := r.opts.Sessions.Get(c.Value); ok {
			return s
		}
	}
	s := r.opts.Sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     r.opts.View.CookieName,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

func (r *Router) handlePage(w http.ResponseWriter, req *http.Request) {
	s := r.session(w, req)
	model := s.Render()
	model.Alert = s.TakeNotification()

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, model); err != nil {
		r.logger.Error("render page failed", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (r *Router) handleSpeakForm(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	s := r.session(w, req)
	if req.PostForm.Has("text") {
		s.SetText(req.PostForm.Get("text"))
	}
	if req.PostForm.Has("voice") {
		s.SetVoice(req.PostForm.Get("voice"))
	}

	err := s.Trigger(context.WithoutCancel(req.Context()))
	switch {
	case errors.Is(err, view.ErrInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, view.ErrClosing):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	// Failures surface as the page alert on the redirect target.
	http.Redirect(w, req, "/", http.StatusSeeOther)
}

type speakRequest struct {
	Text  *string `json:"text"`
	Voice *string `json:"voice"`
}

func (r *Router) handleSpeakJSON(w http.ResponseWriter, req *http.Request) {
	var body speakRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	s := r.session(w, req)
	if body.Text != nil {
		s.SetText(*body.Text)
	}
	if body.Voice != nil {
		s.SetVoice(*body.Voice)
	}

	err := s.Trigger(context.WithoutCancel(req.Context()))
	switch {
	case errors.Is(err, view.ErrInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, view.ErrClosing):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		// The notification is consumed here so a connected websocket does not
		// raise it a second time. It is empty if the websocket got there first.
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":        "synthesis failed",
			"notification": s.TakeNotification(),
		})
	default:
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}

func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.session(w, req).Snapshot())
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	s := r.session(w, req)
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	events := []eventstore.Synthesis{}
	if r.opts.History != nil {
		list, err := r.opts.History.ListSession(req.Context(), s.ID(), limit)
		if err != nil {
			r.logger.Warn("list history failed", slog.String("session", s.ID()), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
			return
		}
		if list != nil {
			events = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID(), "events": events})
}

func (r *Router) handleAudio(w http.ResponseWriter, req *http.Request) {
	h, data, err := r.opts.Audio.Get(req.PathValue("id"))
	if err != nil {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", h.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, req, "", h.CreatedAt, bytes.NewReader(data))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
