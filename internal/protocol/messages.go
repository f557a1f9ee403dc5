package protocol

import "time"

// TTSRequest asks the studio to synthesize text on behalf of a bus client.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// TTSResult answers a TTSRequest. Error is set instead of the handle fields
// when synthesis failed.
type TTSResult struct {
	SessionID   string    `json:"session_id"`
	HandleID    string    `json:"handle_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int       `json:"size,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Error       string    `json:"error,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notification is a user-facing message raised by a view session.
type Notification struct {
	SessionID string    `json:"session_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesisFailure carries the operator diagnostics of a failed synthesis.
type SynthesisFailure struct {
	SessionID  string    `json:"session_id"`
	Voice      string    `json:"voice"`
	InputChars int       `json:"input_chars"`
	Error      string    `json:"error"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest       = "tts.request"
	SubjectTTSResult        = "tts.result"
	SubjectSynthesisFailed  = "tts.synthesis.failed"
	SubjectUINotification   = "ui.notification"
	NotificationLevelError  = "error"
	NotificationLevelNotice = "notice"
)
