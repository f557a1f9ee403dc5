package tts

import (
	"context"
	"errors"
	"strings"
)

// ErrSynthesisFailed is the single failure kind surfaced to callers. The
// underlying cause stays wrapped alongside it.
var ErrSynthesisFailed = errors.New("synthesis failed")

// ErrEmptyAudio is returned when the endpoint answers with no audio bytes.
var ErrEmptyAudio = errors.New("synthesis returned empty audio")

// ErrAudioTooLarge is returned when a payload exceeds the configured limit.
var ErrAudioTooLarge = errors.New("synthesis audio exceeds size limit")

// Request is the body posted to the synthesis endpoint.
type Request struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Audio is a raw payload as returned by a backend.
type Audio struct {
	Data        []byte
	ContentType string
	Format      string
}

// Synthesizer is the contract for producing audio from a Request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// ContentTypeFor maps a response_format name to a media type.
func ContentTypeFor(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}

func resolveContentType(header, format string) string {
	if header != "" && !strings.HasPrefix(header, "application/octet-stream") {
		return header
	}
	return ContentTypeFor(format)
}
