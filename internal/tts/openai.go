package tts

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openAISynth struct {
	client   *openai.Client
	maxBytes int64
}

// NewOpenAISynth targets an OpenAI-compatible speech API. baseURL is the API
// root (for example http://localhost:8080/api/v1); requests go to
// baseURL + "/audio/speech".
func NewOpenAISynth(baseURL, apiKey string, httpClient *http.Client, maxBytes int64) Synthesizer {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &openAISynth{client: openai.NewClientWithConfig(cfg), maxBytes: maxBytes}
}

func (o *openAISynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(req.Model),
		Input:          req.Input,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormat(req.ResponseFormat),
	})
	if err != nil {
		return Audio{}, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	data, err := readLimited(resp, o.maxBytes)
	if err != nil {
		return Audio{}, err
	}
	return Audio{
		Data:        data,
		ContentType: resolveContentType(resp.Header().Get("Content-Type"), req.ResponseFormat),
		Format:      req.ResponseFormat,
	}, nil
}
