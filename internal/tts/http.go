package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type httpSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

// NewHTTPSynth posts requests as JSON to endpoint and treats the response
// body as raw audio. Both the direct backend address and a same-origin proxy
// path are valid endpoints.
func NewHTTPSynth(endpoint, apiKey string, client *http.Client, maxBytes int64) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSynth{endpoint: endpoint, apiKey: apiKey, client: client, maxBytes: maxBytes}
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Audio{}, fmt.Errorf("marshal synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("create synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("send synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Audio{}, fmt.Errorf("synthesis endpoint returned status %s", resp.Status)
	}

	data, err := readLimited(resp.Body, h.maxBytes)
	if err != nil {
		return Audio{}, err
	}
	return Audio{
		Data:        data,
		ContentType: resolveContentType(resp.Header.Get("Content-Type"), req.ResponseFormat),
		Format:      req.ResponseFormat,
	}, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read audio body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read audio body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrAudioTooLarge, maxBytes)
	}
	return data, nil
}
