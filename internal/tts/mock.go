package tts

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	mockSampleRate = 24000
	mockMaxLength  = 5 * time.Second
)

type mockSynth struct {
	latency time.Duration
}

// NewMockSynth returns a backend that answers every request with a silent
// mono WAV whose length grows with the input.
func NewMockSynth(latency time.Duration) Synthesizer {
	return &mockSynth{latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.latency):
	}

	length := 250*time.Millisecond + time.Duration(utf8.RuneCountInString(req.Input))*10*time.Millisecond
	if length > mockMaxLength {
		length = mockMaxLength
	}
	data, err := silentWAV(mockSampleRate, length)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, ContentType: "audio/wav", Format: "wav"}, nil
}

// silentWAV renders 16-bit mono silence. The wav encoder needs a seekable
// writer, so the payload goes through a temp file.
func silentWAV(sampleRate int, length time.Duration) ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples := int(int64(sampleRate) * int64(length) / int64(time.Second))
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
