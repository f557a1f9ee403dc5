package tts

import (
	"bytes"
	"errors"
	"strings"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-studio/internal/playback"
)

var errInvalidWAV = errors.New("audio body is not a valid wav container")

// inspect validates the payload against its declared format and fills the
// playback metadata. Only wav is checked structurally; other containers pass
// through as opaque bytes.
func inspect(a Audio) (playback.Meta, error) {
	meta := playback.Meta{ContentType: a.ContentType}
	if !strings.EqualFold(a.Format, "wav") {
		return meta, nil
	}
	dec := wav.NewDecoder(bytes.NewReader(a.Data))
	if !dec.IsValidFile() {
		return meta, errInvalidWAV
	}
	meta.SampleRate = int(dec.SampleRate)
	if d, err := dec.Duration(); err == nil {
		meta.Duration = d
	}
	return meta, nil
}
