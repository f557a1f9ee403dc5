package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per request. The command receives the JSON
// request on stdin and must write the audio payload to stdout.
type execSynth struct {
	cmd      []string
	maxBytes int64
	mu       sync.Mutex
}

func NewExecSynth(command string, maxBytes int64) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, maxBytes: maxBytes}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return Audio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start tts command: %w", err)
	}
	data, readErr := readLimited(stdout, e.maxBytes)
	if readErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Audio{}, readErr
	}
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return Audio{
		Data:        data,
		ContentType: ContentTypeFor(req.ResponseFormat),
		Format:      req.ResponseFormat,
	}, nil
}
