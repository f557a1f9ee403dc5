package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunWritesMockSpeech(t *testing.T) {
	out := filepath.Join(t.TempDir(), "speech.wav")
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-mode", "mock", "-out", out, "Hello", "world"}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v (%s)", err, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("expected wav output, got %d bytes", len(data))
	}
	if !strings.Contains(stderr.String(), "wrote "+out) {
		t.Fatalf("unexpected summary %q", stderr.String())
	}
}

func TestRunWritesToStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-mode", "mock", "-out", "-", "hi"}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bytes.HasPrefix(stdout.Bytes(), []byte("RIFF")) {
		t.Fatal("expected wav on stdout")
	}
}

func TestRunRequiresText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-mode", "mock"}, &stdout, &stderr); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestRunReportsSynthesisFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"-endpoint", "http://127.0.0.1:1/generate", "-out", filepath.Join(t.TempDir(), "x.wav"), "hi"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "synthesis failed") {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-version"}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != version {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}
