package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("PROJECT_ROOT", t.TempDir())
	t.Setenv("MODEL_ADAPTER", "")
	t.Setenv("MODEL_WEIGHTS", "")
	t.Setenv("YOLO_SERVER_URL", "")
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	if code, _, _ := run(); code != ExitUsage {
		t.Fatalf("no command: expected %d, got %d", ExitUsage, code)
	}
	if code, _, _ := run("train"); code != ExitUsage {
		t.Fatalf("unknown command: expected %d, got %d", ExitUsage, code)
	}
	if code, _, _ := run("predict"); code != ExitUsage {
		t.Fatalf("missing image: expected %d, got %d", ExitUsage, code)
	}
	if code, _, _ := run("predict", "a.jpg", "b.jpg"); code != ExitUsage {
		t.Fatalf("two images: expected %d, got %d", ExitUsage, code)
	}
	if code, _, _ := run("predict", "--nope", "a.jpg"); code != ExitUsage {
		t.Fatalf("unknown flag: expected %d, got %d", ExitUsage, code)
	}
}

func TestPredictOverHTTP(t *testing.T) {
	isolate(t)
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"message":"model not loaded (dry-run)","path":"uploads/x_img.jpg"}`)
	}))
	defer srv.Close()

	code, stdout, stderr := run("predict", writeImage(t), "--url", srv.URL, "--api-key", "k", "--param", "conf=0.3")
	if code != ExitOK {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(stdout), &body); err != nil {
		t.Fatalf("stdout is not JSON: %q", stdout)
	}
	if body["path"] != "uploads/x_img.jpg" || !strings.Contains(stdout, "\n  \"") {
		t.Fatalf("unexpected output %q", stdout)
	}
	if gotQuery != "conf=0.3" || gotAuth != "Bearer k" {
		t.Fatalf("unexpected request query=%q auth=%q", gotQuery, gotAuth)
	}
}

func TestPredictOverHTTPUsesEnvURL(t *testing.T) {
	isolate(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"path":"p"}`)
	}))
	defer srv.Close()
	t.Setenv("YOLO_SERVER_URL", srv.URL)

	if code, _, stderr := run("predict", "--async", writeImage(t)); code != ExitOK {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request to the env URL, got %d", hits.Load())
	}
}

func TestPredictOverHTTPFailure(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unsupported content type"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	code, _, stderr := run("predict", writeImage(t), "--url", srv.URL)
	if code != ExitHTTPFailed {
		t.Fatalf("expected %d, got %d", ExitHTTPFailed, code)
	}
	if !strings.Contains(stderr, "prediction failed") || !strings.Contains(stderr, "400") {
		t.Fatalf("unexpected stderr %q", stderr)
	}

	if code, _, _ := run("predict", filepath.Join(t.TempDir(), "missing.jpg"), "--url", srv.URL); code != ExitHTTPFailed {
		t.Fatalf("missing image: expected %d, got %d", ExitHTTPFailed, code)
	}
}

func TestPredictHTTPClientUnavailable(t *testing.T) {
	isolate(t)
	if code, _, _ := run("predict", writeImage(t), "--url", "not a url"); code != ExitHTTPUnavailable {
		t.Fatalf("expected %d, got %d", ExitHTTPUnavailable, code)
	}
}

func TestPredictInproc(t *testing.T) {
	isolate(t)
	image := writeImage(t)

	code, stdout, stderr := run("predict", image, "--inproc", "--adapter", "stub")
	if code != ExitOK {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	var body struct {
		Image      string          `json:"image"`
		Detections json.RawMessage `json:"detections"`
		Model      struct {
			Mode string `json:"mode"`
		} `json:"model"`
	}
	if err := json.Unmarshal([]byte(stdout), &body); err != nil {
		t.Fatalf("stdout is not JSON: %q", stdout)
	}
	if body.Image != image || string(body.Detections) != "[]" || body.Model.Mode != "dry-run" {
		t.Fatalf("unexpected output %s", stdout)
	}
}

func TestPredictInprocErrors(t *testing.T) {
	isolate(t)
	if code, _, _ := run("predict", writeImage(t), "--inproc", "--adapter", "detectron2"); code != ExitInprocUnavailable {
		t.Fatalf("unknown adapter: expected %d, got %d", ExitInprocUnavailable, code)
	}
	if code, _, _ := run("predict", filepath.Join(t.TempDir(), "missing.jpg"), "--inproc"); code != ExitInprocFailed {
		t.Fatalf("missing image: expected %d, got %d", ExitInprocFailed, code)
	}
}

func TestPredictRejectsInvalidRetryFlags(t *testing.T) {
	isolate(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	image := writeImage(t)
	cases := [][]string{
		{"--retries", "0"},
		{"--retries", "-2"},
		{"--backoff", "-1s"},
		{"--timeout", "0"},
	}
	for _, extra := range cases {
		args := append([]string{"predict", image, "--url", srv.URL}, extra...)
		code, _, stderr := run(args...)
		if code != ExitUsage {
			t.Fatalf("%v: expected %d, got %d", extra, ExitUsage, code)
		}
		if !strings.Contains(stderr, "invalid flags") {
			t.Fatalf("%v: unexpected stderr %q", extra, stderr)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("invalid flags must not reach the server, got %d requests", hits.Load())
	}
}

func TestPredictZeroBackoffRetriesWithoutWaiting(t *testing.T) {
	isolate(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"path":"p"}`)
	}))
	defer srv.Close()

	start := time.Now()
	code, _, stderr := run("predict", writeImage(t), "--url", srv.URL, "--backoff", "0", "--retries", "3")
	if code != ExitOK {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
	// the default base would wait 500ms then 1s
	if elapsed := time.Since(start); elapsed > 1200*time.Millisecond {
		t.Fatalf("zero backoff still waited, took %s", elapsed)
	}
}
