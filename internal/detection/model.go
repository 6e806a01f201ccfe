package detection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Model is the capability every adapter exposes. Infer must be safe to call
// from concurrent requests; implementations that cannot run concurrently
// serialize internally and say so.
type Model interface {
	// Load prepares the model. It never leaves the model unusable: failures
	// are reflected in Meta().Mode rather than in later Infer calls.
	Load(weights string) error
	Infer(ctx context.Context, imagePath string) (*Result, error)
	InferBytes(ctx context.Context, data []byte) (*Result, error)
	Meta() ModelMeta
	Close() error
}

// Stub never loads anything and always reports dry-run.
type Stub struct{}

// NewStub returns the dry-run model.
func NewStub() *Stub { return &Stub{} }

func (s *Stub) Load(string) error { return nil }

func (s *Stub) Infer(_ context.Context, imagePath string) (*Result, error) {
	return NewResult(filepath.Clean(imagePath), s.Meta()), nil
}

func (s *Stub) InferBytes(ctx context.Context, data []byte) (*Result, error) {
	return inferBytes(ctx, s, data)
}

func (s *Stub) Meta() ModelMeta {
	return ModelMeta{Adapter: "stub", Mode: ModeDryRun}
}

func (s *Stub) Close() error { return nil }

// inferBytes spills data to a temporary file so path based models can run
// on in-memory payloads. The file is removed once inference returns.
func inferBytes(ctx context.Context, m Model, data []byte) (*Result, error) {
	f, err := os.CreateTemp("", "infer-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create temp image: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp image: %w", err)
	}
	return m.Infer(ctx, path)
}
