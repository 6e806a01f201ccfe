package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ErrNoDefaultModel is returned by Backend.Open when it cannot run without
// an explicit weights file.
var ErrNoDefaultModel = errors.New("backend has no default model")

// RawOutput is what a Detector produces before normalization.
type RawOutput struct {
	Boxes   [][]float64
	Scores  []float64
	Classes []int
	Width   *int
	Height  *int
}

// Detector runs a loaded detection network against one image.
type Detector interface {
	Detect(ctx context.Context, imagePath string) (*RawOutput, error)
	Close() error
}

// Backend is a detector technology whose runtime may or may not be
// available on this host. Init is called once per Load; Open with an empty
// weights path asks for the backend's built-in model.
type Backend interface {
	Init() (version string, err error)
	Open(weights string) (Detector, error)
	Names() map[int]string
	Close() error
}

// Adapter is the real DetectionModel: it binds a Backend and, once loaded,
// the Detector opened from the configured weights.
type Adapter struct {
	name    string
	backend Backend
	logger  *zap.Logger

	mu       sync.RWMutex
	detector Detector
	mode     string
	version  string
	names    map[int]string
}

// NewAdapter builds an unloaded adapter reporting dry-run until Load runs.
func NewAdapter(name string, backend Backend, logger *zap.Logger) *Adapter {
	return &Adapter{
		name:    name,
		backend: backend,
		logger:  logger.Named("adapter").With(zap.String("adapter", name)),
		mode:    ModeDryRun,
	}
}

// Load probes the backend runtime and opens the detector. It returns an
// error only for information; the adapter always ends in a usable mode.
func (a *Adapter) Load(weights string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detector != nil {
		_ = a.detector.Close()
		a.detector = nil
	}

	version, err := a.backend.Init()
	if err != nil {
		a.mode = ModeDryRun
		a.version = ""
		a.names = nil
		a.logger.Debug("backend runtime unavailable", zap.Error(err))
		return fmt.Errorf("%s runtime unavailable: %w", a.name, err)
	}
	a.version = version

	if weights == "" || !fileExists(weights) {
		a.mode = ModeNoWeights
		det, err := a.backend.Open("")
		if err != nil {
			a.logger.Debug("no default model", zap.Error(err))
		} else {
			a.detector = det
		}
		a.names = a.backend.Names()
		a.logger.Info("adapter loaded without weights", zap.String("weights", weights), zap.Bool("detector", a.detector != nil))
		return nil
	}

	det, err := a.backend.Open(weights)
	if err != nil {
		a.mode = ModeNoWeights
		a.logger.Error("failed to open weights", zap.String("weights", weights), zap.Error(err))
		return fmt.Errorf("open weights %s: %w", weights, err)
	}
	a.detector = det
	a.mode = ModeInference
	a.names = a.backend.Names()
	a.logger.Info("adapter loaded", zap.String("weights", weights), zap.String("mode", a.mode))
	return nil
}

// Infer runs the detector. Detector failures are returned to the caller;
// a malformed detector output degrades to an empty detections list.
func (a *Adapter) Infer(ctx context.Context, imagePath string) (*Result, error) {
	a.mu.RLock()
	det, names, meta := a.detector, a.names, a.metaLocked()
	a.mu.RUnlock()

	result := NewResult(filepath.Clean(imagePath), meta)
	if det == nil {
		return result, nil
	}

	raw, err := det.Detect(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	result.Width, result.Height = raw.Width, raw.Height
	detections, err := convert(raw, names)
	if err != nil {
		a.logger.Warn("discarding unparseable detector output", zap.String("image", imagePath), zap.Error(err))
		return result, nil
	}
	result.Detections = detections
	return result, nil
}

func (a *Adapter) InferBytes(ctx context.Context, data []byte) (*Result, error) {
	return inferBytes(ctx, a, data)
}

func (a *Adapter) Meta() ModelMeta {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metaLocked()
}

// Close releases the detector and the backend runtime.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.detector != nil {
		errs = append(errs, a.detector.Close())
		a.detector = nil
	}
	errs = append(errs, a.backend.Close())
	a.mode = ModeDryRun
	return errors.Join(errs...)
}

func (a *Adapter) metaLocked() ModelMeta {
	return ModelMeta{Adapter: a.name, Mode: a.mode, Version: StringPtr(a.version)}
}

func convert(raw *RawOutput, names map[int]string) (detections []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			detections, err = nil, fmt.Errorf("convert detector output: %v", r)
		}
	}()
	if raw == nil {
		return []Detection{}, nil
	}
	return FormatDetections(raw.Boxes, raw.Scores, raw.Classes, names)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
