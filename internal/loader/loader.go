// Package loader turns an adapter selector and a weights path into a loaded
// detection.Model.
package loader

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/config"
	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/detection/onnx"
	"github.com/example/yolo-serve/internal/grpcclient"
)

// Normalized adapter names.
const (
	AdapterStub   = "stub"
	AdapterYOLO   = "yolovx"
	AdapterRemote = "remote"
)

// Options carries the backend settings that are not part of the selector.
type Options struct {
	ProjectRoot  string
	LabelsPath   string
	OnnxLibPath  string
	DetectorAddr string
}

// OptionsFromConfig extracts loader options from the process config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProjectRoot:  cfg.ProjectRoot,
		LabelsPath:   cfg.ModelLabels,
		OnnxLibPath:  cfg.OnnxLibPath,
		DetectorAddr: cfg.DetectorAddr,
	}
}

// NormalizeAdapter maps user supplied selectors onto a known adapter.
// Unknown selectors fall back to the stub.
func NormalizeAdapter(adapter string) string {
	a := strings.ToLower(strings.TrimSpace(adapter))
	switch {
	case a == "":
		return AdapterStub
	case strings.HasPrefix(a, "yolo"), strings.Contains(a, "yolov"):
		return AdapterYOLO
	case a == "remote", a == "grpc":
		return AdapterRemote
	default:
		return AdapterStub
	}
}

// KnownAdapter reports whether adapter names a real adapter rather than
// something NormalizeAdapter would silently replace with the stub.
func KnownAdapter(adapter string) bool {
	a := strings.ToLower(strings.TrimSpace(adapter))
	return a == AdapterStub || NormalizeAdapter(a) != AdapterStub
}

// ResolveWeights expands ~ and anchors relative paths at root.
func ResolveWeights(weights, root string) string {
	if weights == "" {
		return ""
	}
	w := weights
	if w == "~" || strings.HasPrefix(w, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			w = filepath.Join(home, strings.TrimPrefix(w, "~"))
		}
	}
	if !filepath.IsAbs(w) && root != "" {
		w = filepath.Join(root, w)
	}
	if abs, err := filepath.Abs(w); err == nil {
		w = abs
	}
	return w
}

// GetModel builds and loads the model for adapter. Load failures are logged
// and leave the model in its degraded mode; GetModel itself never fails.
func GetModel(adapter, weights string, opts Options, logger *zap.Logger) detection.Model {
	chosen := NormalizeAdapter(adapter)
	resolved := ResolveWeights(weights, opts.ProjectRoot)
	logger.Info("requested adapter",
		zap.String("adapter", adapter),
		zap.String("normalized", chosen),
		zap.String("weights", resolved))

	var m detection.Model
	switch chosen {
	case AdapterYOLO:
		backend := onnx.NewBackend(onnx.Options{
			LibraryPath: opts.OnnxLibPath,
			LabelsPath:  ResolveWeights(opts.LabelsPath, opts.ProjectRoot),
		}, logger)
		m = detection.NewAdapter(AdapterYOLO, backend, logger)
	case AdapterRemote:
		m = detection.NewAdapter(AdapterRemote, grpcclient.NewBackend(opts.DetectorAddr, logger), logger)
	default:
		m = detection.NewStub()
	}

	if err := m.Load(resolved); err != nil {
		logger.Warn("model load degraded", zap.String("adapter", chosen), zap.Error(err))
	}
	logger.Info("model loaded", zap.String("adapter", chosen), zap.String("mode", m.Meta().Mode))
	return m
}
