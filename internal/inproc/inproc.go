// Package inproc runs a prediction inside the calling process, without the
// HTTP server.
package inproc

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/config"
	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/loader"
)

// Options selects the model. Model, when set, is used as is and left open.
// Otherwise Adapter and Weights fall back to MODEL_ADAPTER and MODEL_WEIGHTS
// and the constructed model is closed before Predict returns.
type Options struct {
	Model   detection.Model
	Adapter string
	Weights string

	// Config supplies env fallbacks and backend settings; nil loads it.
	Config *config.Config
	Logger *zap.Logger
}

// Predict runs a single inference on imagePath and returns the model's
// result unmodified. There is no retry and no timeout beyond ctx.
func Predict(ctx context.Context, imagePath string, opts Options) (*detection.Result, error) {
	if opts.Model != nil {
		return opts.Model.Infer(ctx, imagePath)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	adapter := opts.Adapter
	if adapter == "" {
		adapter = cfg.ModelAdapter
	}
	weights := opts.Weights
	if weights == "" {
		weights = cfg.ModelWeights
	}

	model := loader.GetModel(adapter, weights, loader.OptionsFromConfig(cfg), logger)
	defer func() {
		if err := model.Close(); err != nil {
			logger.Warn("failed to close model", zap.Error(err))
		}
	}()

	logger.Debug("running in-process prediction",
		zap.String("adapter", model.Meta().Adapter),
		zap.String("mode", model.Meta().Mode),
		zap.String("image", imagePath),
	)
	return model.Infer(ctx, imagePath)
}
