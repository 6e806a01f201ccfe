package detection

import (
	"context"
	"net/url"
)

type paramsKey struct{}

// WithParams attaches request query parameters for the model layer.
// Backends pick the keys they understand and ignore the rest.
func WithParams(ctx context.Context, params url.Values) context.Context {
	if len(params) == 0 {
		return ctx
	}
	return context.WithValue(ctx, paramsKey{}, params)
}

// ParamsFromContext returns the parameters attached by WithParams.
func ParamsFromContext(ctx context.Context) url.Values {
	if ctx == nil {
		return nil
	}
	params, _ := ctx.Value(paramsKey{}).(url.Values)
	return params
}
