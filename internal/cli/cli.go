// Package cli implements the yoloctl command line.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/client"
	"github.com/example/yolo-serve/internal/config"
	"github.com/example/yolo-serve/internal/inproc"
	"github.com/example/yolo-serve/internal/loader"
	"github.com/example/yolo-serve/internal/logging"
)

// Exit codes.
const (
	ExitOK                = 0
	ExitUsage             = 1
	ExitInprocUnavailable = 2
	ExitInprocFailed      = 3
	ExitHTTPUnavailable   = 4
	ExitHTTPFailed        = 5
)

const usage = `usage: yoloctl <command> [flags]

commands:
  predict <image>   send an image for prediction
`

// Run executes the command in args (without the program name) and returns
// the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return ExitUsage
	}
	switch args[0] {
	case "predict":
		return runPredict(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return ExitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return ExitUsage
	}
}

type paramFlag url.Values

func (p paramFlag) String() string {
	return url.Values(p).Encode()
}

func (p paramFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	url.Values(p).Add(key, val)
	return nil
}

type predictFlags struct {
	url     string
	apiKey  string
	inproc  bool
	adapter string
	weights string
	async   bool
	retries int
	backoff time.Duration
	timeout time.Duration
	verbose bool
	params  url.Values
}

func runPredict(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	f := predictFlags{params: url.Values{}}
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.url, "url", cfg.ServerURL, "server base URL (overrides YOLO_SERVER_URL)")
	fs.StringVar(&f.apiKey, "api-key", "", "API key sent as a bearer token")
	fs.BoolVar(&f.inproc, "inproc", false, "run the prediction in-process instead of over HTTP")
	fs.StringVar(&f.adapter, "adapter", "", "adapter for in-process prediction (stub|yolovx|remote)")
	fs.StringVar(&f.weights, "weights", "", "model weights for in-process prediction")
	fs.BoolVar(&f.async, "async", false, "use the asynchronous HTTP client")
	fs.IntVar(&f.retries, "retries", client.DefaultMaxAttempts, "HTTP attempts before giving up")
	fs.DurationVar(&f.backoff, "backoff", client.DefaultBackoffBase, "base backoff between HTTP attempts (0 disables waits)")
	fs.DurationVar(&f.timeout, "timeout", client.DefaultTimeout, "per-attempt HTTP timeout")
	fs.BoolVar(&f.verbose, "v", false, "verbose logging to stderr")
	fs.Var(paramFlag(f.params), "param", "query parameter key=value passed to the model (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: yoloctl predict <image> [flags]")
		fs.PrintDefaults()
	}

	image, err := parseInterspersed(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if image == "" {
		fs.Usage()
		return ExitUsage
	}
	if err := f.validate(); err != nil {
		fmt.Fprintf(stderr, "invalid flags: %v\n", err)
		return ExitUsage
	}

	logger, err := logging.NewCLILogger(f.verbose)
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync() //nolint:errcheck

	if f.inproc {
		return predictInproc(ctx, cfg, f, image, stdout, stderr, logger)
	}
	return predictHTTP(ctx, f, image, stdout, stderr, logger)
}

func (f predictFlags) validate() error {
	switch {
	case f.retries < 1:
		return fmt.Errorf("-retries must be at least 1, got %d", f.retries)
	case f.backoff < 0:
		return fmt.Errorf("-backoff must not be negative, got %s", f.backoff)
	case f.timeout <= 0:
		return fmt.Errorf("-timeout must be positive, got %s", f.timeout)
	}
	return nil
}

// parseInterspersed allows flags on either side of the image argument.
func parseInterspersed(fs *flag.FlagSet, args []string) (string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return "", err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
	switch len(positional) {
	case 0:
		return "", nil
	case 1:
		return positional[0], nil
	default:
		fmt.Fprintf(fs.Output(), "expected one image, got %d\n", len(positional))
		return "", errors.New("too many arguments")
	}
}

func predictInproc(ctx context.Context, cfg *config.Config, f predictFlags, image string, stdout, stderr io.Writer, logger *zap.Logger) int {
	if f.adapter != "" && !loader.KnownAdapter(f.adapter) {
		fmt.Fprintf(stderr, "inproc predict unavailable: unknown adapter %q\n", f.adapter)
		return ExitInprocUnavailable
	}
	if _, err := os.Stat(image); err != nil {
		fmt.Fprintf(stderr, "inproc prediction failed: %v\n", err)
		return ExitInprocFailed
	}

	result, err := inproc.Predict(ctx, image, inproc.Options{
		Adapter: f.adapter,
		Weights: f.weights,
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "inproc prediction failed: %v\n", err)
		return ExitInprocFailed
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "inproc prediction failed: %v\n", err)
		return ExitInprocFailed
	}
	fmt.Fprintln(stdout, string(out))
	return ExitOK
}

func predictHTTP(ctx context.Context, f predictFlags, image string, stdout, stderr io.Writer, logger *zap.Logger) int {
	base, err := url.Parse(f.url)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fmt.Fprintf(stderr, "http client unavailable: invalid server URL %q\n", f.url)
		return ExitHTTPUnavailable
	}

	backoffBase := f.backoff
	if backoffBase == 0 {
		backoffBase = client.NoBackoff
	}
	c := client.New(f.url, client.Options{
		APIKey:      f.apiKey,
		Timeout:     f.timeout,
		MaxAttempts: f.retries,
		BackoffBase: backoffBase,
	}, logger)

	var resp *client.PredictResponse
	if f.async {
		select {
		case res := <-c.PredictAsync(ctx, image, f.params):
			resp, err = res.Response, res.Err
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		resp, err = c.Predict(ctx, image, f.params)
	}
	if err != nil {
		fmt.Fprintf(stderr, "prediction failed: %v\n", err)
		return ExitHTTPFailed
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Raw, "", "  "); err != nil {
		fmt.Fprintf(stderr, "prediction failed: %v\n", err)
		return ExitHTTPFailed
	}
	fmt.Fprintln(stdout, pretty.String())
	return ExitOK
}
