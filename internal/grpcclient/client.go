package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/logging"
)

// DetectMethod is the full gRPC method name served by remote detectors.
const DetectMethod = "/detector.v1.Detector/Detect"

// Backend is a detection.Backend that forwards images to a remote detector
// service. The connection is established on Init; Detect calls are safe to
// run concurrently.
type Backend struct {
	addr     string
	logger   *zap.Logger
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conn  *grpc.ClientConn
	names map[int]string
}

// NewBackend returns an undialed backend for addr.
func NewBackend(addr string, logger *zap.Logger, opts ...grpc.DialOption) *Backend {
	return &Backend{addr: addr, logger: logger.Named("grpc_detector"), dialOpts: opts}
}

// Init dials the remote detector, blocking for at most five seconds.
func (b *Backend) Init() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return "grpc-" + grpc.Version, nil
	}
	conn, err := DialDetector(context.Background(), b.addr, b.logger, b.dialOpts...)
	if err != nil {
		return "", err
	}
	b.conn = conn
	return "grpc-" + grpc.Version, nil
}

// Open binds a model name on the remote side. The remote service always has
// a default model, so an empty weights path is accepted.
func (b *Backend) Open(weights string) (detection.Detector, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, errors.New("grpc backend not initialized")
	}
	return &remoteDetector{backend: b, model: weights}, nil
}

func (b *Backend) Names() map[int]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.names
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Backend) setNames(names map[int]string) {
	if len(names) == 0 {
		return
	}
	b.mu.Lock()
	b.names = names
	b.mu.Unlock()
}

// DialDetector returns a ready-to-use connection to a remote detector.
func DialDetector(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

type remoteDetector struct {
	backend *Backend
	model   string
}

func (d *remoteDetector) Detect(ctx context.Context, imagePath string) (*detection.RawOutput, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	params := map[string]interface{}{}
	for k, v := range detection.ParamsFromContext(ctx) {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image_b64": base64.StdEncoding.EncodeToString(data),
		"model":     d.model,
		"params":    params,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	d.backend.mu.Lock()
	conn := d.backend.conn
	d.backend.mu.Unlock()
	if conn == nil {
		return nil, errors.New("grpc backend closed")
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		d.backend.logger.Error("remote detect failed", zap.Error(wrapped), zap.String("image", imagePath))
		return nil, wrapped
	}

	raw, names := parseResponse(resp.AsMap())
	d.backend.setNames(names)
	return raw, nil
}

func (d *remoteDetector) Close() error { return nil }

// parseResponse is lenient: values of the wrong type become empty arrays,
// which the adapter then truncates to an empty detection list.
func parseResponse(m map[string]interface{}) (*detection.RawOutput, map[int]string) {
	raw := &detection.RawOutput{}

	if boxes, ok := m["boxes"].([]interface{}); ok {
		for _, b := range boxes {
			coords, _ := b.([]interface{})
			box := make([]float64, 0, len(coords))
			for _, c := range coords {
				f, _ := c.(float64)
				box = append(box, f)
			}
			raw.Boxes = append(raw.Boxes, box)
		}
	}
	if scores, ok := m["scores"].([]interface{}); ok {
		for _, s := range scores {
			f, ok := s.(float64)
			if !ok {
				break
			}
			raw.Scores = append(raw.Scores, f)
		}
	}
	if classes, ok := m["classes"].([]interface{}); ok {
		for _, c := range classes {
			f, ok := c.(float64)
			if !ok {
				break
			}
			raw.Classes = append(raw.Classes, int(f))
		}
	}
	if w, ok := m["width"].(float64); ok {
		raw.Width = detection.IntPtr(int(w))
	}
	if h, ok := m["height"].(float64); ok {
		raw.Height = detection.IntPtr(int(h))
	}

	var names map[int]string
	if named, ok := m["names"].(map[string]interface{}); ok {
		names = make(map[int]string, len(named))
		for k, v := range named {
			idx, err := strconv.Atoi(k)
			label, ok := v.(string)
			if err != nil || !ok {
				continue
			}
			names[idx] = label
		}
	}
	return raw, names
}
