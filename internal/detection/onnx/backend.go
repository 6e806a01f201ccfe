// Package onnx runs YOLOv8 style detectors exported to ONNX through the
// onnxruntime shared library. The runtime is optional: when the library
// cannot be loaded the owning adapter stays in dry-run mode.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/imageprocessor"
)

const (
	defaultInputSize = 640
	defaultConf      = 0.25
	defaultIOU       = 0.45
)

// Options configures the ONNX backend.
type Options struct {
	LibraryPath   string
	LabelsPath    string
	ConfThreshold float64
	IOUThreshold  float64
}

// Backend implements detection.Backend on top of onnxruntime_go.
type Backend struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	names       map[int]string
}

// NewBackend returns a backend; nothing is loaded until Init.
func NewBackend(opts Options, logger *zap.Logger) *Backend {
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = defaultConf
	}
	if opts.IOUThreshold <= 0 {
		opts.IOUThreshold = defaultIOU
	}
	return &Backend{opts: opts, logger: logger.Named("onnx")}
}

// Init loads the onnxruntime shared library once per process.
func (b *Backend) Init() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ort.IsInitialized() {
		return ort.GetVersion(), nil
	}
	if b.opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(b.opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return "", fmt.Errorf("initialize onnxruntime: %w", err)
	}
	b.initialized = true
	return ort.GetVersion(), nil
}

// Open creates a session for weights. ONNX has no built-in model, so an
// empty path yields detection.ErrNoDefaultModel.
func (b *Backend) Open(weights string) (detection.Detector, error) {
	if weights == "" {
		return nil, detection.ErrNoDefaultModel
	}

	names, err := loadLabels(b.opts.LabelsPath)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(weights)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected one input and at least one output, got %d/%d", len(inputs), len(outputs))
	}

	inShape := fixedInputShape(inputs[0].Dimensions)
	if len(inShape) != 4 || inShape[1] != 3 {
		return nil, fmt.Errorf("unsupported input shape %v", inputs[0].Dimensions)
	}
	outShape := outputs[0].Dimensions
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unsupported output shape %v", outShape)
	}
	for _, d := range outShape[1:] {
		if d <= 0 {
			return nil, fmt.Errorf("dynamic output shape %v is not supported", outShape)
		}
	}
	outShape = ort.NewShape(1, outShape[1], outShape[2])

	inputTensor, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(weights,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	b.mu.Lock()
	b.names = names
	b.mu.Unlock()

	channels, anchors := int(outShape[1]), int(outShape[2])
	channelsFirst := channels < anchors
	if !channelsFirst {
		channels, anchors = anchors, channels
	}

	b.logger.Info("onnx session ready",
		zap.String("weights", weights),
		zap.Int64s("input_shape", inShape),
		zap.Int64s("output_shape", outShape),
		zap.Int("classes", channels-4))

	return &Detector{
		session:       session,
		input:         inputTensor,
		output:        outputTensor,
		width:         int(inShape[3]),
		height:        int(inShape[2]),
		channels:      channels,
		anchors:       anchors,
		channelsFirst: channelsFirst,
		conf:          b.opts.ConfThreshold,
		iou:           b.opts.IOUThreshold,
	}, nil
}

func (b *Backend) Names() map[int]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.names
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	return ort.DestroyEnvironment()
}

// Detector owns one session and its bound tensors. The tensors are shared
// state, so Detect calls are serialized.
type Detector struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	input         *ort.Tensor[float32]
	output        *ort.Tensor[float32]
	width, height int
	channels      int
	anchors       int
	channelsFirst bool
	conf, iou     float64
}

func (d *Detector) Detect(ctx context.Context, imagePath string) (*detection.RawOutput, error) {
	if _, err := imageprocessor.Inspect(imagePath, imageprocessor.DefaultMaxPixels); err != nil {
		return nil, err
	}
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	lb := newLetterbox(bounds.Dx(), bounds.Dy(), d.width, d.height)
	canvas := d.preprocess(img, lb)

	conf, iouThreshold := thresholds(ctx, d.conf, d.iou)

	d.mu.Lock()
	if d.session == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("detector closed")
	}
	fillCHW(d.input.GetData(), canvas)
	if err := d.session.Run(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	data := make([]float32, len(d.output.GetData()))
	copy(data, d.output.GetData())
	d.mu.Unlock()

	kept := nms(decodeYOLO(data, d.channels, d.anchors, d.channelsFirst, conf), iouThreshold)
	raw := &detection.RawOutput{
		Boxes:   make([][]float64, 0, len(kept)),
		Scores:  make([]float64, 0, len(kept)),
		Classes: make([]int, 0, len(kept)),
		Width:   detection.IntPtr(bounds.Dx()),
		Height:  detection.IntPtr(bounds.Dy()),
	}
	for _, c := range kept {
		box := lb.toSource(c.box)
		raw.Boxes = append(raw.Boxes, box[:])
		raw.Scores = append(raw.Scores, c.score)
		raw.Classes = append(raw.Classes, c.class)
	}
	return raw, nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return nil
}

func (d *Detector) preprocess(img image.Image, lb letterbox) *image.NRGBA {
	resized := imaging.Resize(img, lb.newW, lb.newH, imaging.Linear)
	canvas := imaging.New(d.width, d.height, color.NRGBA{R: 114, G: 114, B: 114, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY))
}

// fillCHW writes RGB planes scaled to [0,1].
func fillCHW(dst []float32, img *image.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := y*w + x
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
}

func fixedInputShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	copy(shape, dims)
	for i, d := range shape {
		if d > 0 {
			continue
		}
		switch i {
		case 0:
			shape[i] = 1
		case 1:
			shape[i] = 3
		default:
			shape[i] = defaultInputSize
		}
	}
	return shape
}

func thresholds(ctx context.Context, conf, iou float64) (float64, float64) {
	params := detection.ParamsFromContext(ctx)
	if v, err := strconv.ParseFloat(params.Get("conf"), 64); err == nil && v > 0 && v <= 1 {
		conf = v
	}
	if v, err := strconv.ParseFloat(params.Get("iou"), 64); err == nil && v > 0 && v <= 1 {
		iou = v
	}
	return conf, iou
}

// loadLabels accepts either a JSON array of class names or an object keyed
// by class index.
func loadLabels(path string) (map[int]string, error) {
	if path == "" {
		return map[int]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		names := make(map[int]string, len(list))
		for i, n := range list {
			names[i] = n
		}
		return names, nil
	}

	var keyed map[string]string
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	names := make(map[int]string, len(keyed))
	for k, v := range keyed {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label key %q is not a class index", k)
		}
		names[idx] = v
	}
	return names, nil
}
