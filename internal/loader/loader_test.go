package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/detection"
)

func TestNormalizeAdapter(t *testing.T) {
	cases := map[string]string{
		"":           AdapterStub,
		"stub":       AdapterStub,
		"STUB":       AdapterStub,
		"yolovx":     AdapterYOLO,
		"YOLOv8":     AdapterYOLO,
		"yolox":      AdapterYOLO,
		"my-yolov5":  AdapterYOLO,
		"remote":     AdapterRemote,
		" grpc ":     AdapterRemote,
		"detectron2": AdapterStub,
	}
	for in, want := range cases {
		if got := NormalizeAdapter(in); got != want {
			t.Errorf("NormalizeAdapter(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKnownAdapter(t *testing.T) {
	for _, name := range []string{"stub", "Stub", "yolov8", "yolox", "remote", "grpc"} {
		if !KnownAdapter(name) {
			t.Errorf("%q should be known", name)
		}
	}
	for _, name := range []string{"", "detectron2", "resnet"} {
		if KnownAdapter(name) {
			t.Errorf("%q should be unknown", name)
		}
	}
}

func TestResolveWeights(t *testing.T) {
	root := t.TempDir()

	if got := ResolveWeights("", root); got != "" {
		t.Fatalf("empty weights should stay empty, got %q", got)
	}
	if got := ResolveWeights("models/best.onnx", root); got != filepath.Join(root, "models", "best.onnx") {
		t.Fatalf("relative weights not anchored at root: %q", got)
	}
	abs := filepath.Join(root, "abs.onnx")
	if got := ResolveWeights(abs, "/elsewhere"); got != abs {
		t.Fatalf("absolute weights changed: %q", got)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		if got := ResolveWeights("~/w.onnx", root); got != filepath.Join(home, "w.onnx") {
			t.Fatalf("home not expanded: %q", got)
		}
	}
}

func TestGetModelStub(t *testing.T) {
	m := GetModel("stub", "", Options{}, zap.NewNop())
	defer m.Close()

	res, err := m.Infer(context.Background(), "img.jpg")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if res.Model.Mode != detection.ModeDryRun || len(res.Detections) != 0 {
		t.Fatalf("unexpected stub result %+v", res)
	}
}

func TestGetModelUnknownFallsBackToStub(t *testing.T) {
	m := GetModel("something-else", "", Options{}, zap.NewNop())
	defer m.Close()
	if _, ok := m.(*detection.Stub); !ok {
		t.Fatalf("expected stub, got %T", m)
	}
}

func TestGetModelYOLOWithoutRuntimeDegrades(t *testing.T) {
	m := GetModel("yolov8", "", Options{OnnxLibPath: filepath.Join(t.TempDir(), "missing.so")}, zap.NewNop())
	defer m.Close()

	meta := m.Meta()
	if meta.Adapter != AdapterYOLO {
		t.Fatalf("unexpected adapter %q", meta.Adapter)
	}
	if meta.Mode == detection.ModeInference {
		t.Fatalf("adapter without weights must not report inference")
	}
	res, err := m.Infer(context.Background(), "img.jpg")
	if err != nil {
		t.Fatalf("degraded adapter must still answer: %v", err)
	}
	if res.Detections == nil || len(res.Detections) != 0 {
		t.Fatalf("expected empty detections, got %+v", res.Detections)
	}
}
