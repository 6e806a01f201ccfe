package detection

import (
	"fmt"
	"strconv"
)

// Model readiness modes reported in ModelMeta.
const (
	ModeDryRun    = "dry-run"
	ModeNoWeights = "no-weights"
	ModeInference = "inference"
)

// Result is the normalized detection schema shared by every adapter and by
// the HTTP and in-process paths. Detections is never nil once built through
// NewResult.
type Result struct {
	Image      string      `json:"image"`
	Width      *int        `json:"width"`
	Height     *int        `json:"height"`
	Detections []Detection `json:"detections"`
	Model      ModelMeta   `json:"model"`
}

// Detection is one bounding box in pixel coordinates.
type Detection struct {
	Box     [4]float64 `json:"box"`
	Score   float64    `json:"score"`
	ClassID int        `json:"class_id"`
	Label   string     `json:"label"`
}

// ModelMeta describes adapter readiness, not request state.
type ModelMeta struct {
	Adapter string  `json:"adapter"`
	Mode    string  `json:"mode"`
	Version *string `json:"version"`
}

// NewResult returns an empty-detections result for image.
func NewResult(image string, meta ModelMeta) *Result {
	return &Result{
		Image:      image,
		Detections: []Detection{},
		Model:      meta,
	}
}

// FormatDetections zips raw detector arrays into Detections. The three
// slices are truncated to their shared minimum length; labels come from
// names and fall back to the decimal class index.
func FormatDetections(boxes [][]float64, scores []float64, classes []int, names map[int]string) ([]Detection, error) {
	n := min(len(boxes), len(scores), len(classes))
	out := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		b := boxes[i]
		if len(b) < 4 {
			return nil, fmt.Errorf("box %d has %d coordinates, want 4", i, len(b))
		}
		label, ok := names[classes[i]]
		if !ok {
			label = strconv.Itoa(classes[i])
		}
		out = append(out, Detection{
			Box:     [4]float64{b[0], b[1], b[2], b[3]},
			Score:   scores[i],
			ClassID: classes[i],
			Label:   label,
		})
	}
	return out, nil
}

// StringPtr is a helper for optional version fields.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr is a helper for optional dimension fields.
func IntPtr(v int) *int {
	return &v
}
