package onnx

import (
	"math"
	"sort"
)

type candidate struct {
	box   [4]float64 // x1, y1, x2, y2 in network input pixels
	score float64
	class int
}

// letterbox describes how an image of size w×h was fitted into the network
// input: uniform scale then centered padding.
type letterbox struct {
	scale      float64
	padX, padY int
	srcW, srcH int
	newW, newH int
}

func newLetterbox(srcW, srcH, dstW, dstH int) letterbox {
	scale := math.Min(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	return letterbox{
		scale: scale,
		padX:  (dstW - newW) / 2,
		padY:  (dstH - newH) / 2,
		srcW:  srcW,
		srcH:  srcH,
		newW:  newW,
		newH:  newH,
	}
}

// toSource maps a box from input space back to original image pixels.
func (l letterbox) toSource(b [4]float64) [4]float64 {
	x1 := clamp((b[0]-float64(l.padX))/l.scale, 0, float64(l.srcW))
	y1 := clamp((b[1]-float64(l.padY))/l.scale, 0, float64(l.srcH))
	x2 := clamp((b[2]-float64(l.padX))/l.scale, 0, float64(l.srcW))
	y2 := clamp((b[3]-float64(l.padY))/l.scale, 0, float64(l.srcH))
	return [4]float64{x1, y1, x2, y2}
}

// decodeYOLO reads a YOLOv8 style head: per anchor cx, cy, w, h followed by
// one score per class. channelsFirst selects the [C, N] layout over [N, C].
func decodeYOLO(data []float32, channels, anchors int, channelsFirst bool, conf float64) []candidate {
	if channels <= 4 || len(data) < channels*anchors {
		return nil
	}
	at := func(c, i int) float64 {
		if channelsFirst {
			return float64(data[c*anchors+i])
		}
		return float64(data[i*channels+c])
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, 0.0
		for c := 4; c < channels; c++ {
			if s := at(c, i); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		out = append(out, candidate{
			box:   [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			score: bestScore,
			class: best,
		})
	}
	return out
}

// nms keeps the highest scoring boxes per class, dropping any box whose IoU
// with an already kept box of the same class exceeds threshold.
func nms(cands []candidate, threshold float64) []candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	kept := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && iou(k.box, c.box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b [4]float64) float64 {
	ix1, iy1 := math.Max(a[0], b[0]), math.Max(a[1], b[1])
	ix2, iy2 := math.Min(a[2], b[2]), math.Min(a[3], b[3])
	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(b [4]float64) float64 {
	return math.Max(0, b[2]-b[0]) * math.Max(0, b[3]-b[1])
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
