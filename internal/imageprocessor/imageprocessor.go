package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels matches the decompression-bomb ceiling used by Pillow.
const DefaultMaxPixels int64 = 89_478_485

// ErrTooManyPixels is returned when declared dimensions exceed the pixel cap.
var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// Info describes a successfully decoded image.
type Info struct {
	Format string
	Width  int
	Height int
}

// Validator checks that a stored upload is a decodable image.
type Validator interface {
	Validate(path string) (*Info, error)
}

// DecodeValidator fully decodes the file, so truncated or corrupt payloads
// are rejected even when their header is intact. Dimensions are checked
// against MaxPixels from the header before any pixel is decoded.
type DecodeValidator struct {
	MaxPixels int64
}

// NewDecodeValidator returns a validator backed by the registered jpeg, png
// and webp decoders, capped at DefaultMaxPixels.
func NewDecodeValidator() *DecodeValidator {
	return &DecodeValidator{MaxPixels: DefaultMaxPixels}
}

func (v DecodeValidator) Validate(path string) (*Info, error) {
	info, err := Inspect(path, v.MaxPixels)
	if err != nil {
		return nil, err
	}
	if _, err := imaging.Open(path); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return info, nil
}

// Inspect reads only the image header and rejects empty dimensions or more
// than maxPixels pixels. A non-positive maxPixels means DefaultMaxPixels.
func Inspect(path string, maxPixels int64) (*Info, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, format, err := decodeConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image has empty dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrTooManyPixels, cfg.Width, cfg.Height, pixels, maxPixels)
	}
	return &Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

func decodeConfig(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, "", fmt.Errorf("read image header: %w", err)
	}
	return cfg, format, nil
}
