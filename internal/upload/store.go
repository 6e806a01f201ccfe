package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/imageprocessor"
)

const (
	// DefaultMaxSize is the default upload ceiling.
	DefaultMaxSize int64 = 5 * 1024 * 1024
	// ChunkSize is the unit in which uploads are read and written.
	ChunkSize = 1024 * 1024
)

// DefaultAllowedTypes are the media types accepted for upload.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/webp"}

// ValidationError is a user-fixable rejection (bad type, corrupt image).
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SizeLimitError reports an upload that exceeded the ceiling.
type SizeLimitError struct {
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("file too large (limit %d bytes)", e.Limit)
}

// File is an upload that has been fully written and validated.
type File struct {
	Path  string
	Name  string
	Size  int64
	SHA1  string
	Image *imageprocessor.Info
}

// Options configures a Store.
type Options struct {
	Dir          string
	MaxSize      int64
	AllowedTypes []string
	// Validator is optional; nil trusts every stored file.
	Validator imageprocessor.Validator
}

// Store writes uploads under a directory with bounded memory.
type Store struct {
	dir       string
	maxSize   int64
	allowed   map[string]struct{}
	validator imageprocessor.Validator
	logger    *zap.Logger
}

// NewStore creates the upload directory if needed.
func NewStore(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload dir is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = DefaultAllowedTypes
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	allowed := make(map[string]struct{}, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	return &Store{
		dir:       opts.Dir,
		maxSize:   opts.MaxSize,
		allowed:   allowed,
		validator: opts.Validator,
		logger:    logger.Named("upload_store"),
	}, nil
}

// Dir returns the directory uploads are written to.
func (s *Store) Dir() string { return s.dir }

// MaxSize returns the configured ceiling in bytes.
func (s *Store) MaxSize() int64 { return s.maxSize }

// Save streams body to a uniquely named file. body is closed on every
// return path. Partial files are removed before an error is returned.
func (s *Store) Save(ctx context.Context, contentType, filename string, body io.ReadCloser) (*File, error) {
	defer body.Close()

	if !s.Allowed(contentType) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported content type: %s", normalizeType(contentType))}
	}

	name := uuid.New().String()
	name = strings.ReplaceAll(name, "-", "") + "_" + SafeName(filename)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	hash := sha1.New()
	w := io.MultiWriter(f, hash)
	buf := make([]byte, ChunkSize)
	var written int64

	fail := func(err error) (*File, error) {
		f.Close()
		s.remove(path)
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			written += int64(n)
			if written > s.maxSize {
				s.logger.Info("upload exceeded size limit", zap.String("file", name), zap.Int64("limit", s.maxSize))
				return fail(&SizeLimitError{Limit: s.maxSize})
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write upload: %w", err))
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fail(&ValidationError{Reason: "failed to read upload", Err: readErr})
		}
	}

	if err := f.Close(); err != nil {
		s.remove(path)
		return nil, fmt.Errorf("close upload file: %w", err)
	}

	out := &File{
		Path: path,
		Name: name,
		Size: written,
		SHA1: hex.EncodeToString(hash.Sum(nil)),
	}

	if s.validator != nil {
		info, err := s.validator.Validate(path)
		if err != nil {
			s.remove(path)
			return nil, &ValidationError{Reason: "invalid image file", Err: err}
		}
		out.Image = info
	}
	return out, nil
}

// Allowed reports whether contentType may be uploaded.
func (s *Store) Allowed(contentType string) bool {
	_, ok := s.allowed[normalizeType(contentType)]
	return ok
}

// SafeName strips every directory component, for both separator styles,
// from a client supplied filename.
func SafeName(filename string) string {
	name := filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	return name
}

func normalizeType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}

// remove deletes a partial or rejected upload; a file that is already gone
// is not an error.
func (s *Store) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove rejected upload", zap.String("path", path), zap.Error(err))
	}
}
