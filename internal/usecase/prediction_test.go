package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/metrics"
	"github.com/example/yolo-serve/internal/repository"
	"github.com/example/yolo-serve/internal/retry"
	"github.com/example/yolo-serve/internal/upload"
)

type stubRepository struct {
	savedLogs []*repository.PredictionLog
	saveErr   error
	findLog   *repository.PredictionLog
	findErr   error
	findCalls int
	agg       *repository.Aggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateStats(ctx context.Context) (*repository.Aggregation, error) {
	if s.agg == nil {
		return &repository.Aggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues [][]byte
	getKeys   []string
}

func (s *stubCache) Put(ctx context.Context, requestID string, payload []byte) error {
	s.setKeys = append(s.setKeys, requestID)
	s.setValues = append(s.setValues, payload)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Fetch(ctx context.Context, requestID string) ([]byte, error) {
	s.getKeys = append(s.getKeys, requestID)
	var value []byte
	if len(s.getValues) > 0 {
		value = []byte(s.getValues[0])
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubModel struct {
	infer      func(ctx context.Context, path string) (*detection.Result, error)
	gotParams  url.Values
	inferCalls int
}

func (m *stubModel) Load(string) error { return nil }

func (m *stubModel) Infer(ctx context.Context, path string) (*detection.Result, error) {
	m.inferCalls++
	m.gotParams = detection.ParamsFromContext(ctx)
	if m.infer != nil {
		return m.infer(ctx, path)
	}
	res := detection.NewResult(path, m.Meta())
	res.Detections = append(res.Detections, detection.Detection{Box: [4]float64{1, 2, 3, 4}, Score: 0.9, ClassID: 0, Label: "person"})
	return res, nil
}

func (m *stubModel) InferBytes(ctx context.Context, data []byte) (*detection.Result, error) {
	return m.Infer(ctx, "bytes")
}

func (m *stubModel) Meta() detection.ModelMeta {
	return detection.ModelMeta{Adapter: "yolovx", Mode: detection.ModeInference}
}

func (m *stubModel) Close() error { return nil }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(model detection.Model, repo PredictionRepository, cache Cache) *PredictionUseCase {
	uc := NewPredictionUseCase(model, repo, cache, metrics.New(), zap.NewNop())
	uc.policy = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return uc
}

var testFile = &upload.File{Path: "/tmp/uploads/abc_cat.jpg", Name: "abc_cat.jpg", Size: 10, SHA1: "deadbeef"}

func TestPredictRecordsHistoryAndCache(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	model := &stubModel{}
	uc := newTestUseCase(model, repo, cache)

	params := url.Values{"conf": {"0.5"}}
	requestID, result, err := uc.Predict(context.Background(), testFile, "user-1", params)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if requestID == "" || result == nil || len(result.Detections) != 1 {
		t.Fatalf("unexpected prediction %q %+v", requestID, result)
	}
	if model.gotParams.Get("conf") != "0.5" {
		t.Fatalf("params did not reach the model: %v", model.gotParams)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != requestID || saved.Subject != "user-1" || saved.SHA1Hash != "deadbeef" || saved.DetectionCount != 1 || saved.Mode != detection.ModeInference {
		t.Fatalf("unexpected log %+v", saved)
	}

	if len(cache.setKeys) != 2 {
		t.Fatalf("expected retry after transient cache error, got %d set calls", len(cache.setKeys))
	}
	if cache.setKeys[0] != requestID || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("unexpected cache keys %v", cache.setKeys)
	}
}

func TestPredictSurvivesHistoryFailures(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := newTestUseCase(&stubModel{}, repo, cache)

	if _, _, err := uc.Predict(context.Background(), testFile, "", nil); err != nil {
		t.Fatalf("history failures must not fail the prediction: %v", err)
	}
}

func TestPredictWrapsModelError(t *testing.T) {
	boom := errors.New("cuda exploded")
	model := &stubModel{infer: func(context.Context, string) (*detection.Result, error) { return nil, boom }}
	repo := &stubRepository{}
	uc := newTestUseCase(model, repo, nil)

	_, _, err := uc.Predict(context.Background(), testFile, "", nil)
	var infErr *InferenceError
	if !errors.As(err, &infErr) || !errors.Is(err, boom) {
		t.Fatalf("expected InferenceError wrapping model error, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("failed predictions must not be recorded")
	}
}

func TestPredictRecoversModelPanic(t *testing.T) {
	model := &stubModel{infer: func(context.Context, string) (*detection.Result, error) { panic("index out of range") }}
	uc := newTestUseCase(model, nil, nil)

	_, _, err := uc.Predict(context.Background(), testFile, "", nil)
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestPredictWithoutModel(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	if uc.HasModel() || uc.ModelMeta() != nil {
		t.Fatal("use case without model must say so")
	}
	if _, _, err := uc.Predict(context.Background(), testFile, "", nil); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestGetResultFromCache(t *testing.T) {
	res := detection.NewResult("a.jpg", detection.ModelMeta{Adapter: "stub", Mode: detection.ModeDryRun})
	payload, err := json.Marshal(StoredPrediction{RequestID: "req", Subject: "user", Path: "a.jpg", Result: res})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(nil, repo, cache)

	stored, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stored.RequestID != "req" || stored.Result == nil || stored.Result.Detections == nil {
		t.Fatalf("unexpected stored prediction %+v", stored)
	}
	if repo.findCalls != 0 {
		t.Fatal("cache hit must not query the repository")
	}
	if cache.getKeys[0] != "req" {
		t.Fatalf("unexpected cache key %q", cache.getKeys[0])
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{findLog: &repository.PredictionLog{
		RequestID: "req",
		Subject:   "user",
		ImagePath: "a.jpg",
		Result:    `{"image":"a.jpg","width":null,"height":null,"detections":[],"model":{"adapter":"stub","mode":"dry-run","version":null}}`,
	}}
	uc := newTestUseCase(nil, repo, cache)

	stored, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if stored.Path != "a.jpg" || stored.Result == nil || stored.Result.Model.Mode != detection.ModeDryRun {
		t.Fatalf("unexpected stored prediction %+v", stored)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultHidesOtherSubjects(t *testing.T) {
	repo := &stubRepository{findLog: &repository.PredictionLog{RequestID: "req", Subject: "owner"}}
	uc := newTestUseCase(nil, repo, nil)

	if _, err := uc.GetResult(context.Background(), "intruder", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetResultErrors(t *testing.T) {
	if _, err := newTestUseCase(nil, nil, nil).GetResult(context.Background(), "", "req"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
	if _, err := newTestUseCase(nil, &stubRepository{}, nil).GetResult(context.Background(), "", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	cacheOnly := newTestUseCase(nil, nil, &stubCache{getErrs: []error{redis.Nil}})
	if _, err := cacheOnly.GetResult(context.Background(), "", "req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on cache miss, got %v", err)
	}
}

func TestGetStatsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.Aggregation{TotalCount: 4, InferenceCount: 3, AverageDetections: 2.5, AverageLatencyMs: 12}}
	uc := newTestUseCase(nil, repo, nil)

	summary, err := uc.GetStatsSummary(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if summary.TotalPredictions != 4 || summary.InferenceRate != 0.75 || summary.AverageDetections != 2.5 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := newTestUseCase(nil, nil, nil).GetStatsSummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}
