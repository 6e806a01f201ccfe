package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/auth"
	"github.com/example/yolo-serve/internal/metrics"
	"github.com/example/yolo-serve/internal/upload"
	"github.com/example/yolo-serve/internal/usecase"
)

// FileField is the multipart field carrying the image.
const FileField = "file"

// multipartOverhead bounds the non-file bytes a /predict body may carry.
const multipartOverhead = 1 << 20

// Dependencies are the collaborators the routes need. Metrics may be nil.
type Dependencies struct {
	UseCase *usecase.PredictionUseCase
	Store   *upload.Store
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. middleware, if
// any, guards the routes that accept or reveal uploads.
func RegisterRoutes(router *gin.Engine, deps Dependencies, middleware ...gin.HandlerFunc) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{deps: deps, logger: logger.Named("http")}

	router.GET("/health", h.health)
	router.GET("/stats", h.stats)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	guarded := router.Group("/", middleware...)
	guarded.POST("/predict", h.predict)
	guarded.GET("/result/:id", h.result)
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "model": h.deps.UseCase.ModelMeta()})
}

func (h *handler) predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.Store.MaxSize()+multipartOverhead)

	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart/form-data body required"})
		return
	}

	var file *upload.File
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
			return
		}
		if err != nil {
			h.rejectUpload(c, err)
			return
		}
		if part.FormName() != FileField {
			part.Close()
			continue
		}

		file, err = h.deps.Store.Save(c.Request.Context(), part.Header.Get("Content-Type"), part.FileName(), part)
		if err != nil {
			h.rejectUpload(c, err)
			return
		}
		break
	}
	h.deps.Metrics.ObserveUpload(metrics.OutcomeAccepted, file.Size)

	if !h.deps.UseCase.HasModel() {
		c.JSON(http.StatusOK, gin.H{"message": "model not loaded (dry-run)", "path": file.Path})
		return
	}

	subject, _ := auth.Subject(c.Request.Context())
	requestID, result, err := h.deps.UseCase.Predict(c.Request.Context(), file, subject, c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":     result,
		"path":       file.Path,
		"request_id": requestID,
	})
}

func (h *handler) rejectUpload(c *gin.Context, err error) {
	var (
		sizeErr  *upload.SizeLimitError
		maxErr   *http.MaxBytesError
		validErr *upload.ValidationError
	)
	switch {
	case errors.As(err, &sizeErr):
		h.deps.Metrics.ObserveUpload(metrics.OutcomeTooLarge, 0)
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": sizeErr.Error()})
	case errors.As(err, &maxErr):
		h.deps.Metrics.ObserveUpload(metrics.OutcomeTooLarge, 0)
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
	case errors.As(err, &validErr):
		h.deps.Metrics.ObserveUpload(metrics.OutcomeRejected, 0)
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	default:
		h.deps.Metrics.ObserveUpload(metrics.OutcomeError, 0)
		h.logger.Warn("upload failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed upload"})
	}
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	subject, _ := auth.Subject(c.Request.Context())
	stored, err := h.deps.UseCase.GetResult(c.Request.Context(), subject, requestID)
	switch {
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	case err != nil:
		h.logger.Error("result lookup failed", zap.String("request_id", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
		return
	}

	c.JSON(http.StatusOK, stored)
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.deps.UseCase.GetStatsSummary(c.Request.Context())
	switch {
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("stats aggregation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
