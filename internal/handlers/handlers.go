package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-restore/internal/engine"
	"github.com/example/face-restore/internal/repository"
	"github.com/example/face-restore/internal/usecase"
)

// MaxUploadSize bounds the accepted multipart payload.
const MaxUploadSize = 10 << 20

// Reconstructor defines the orchestration operations the HTTP layer needs.
type Reconstructor interface {
	Reconstruct(ctx context.Context, upload usecase.Upload) (string, *engine.Result, error)
	GetJob(ctx context.Context, requestID string) (*repository.AnalysisRecord, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Reconstructor) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/reconstruct", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
			return
		}

		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
			return
		}

		requestID, result, err := uc.Reconstruct(c.Request.Context(), usecase.Upload{Data: data, Filename: file.Filename})
		if requestID != "" {
			c.Header("X-Request-Id", requestID)
		}
		if err != nil {
			respondReconstructError(c, err)
			return
		}

		// The engine's JSON is forwarded verbatim; its shape is the engine's
		// contract with the client, not ours.
		c.Data(http.StatusOK, "application/json", result.Raw)
	})

	router.GET("/api/jobs/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		record, err := uc.GetJob(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":  record.RequestID,
			"source_name": record.SourceName,
			"status":      record.Status,
			"exit_code":   record.ExitCode,
			"duration_ms": record.DurationMS,
			"detail":      record.Detail,
			"sha1_hash":   record.SHA1Hash,
			"created_at":  record.CreatedAt,
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func respondReconstructError(c *gin.Context, err error) {
	if errors.Is(err, usecase.ErrSaveUpload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to save uploaded image"})
		return
	}

	var timeoutErr *engine.TimeoutError
	if errors.As(err, &timeoutErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Analysis engine timed out", "details": timeoutErr.Error()})
		return
	}

	var exitErr *engine.ExitError
	if errors.As(err, &exitErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Python failed", "details": exitErr.Stderr})
		return
	}

	var outErr *engine.OutputError
	if errors.As(err, &outErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid engine output", "details": outErr.Stdout})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "Python failed", "details": err.Error()})
}
