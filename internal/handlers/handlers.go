package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/auth"
	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/facerecognition"
	"github.com/example/biowallet/internal/identity"
	"github.com/example/biowallet/internal/repository"
	"github.com/example/biowallet/internal/usecase"
	"github.com/example/biowallet/internal/verification"
)

// MaxUploadSize caps image uploads.
const MaxUploadSize = 10 << 20

// multipartOverhead allows for form fields and part headers beyond the image.
const multipartOverhead = 1 << 20

// StatusClientClosedRequest is reported when the caller abandons a verification.
const StatusClientClosedRequest = 499

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

// Service is the verification API consumed by the handlers.
type Service interface {
	Verify(ctx context.Context, identityKey string, fresh embedding.Embedding) (*verification.Outcome, error)
	VerifyImage(ctx context.Context, identityKey string, image []byte) (*verification.Outcome, error)
	GetResult(ctx context.Context, requestID string) (*repository.VerificationRecord, error)
	History(ctx context.Context, identityKey string, limit int) ([]*repository.VerificationRecord, error)
	LookupIdentity(ctx context.Context, identityKey string) (*identity.StoredIdentity, error)
	ResolveIdentity(identityKey string) (string, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type verifyRequest struct {
	Identity  string    `json:"identity" binding:"required,max=255"`
	Embedding []float64 `json:"embedding" binding:"required,embedding"`
}

var registerOnce sync.Once

// registerValidators adds the embedding tag to gin's validator engine.
func registerValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("embedding", func(fl validator.FieldLevel) bool {
				values, ok := fl.Field().Interface().([]float64)
				if !ok {
					return false
				}
				return embedding.Embedding(values).Validate() == nil
			})
		}
	})
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything except
// /health sits behind authMiddleware.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	registerValidators()
	h := &handler{svc: svc, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)
	api.POST("/verifications", h.verify)
	api.POST("/verifications/image", h.verifyImage)
	api.GET("/verifications/:id", h.getResult)
	api.GET("/identities/:key/embedding", h.identityEmbedding)
	api.GET("/identities/:key/verifications", h.history)
	api.GET("/metrics/summary", h.metricsSummary)
}

type handler struct {
	svc    Service
	logger *zap.Logger
}

func (h *handler) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}
	if !h.authorize(c, req.Identity) {
		return
	}

	outcome, err := h.svc.Verify(c.Request.Context(), req.Identity, embedding.Embedding(req.Embedding))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) verifyImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	if err := c.Request.ParseMultipartForm(MaxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}

	identityKey := c.PostForm("identity")
	if identityKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}
	if !h.authorize(c, identityKey) {
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	if _, ok := allowedImageTypes[file.Header.Get("Content-Type")]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be jpeg or png"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	outcome, err := h.svc.VerifyImage(c.Request.Context(), identityKey, data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) getResult(c *gin.Context) {
	requestID := c.Param("id")
	record, err := h.svc.GetResult(c.Request.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrNoRecordStore):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, usecase.ErrResultNotFound):
			h.logger.Debug("result not found", zap.String("request_id", requestID))
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		default:
			h.writeError(c, err)
		}
		return
	}
	// Records are filed under the resolved wallet.
	if !h.authorizeOwner(c, record.Identity) {
		return
	}
	c.JSON(http.StatusOK, recordResponse(record))
}

func (h *handler) identityEmbedding(c *gin.Context) {
	key := c.Param("key")
	if !h.authorize(c, key) {
		return
	}
	stored, err := h.svc.LookupIdentity(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":      stored.Key,
		"address":       stored.Address.Hex(),
		"username":      stored.Username,
		"facial_hash":   stored.FacialHash.Hex(),
		"dimensions":    len(stored.Embedding),
		"registered_at": stored.RegisteredAt,
	})
}

func (h *handler) history(c *gin.Context) {
	key := c.Param("key")
	if !h.authorize(c, key) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}
	records, err := h.svc.History(c.Request.Context(), key, limit)
	if err != nil {
		if errors.Is(err, usecase.ErrNoRecordStore) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, recordResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"identity": key, "verifications": out})
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrNoRecordStore) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// authorize resolves identityKey to its wallet and rejects wallet-bound
// principals acting on another wallet. Unknown keys are reported as such.
func (h *handler) authorize(c *gin.Context, identityKey string) bool {
	if _, ok := auth.GetPrincipal(c.Request.Context()); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return false
	}
	address, err := h.svc.ResolveIdentity(identityKey)
	if err != nil {
		h.writeError(c, err)
		c.Abort()
		return false
	}
	return h.authorizeOwner(c, address)
}

func (h *handler) authorizeOwner(c *gin.Context, address string) bool {
	principal, ok := auth.GetPrincipal(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return false
	}
	if !principal.CanVerify(address) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "identity not permitted for this token"})
		return false
	}
	return true
}

func (h *handler) writeError(c *gin.Context, err error) {
	kind := verification.KindOf(err)
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("kind", kind), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, facerecognition.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, usecase.ErrNoRecognizer):
		return http.StatusServiceUnavailable
	}
	switch verification.KindOf(err) {
	case verification.KindIdentityNotFound:
		return http.StatusNotFound
	case verification.KindEmbeddingMismatch:
		return http.StatusUnprocessableEntity
	case verification.KindSubmission, verification.KindMalformedOracleResponse:
		return http.StatusBadGateway
	case verification.KindConfirmationTimeout, verification.KindTimedOut:
		return http.StatusGatewayTimeout
	case verification.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func recordResponse(r *repository.VerificationRecord) gin.H {
	return gin.H{
		"request_id": r.RequestID,
		"job_id":     r.JobID,
		"identity":   r.Identity,
		"key":        r.Key,
		"status":     r.Status,
		"error_kind": r.ErrorKind,
		"similarity": r.Similarity,
		"is_match":   r.IsMatch,
		"threshold":  r.Threshold,
		"attempts":   r.Attempts,
		"diagnostic": r.Diagnostic,
		"latency_ms": r.LatencyMs,
		"created_at": r.CreatedAt.Format(time.RFC3339),
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "embedding" {
				return "embedding must be a non-empty array of finite numbers"
			}
			return fe.Field() + " failed " + fe.Tag() + " validation"
		}
	}
	return "invalid request body"
}
