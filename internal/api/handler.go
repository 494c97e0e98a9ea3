// Package api provides the HTTP handlers for the lock endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/logging"
	"github.com/kneutral-org/lock-service/internal/manager"
)

// AnonymousOwner is the owner of requests without an authenticated subject.
const AnonymousOwner = "anonymous"

// RetryAfterSeconds is sent with 503 responses when a compare-and-swap
// backend ran out of retries.
const RetryAfterSeconds = 2

// LockManager is the orchestration the handlers delegate to.
type LockManager interface {
	Get(ctx context.Context, namespace, lockName string) (*lock.Result, error)
	Acquire(ctx context.Context, req manager.Request) (*lock.Result, error)
	Renew(ctx context.Context, req manager.Request) (*lock.Result, error)
	Release(ctx context.Context, req manager.Request) (*lock.Result, error)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Message string             `json:"message"`
	Details []ValidationDetail `json:"details,omitempty"`
	ErrorID string             `json:"errorId,omitempty"`
}

// Handler serves the lock routes.
type Handler struct {
	manager     LockManager
	ownerHeader string
	logger      zerolog.Logger
}

// NewHandler creates a lock handler. ownerHeader names the header an
// upstream authenticating proxy sets to the caller's subject.
func NewHandler(m LockManager, ownerHeader string, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:     m,
		ownerHeader: ownerHeader,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers the lock routes on the provided router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	locks := router.Group("/lock/:namespace/:name")
	locks.GET("", h.GetLock)
	locks.POST("/acquire", h.AcquireLock)
	locks.POST("/renew", h.RenewLock)
	locks.POST("/release", h.ReleaseLock)
}

// GetLock handles GET /lock/:namespace/:name
func (h *Handler) GetLock(c *gin.Context) {
	uri, ok := h.bindURI(c)
	if !ok {
		return
	}

	res, err := h.manager.Get(c.Request.Context(), uri.Namespace, uri.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AcquireLock handles POST /lock/:namespace/:name/acquire
func (h *Handler) AcquireLock(c *gin.Context) {
	h.mutateWithLease(c, h.manager.Acquire)
}

// RenewLock handles POST /lock/:namespace/:name/renew
func (h *Handler) RenewLock(c *gin.Context) {
	h.mutateWithLease(c, h.manager.Renew)
}

// ReleaseLock handles POST /lock/:namespace/:name/release
func (h *Handler) ReleaseLock(c *gin.Context) {
	uri, ok := h.bindURI(c)
	if !ok {
		return
	}

	var body releaseBody
	if !h.bindBody(c, &body) {
		return
	}
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	res, err := h.manager.Release(c.Request.Context(), manager.Request{
		Namespace:  uri.Namespace,
		LockName:   uri.Name,
		Owner:      owner,
		InstanceID: body.InstanceID,
	})
	h.respond(c, res, err)
}

func (h *Handler) mutateWithLease(c *gin.Context, op func(context.Context, manager.Request) (*lock.Result, error)) {
	uri, ok := h.bindURI(c)
	if !ok {
		return
	}

	var body leaseBody
	if !h.bindBody(c, &body) {
		return
	}
	owner, ok := h.owner(c)
	if !ok {
		return
	}

	res, err := op(c.Request.Context(), manager.Request{
		Namespace:     uri.Namespace,
		LockName:      uri.Name,
		Owner:         owner,
		InstanceID:    body.InstanceID,
		LeaseDuration: body.LeaseDuration,
	})
	h.respond(c, res, err)
}

// owner returns the authenticated subject, or AnonymousOwner. An oversized
// subject is answered with 400.
func (h *Handler) owner(c *gin.Context) (string, bool) {
	if h.ownerHeader == "" {
		return AnonymousOwner, true
	}
	subject := strings.TrimSpace(c.GetHeader(h.ownerHeader))
	if subject == "" {
		return AnonymousOwner, true
	}
	if utf8.RuneCountInString(subject) > MaxOwnerLength {
		h.rejectFields(c, []ValidationDetail{{
			Field:   "owner",
			Message: "must be at most " + strconv.Itoa(MaxOwnerLength),
		}})
		return "", false
	}
	return subject, true
}

func (h *Handler) bindURI(c *gin.Context) (lockURI, bool) {
	var uri lockURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.badRequest(c, err)
		return uri, false
	}
	return uri, true
}

func (h *Handler) bindBody(c *gin.Context, body interface{}) bool {
	err := c.ShouldBindJSON(body)
	if err == nil {
		return true
	}

	// Oversized bodies are answered by the payload limit middleware.
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		_ = c.Error(err)
		c.Abort()
		return false
	}

	h.badRequest(c, err)
	return false
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.rejectFields(c, validationDetails(err))
}

func (h *Handler) rejectFields(c *gin.Context, details []ValidationDetail) {
	fields := make([]string, 0, len(details))
	for _, d := range details {
		fields = append(fields, d.Field)
	}
	logging.AddField(c.Request.Context(), logging.FieldValidationFailures, strings.Join(fields, ","))

	c.JSON(http.StatusBadRequest, ErrorResponse{
		Message: "Validation failed",
		Details: details,
	})
}

// respond maps a lock result onto an HTTP status.
func (h *Handler) respond(c *gin.Context, res *lock.Result, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}

	switch {
	case res.IsSuccess():
		c.JSON(http.StatusOK, res)
	case res.Outcome.RetriesExhausted():
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, res)
	default:
		c.JSON(http.StatusLocked, res)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, lock.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	internalError(c, h.logger, err)
}

// internalError logs err under a fresh error id and returns that id to the caller.
func internalError(c *gin.Context, logger zerolog.Logger, err error) {
	errorID := uuid.New().String()
	logging.AddField(c.Request.Context(), logging.FieldErrorID, errorID)
	logger.Error().Err(err).Str("errorId", errorID).Str("path", c.Request.URL.Path).Msg("internal error")

	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Message: "Internal server error",
		ErrorID: errorID,
	})
}
