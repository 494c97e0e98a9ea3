// Package middleware provides HTTP middleware for the lock service.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/logging"
)

// DefaultMaxBytes bounds lock request bodies, which carry only an instance id
// and a lease duration.
const DefaultMaxBytes int64 = 16 * 1024

// Rejector writes the 413 response for a request whose body exceeds maxBytes.
// It must abort the context.
type Rejector func(c *gin.Context, maxBytes int64)

// PayloadLimit bounds request bodies to maxBytes. A declared Content-Length
// over the limit is rejected before the handler runs. Bodies of unknown size
// are wrapped in http.MaxBytesReader; a handler whose read fails records the
// *http.MaxBytesError with c.Error and aborts, and the rejection is written
// once the chain returns.
func PayloadLimit(maxBytes int64, reject Rejector, logger zerolog.Logger) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if reject == nil {
		reject = defaultReject
	}
	logger = logger.With().Str("component", "payload_limit").Logger()

	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			rejected(c, logger, c.Request.ContentLength, maxBytes)
			reject(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()

		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if errors.As(ginErr.Err, &maxBytesErr) {
				c.Errors = c.Errors[:0]
				rejected(c, logger, c.Request.ContentLength, maxBytes)
				reject(c, maxBytes)
				return
			}
		}
	}
}

// rejected records the rejection on the canonical log line. size is -1 when
// the client did not declare it.
func rejected(c *gin.Context, logger zerolog.Logger, size, maxBytes int64) {
	ctx := c.Request.Context()
	logging.AddField(ctx, logging.FieldPayloadLimitBytes, maxBytes)
	if size > 0 {
		logging.AddField(ctx, logging.FieldPayloadSizeBytes, size)
	}

	logger.Debug().
		Str("path", c.Request.URL.Path).
		Int64("declaredSize", size).
		Int64("maxBytes", maxBytes).
		Msg("oversized request rejected")
}

func defaultReject(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"message": "Payload too large"})
}
