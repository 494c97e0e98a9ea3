// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Canonical log field keys.
const (
	FieldNamespace          = "lock_namespace"
	FieldLockName           = "lock_name"
	FieldOperation          = "lock_operation"
	FieldAuthSubject        = "auth_subject"
	FieldInstanceIDHash     = "instance_id_hash"
	FieldRequestedLease     = "requested_lease_duration_sec"
	FieldBackend            = "lock_backend"
	FieldBackendDurationMs  = "backend_duration_ms"
	FieldResult             = "lock_result"
	FieldComputedExpiry     = "computed_expiry_epoch_sec"
	FieldServiceOutcome     = "lock_service_outcome"
	FieldErrorID            = "error_id"
	FieldValidationFailures = "validation_failures"
	FieldPayloadLimitBytes  = "payload_limit_bytes"
	FieldPayloadSizeBytes   = "payload_size_bytes"
)

// NewLogger creates a new zerolog logger configured for the service.
func NewLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(consoleWriter).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Fields collects values for the canonical log line of one request. Handlers,
// the manager and backends add to it; RequestLogger writes it once.
type Fields struct {
	mu     sync.Mutex
	keys   []string
	values map[string]interface{}
}

func newFields() *Fields {
	return &Fields{values: make(map[string]interface{})}
}

// Set records a field, keeping the order in which keys were first seen.
func (f *Fields) Set(key string, value interface{}) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Get returns a recorded field.
func (f *Fields) Get(key string) (interface{}, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *Fields) apply(event *zerolog.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		event.Interface(k, f.values[k])
	}
}

type fieldsKey struct{}

// ContextWithFields attaches a new field collector to ctx.
func ContextWithFields(ctx context.Context) (context.Context, *Fields) {
	f := newFields()
	return context.WithValue(ctx, fieldsKey{}, f), f
}

// FieldsFromContext returns the collector attached to ctx, or nil.
func FieldsFromContext(ctx context.Context) *Fields {
	f, _ := ctx.Value(fieldsKey{}).(*Fields)
	return f
}

// AddField records a canonical log field on the request in ctx. It is a no-op
// outside a request.
func AddField(ctx context.Context, key string, value interface{}) {
	FieldsFromContext(ctx).Set(key, value)
}

// HashInstanceID returns the hex SHA-256 of an instance id. Raw instance ids
// act as bearer secrets and are never logged.
func HashInstanceID(instanceID string) string {
	sum := sha256.Sum256([]byte(instanceID))
	return hex.EncodeToString(sum[:])
}

// RequestLogger returns a Gin middleware writing one canonical log line per
// HTTP request, including every field added through AddField.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader("X-Request-ID")
		reqLogger := logger
		if requestID != "" {
			reqLogger = logger.With().Str("requestId", requestID).Logger()
		}

		ctx, fields := ContextWithFields(c.Request.Context())
		c.Request = c.Request.WithContext(ContextWithLogger(ctx, reqLogger))

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Info()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("route", c.FullPath()).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency).
			Int("bodySize", c.Writer.Size()).
			Str("userAgent", c.Request.UserAgent())

		if requestID != "" {
			event.Str("requestId", requestID)
		}

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		fields.apply(event)
		event.Msg("HTTP request")
	}
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		code := codeOf(err)
		event := logger.Debug()
		if code != codes.OK {
			event = logger.Error()
		}

		event.
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start))

		if err != nil {
			event.Err(err)
		}

		event.Msg("gRPC request")

		return resp, err
	}
}

// GRPCStreamLogger returns a gRPC stream server interceptor for request logging.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		code := codeOf(err)
		event := logger.Info()
		if code != codes.OK && code != codes.Canceled {
			event = logger.Error()
		}

		event.
			Str("type", "grpc_stream").
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start))

		if err != nil {
			event.Err(err)
		}

		event.Msg("gRPC stream")

		return err
	}
}

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext returns the request logger attached to ctx, or fallback
// when there is none.
func LoggerFromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}

// LockLogger creates a logger scoped to one lock.
func LockLogger(logger zerolog.Logger, namespace, lockName string) zerolog.Logger {
	return logger.With().
		Str(FieldNamespace, namespace).
		Str(FieldLockName, lockName).
		Logger()
}
