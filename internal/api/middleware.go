package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TenantIDHeader is the HTTP header for tenant ID.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"

	// AnalystIDHeader is the HTTP header naming the acting analyst.
	AnalystIDHeader = "X-Analyst-ID"

	// AnalystRoleHeader is the HTTP header carrying the analyst's role.
	AnalystRoleHeader = "X-Analyst-Role"
)

var (
	tracer = otel.Tracer("kestrel-api")

	corsAllowHeaders = strings.Join([]string{
		"Content-Type", "Authorization",
		TenantIDHeader, AnalystIDHeader, AnalystRoleHeader,
		RequestIDHeader, TraceIDHeader,
	}, ", ")
	corsExposeHeaders = strings.Join([]string{RequestIDHeader, TraceIDHeader}, ", ")
)

// requestInfo is shared by pointer across the middleware chain so that the
// outer layers can log what the inner layers resolved.
type requestInfo struct {
	RequestID   string
	TraceID     string
	TenantID    string
	AnalystID   string
	AnalystRole string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// TracingMiddleware starts a server span per request, assigns the request
// and trace IDs, and records the response status on the span.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{RequestID: r.Header.Get(RequestIDHeader)}
		if info.RequestID == "" {
			info.RequestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", info.RequestID),
			),
		)
		defer span.End()

		info.TraceID = info.RequestID
		if tid := span.SpanContext().TraceID(); tid.IsValid() {
			info.TraceID = tid.String()
		}

		w.Header().Set(RequestIDHeader, info.RequestID)
		w.Header().Set(TraceIDHeader, info.TraceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, requestInfoKey{}, info)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// TenantMiddleware requires the X-Tenant-ID header and resolves the
// optional analyst identity headers.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "X-Tenant-ID header is required",
			})
			return
		}

		ctx := r.Context()
		info, ok := ctx.Value(requestInfoKey{}).(*requestInfo)
		if !ok {
			info = &requestInfo{}
			ctx = context.WithValue(ctx, requestInfoKey{}, info)
		}
		info.TenantID = tenantID
		info.AnalystID = r.Header.Get(AnalystIDHeader)
		info.AnalystRole = r.Header.Get(AnalystRoleHeader)

		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("analyst.id", info.AnalystID),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one record per request once the handler returns.
// Server errors log at error level, client errors at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		info := infoFrom(r.Context())
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", info.TenantID,
			"analyst_id", info.AnalystID,
			"request_id", info.RequestID,
			"trace_id", info.TraceID,
		)
	})
}

// CORSMiddleware reflects the caller's origin for browser clients and
// answers preflight requests.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500 response.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"panic", rec,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal server error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// GetTenantID returns the tenant resolved by TenantMiddleware.
func GetTenantID(ctx context.Context) string {
	return infoFrom(ctx).TenantID
}

// GetTraceID returns the trace ID assigned by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	return infoFrom(ctx).TraceID
}

// GetAnalystID returns the acting analyst, if the caller named one.
func GetAnalystID(ctx context.Context) string {
	return infoFrom(ctx).AnalystID
}

// GetAnalystRole returns the acting analyst's role, if given.
func GetAnalystRole(ctx context.Context) string {
	return infoFrom(ctx).AnalystRole
}
