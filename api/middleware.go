package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/generic"
)

// OrganizationHeader selects the tenant of a request.
const OrganizationHeader = "X-Organization-ID"

type ctxKey int

const orgKey ctxKey = iota

// RequireOrganization rejects requests without a valid organization header
// and stores the parsed id in the request context.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := generic.ParseOrganizationID(r.Header.Get(OrganizationHeader))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Missing or invalid "+OrganizationHeader+" header", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey, org)))
	})
}

// Organization returns the tenant set by RequireOrganization.
func Organization(ctx context.Context) generic.OrganizationID {
	org, _ := ctx.Value(orgKey).(generic.OrganizationID)
	return org
}

// RequestLogger logs one line per request with zap, carrying chi's request id.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				if org := r.Header.Get(OrganizationHeader); org != "" {
					fields = append(fields, zap.String("org", org))
				}
				switch {
				case ww.Status() >= 500:
					logger.Error("request", fields...)
				case ww.Status() >= 400:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
