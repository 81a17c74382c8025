package handler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/kiranshivaraju/errtrack/internal/api/response"
	"github.com/kiranshivaraju/errtrack/internal/ingest"
)

// Ingester accepts a raw report body and returns how many reports were stored.
type Ingester interface {
	IngestBody(ctx context.Context, body []byte, client ingest.ClientInfo) int
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/errors.
// It always answers 202 {"accepted": n}, even for unreadable bodies or panics.
func NewIngestHandler(svc Ingester, maxBodyBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accepted := 0
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in ingest handler",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				accepted = 0
			}
			response.Ack(w, accepted)
		}()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			slog.Debug("ingest: unreadable body", "error", err)
			return
		}

		accepted = svc.IngestBody(r.Context(), body, ingest.ClientInfo{
			UserAgent: r.UserAgent(),
			IPAddress: ClientIP(r),
		})
	}
}

// IngestFallback answers an ingestion request that could not be handled.
func IngestFallback(w http.ResponseWriter, _ *http.Request) {
	response.Ack(w, 0)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
