// Package ingest turns raw client error reports into grouped, stored events.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/errtrack/internal/config"
	"github.com/kiranshivaraju/errtrack/internal/grouping"
	"github.com/kiranshivaraju/errtrack/internal/metrics"
	"github.com/kiranshivaraju/errtrack/internal/ratelimit"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

// Recorder stores one occurrence: the group upsert and its event together.
type Recorder interface {
	RecordOccurrence(ctx context.Context, occ *models.GroupOccurrence, event *models.ErrorEvent) (*models.ErrorGroup, error)
}

// Service runs the ingestion pipeline. It never returns errors to callers;
// every failure is confined to the report that caused it.
type Service struct {
	recorder Recorder
	limiter  ratelimit.Limiter
	metrics  *metrics.Ingest
	cfg      config.IngestConfig
	now      func() time.Time
}

// NewService creates a new ingestion Service.
func NewService(rec Recorder, limiter ratelimit.Limiter, m *metrics.Ingest, cfg config.IngestConfig) *Service {
	if m == nil {
		m = metrics.NewIngest(nil)
	}
	return &Service{
		recorder: rec,
		limiter:  limiter,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for seen/created timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IngestBody splits a request body into reports and ingests them. A body that
// is not a report or an array of reports is accepted as zero reports.
func (s *Service) IngestBody(ctx context.Context, body []byte, client ClientInfo) int {
	raw, err := SplitBatch(body)
	if err != nil {
		slog.Debug("ingest: dropping malformed batch", "error", err, "bytes", len(body))
		s.metrics.RecordDropped(metrics.ReasonInvalid, 1)
		return 0
	}
	return s.Ingest(ctx, raw, client)
}

// Ingest processes each raw report in order and returns how many were stored.
func (s *Service) Ingest(ctx context.Context, raw []json.RawMessage, client ClientInfo) int {
	s.metrics.RecordReceived(len(raw))

	if !s.cfg.Enabled {
		s.metrics.RecordDropped(metrics.ReasonDisabled, len(raw))
		return 0
	}

	if s.cfg.MaxBatch > 0 && len(raw) > s.cfg.MaxBatch {
		s.metrics.RecordDropped(metrics.ReasonTruncated, len(raw)-s.cfg.MaxBatch)
		raw = raw[:s.cfg.MaxBatch]
	}

	var deadline time.Time
	if s.cfg.BatchTimeout > 0 {
		deadline = time.Now().Add(s.cfg.BatchTimeout)
	}

	accepted := 0
	for i, item := range raw {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			left := len(raw) - i
			slog.Warn("ingest: batch timeout reached, dropping remaining reports",
				"dropped", left,
				"accepted", accepted,
			)
			s.metrics.RecordDropped(metrics.ReasonBatchTimeout, left)
			break
		}
		if s.ingestOne(ctx, deadline, i, item, client) {
			accepted++
		}
	}
	return accepted
}

// ingestOne runs one report through validate, fingerprint, rate-limit and
// persist. Work is detached from the caller's cancellation and bounded by
// the persist timeout or the batch deadline, whichever comes first.
func (s *Service) ingestOne(ctx context.Context, deadline time.Time, index int, raw json.RawMessage, client ClientInfo) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: panic processing report",
				"error", r,
				"index", index,
				"stack", string(debug.Stack()),
			)
			s.metrics.RecordDropped(metrics.ReasonPersistFailed, 1)
			ok = false
		}
	}()

	report, err := DecodeReport(raw)
	if err != nil {
		slog.Debug("ingest: dropping invalid report", "index", index, "error", err)
		s.metrics.RecordDropped(metrics.ReasonInvalid, 1)
		return false
	}

	timeout := s.cfg.PersistTimeout
	if !deadline.IsZero() {
		timeout = min(timeout, time.Until(deadline))
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	fp := report.fingerprint()

	allowed, err := s.limiter.Allow(ctx, fp, s.cfg.RateLimitWindow, s.cfg.RateLimitMax)
	if err != nil {
		slog.Warn("ingest: rate limiter unavailable, allowing report", "fingerprint", fp, "error", err)
		allowed = true
	}
	if !allowed {
		s.metrics.RecordDropped(metrics.ReasonRateLimited, 1)
		return false
	}

	start := time.Now()
	occ, event := s.build(report, fp, client)
	if _, err := s.recorder.RecordOccurrence(ctx, occ, event); err != nil {
		slog.Error("ingest: failed to store report",
			"fingerprint", fp,
			"index", index,
			"error", fmt.Errorf("record occurrence: %w", err),
		)
		s.metrics.RecordDropped(metrics.ReasonPersistFailed, 1)
		return false
	}

	s.metrics.RecordAccepted(report.Platform, time.Since(start))
	return true
}

func (s *Service) build(r *Report, fp string, client ClientInfo) (*models.GroupOccurrence, *models.ErrorEvent) {
	now := s.now()

	occ := &models.GroupOccurrence{
		Fingerprint: fp,
		Title:       grouping.Title(r.Message),
		Culprit:     grouping.Culprit(r.Component, r.URL),
		Platform:    r.Platform,
		Level:       r.Level,
		SeenAt:      now,
	}

	event := &models.ErrorEvent{
		Fingerprint: fp,
		Message:     r.Message,
		StackTrace:  optional(r.StackTrace),
		Platform:    r.Platform,
		Level:       r.Level,
		Environment: r.Environment,
		Release:     optional(r.Release),
		UserID:      optional(r.UserID),
		UserAgent:   optional(client.UserAgent),
		IPAddress:   optional(client.IPAddress),
		URL:         optional(r.URL),
		Component:   optional(r.Component),
		Action:      optional(r.Action),
		Breadcrumbs: r.Breadcrumbs,
		Context:     r.Context,
		Tags:        r.Tags,
		CreatedAt:   now,
	}
	return occ, event
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
