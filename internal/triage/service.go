// Package triage is the operator surface over error groups: listing,
// inspection and manual status transitions.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/internal/cache"
	"github.com/kiranshivaraju/errtrack/internal/store"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

const statsTTL = 30 * time.Second

// Service implements group queries and transitions on top of a Store.
type Service struct {
	store store.Store
	cache cache.Cache
}

// NewService creates a new triage Service. The cache may be nil.
func NewService(st store.Store, c cache.Cache) *Service {
	return &Service{store: st, cache: c}
}

func (s *Service) List(ctx context.Context, filter store.GroupFilter) ([]*models.ErrorGroup, int, error) {
	return s.store.ListErrorGroups(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	return s.store.GetErrorGroup(ctx, id)
}

// Events lists a group's events, newest first. Missing groups are ErrNotFound.
func (s *Service) Events(ctx context.Context, filter store.EventFilter) ([]*models.ErrorEvent, int, error) {
	if _, err := s.store.GetErrorGroup(ctx, filter.GroupID); err != nil {
		return nil, 0, err
	}
	return s.store.ListErrorEvents(ctx, filter)
}

// Resolve marks the group resolved by actor. The next occurrence reopens it.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, actor string) (*models.ErrorGroup, error) {
	return s.transition(ctx, id, models.StatusResolved, actor)
}

// Ignore hides the group until it recurs.
func (s *Service) Ignore(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	return s.transition(ctx, id, models.StatusIgnored, "")
}

// Mute suppresses the group until an operator changes it again.
func (s *Service) Mute(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	return s.transition(ctx, id, models.StatusMuted, "")
}

func (s *Service) Reopen(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	return s.transition(ctx, id, models.StatusUnresolved, "")
}

// Transition applies a named action: resolve, ignore, mute or reopen.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, action, actor string) (*models.ErrorGroup, error) {
	switch action {
	case "resolve":
		return s.Resolve(ctx, id, actor)
	case "ignore":
		return s.Ignore(ctx, id)
	case "mute":
		return s.Mute(ctx, id)
	case "reopen":
		return s.Reopen(ctx, id)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, status, actor string) (*models.ErrorGroup, error) {
	g, err := s.store.UpdateGroupStatus(ctx, id, status, actor)
	if err != nil {
		return nil, err
	}
	s.invalidateStats(ctx)
	slog.Info("error group status changed", "group_id", id, "status", status, "actor", actor)
	return g, nil
}

// Assign sets or clears (nil) the group's assignee.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assignee *string) (*models.ErrorGroup, error) {
	return s.store.AssignErrorGroup(ctx, id, assignee)
}

// Delete removes the group and all of its events.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteErrorGroup(ctx, id); err != nil {
		return err
	}
	s.invalidateStats(ctx)
	slog.Info("error group deleted", "group_id", id)
	return nil
}

// Stats returns group counts per status, cached briefly.
func (s *Service) Stats(ctx context.Context) (*models.StatusCounts, error) {
	if s.cache != nil {
		if data, found, err := s.cache.Get(ctx, cache.GroupStatsKey()); err == nil && found {
			var counts models.StatusCounts
			if json.Unmarshal(data, &counts) == nil {
				return &counts, nil
			}
		}
	}

	counts, err := s.store.CountGroupsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting groups: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(counts); err == nil {
			_ = s.cache.Set(ctx, cache.GroupStatsKey(), data, statsTTL)
		}
	}
	return counts, nil
}

func (s *Service) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.GroupStatsKey()); err != nil {
		slog.Warn("failed to invalidate stats cache", "error", err)
	}
}
