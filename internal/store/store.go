package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	// UpsertErrorGroup creates the group for occ.Fingerprint or bumps the
	// existing one: count+1, last_seen_at advanced, resolved/ignored reopened.
	UpsertErrorGroup(ctx context.Context, occ *models.GroupOccurrence) (*models.ErrorGroup, error)
	// CreateErrorEvent appends one event. GroupID must name an existing group
	// or ErrNotFound is returned.
	CreateErrorEvent(ctx context.Context, event *models.ErrorEvent) error
	// RecordOccurrence upserts the group and stores the event as one unit: if
	// the event cannot be stored the group is left untouched.
	RecordOccurrence(ctx context.Context, occ *models.GroupOccurrence, event *models.ErrorEvent) (*models.ErrorGroup, error)

	ListErrorGroups(ctx context.Context, filter GroupFilter) ([]*models.ErrorGroup, int, error)
	GetErrorGroup(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
	// UpdateGroupStatus sets status. resolved_at/resolved_by are set when the
	// status is resolved and cleared otherwise.
	UpdateGroupStatus(ctx context.Context, id uuid.UUID, status string, actor string) (*models.ErrorGroup, error)
	AssignErrorGroup(ctx context.Context, id uuid.UUID, assignee *string) (*models.ErrorGroup, error)
	DeleteErrorGroup(ctx context.Context, id uuid.UUID) error
	CountGroupsByStatus(ctx context.Context) (*models.StatusCounts, error)

	ListErrorEvents(ctx context.Context, filter EventFilter) ([]*models.ErrorEvent, int, error)
}

type GroupFilter struct {
	Status   string
	Level    string
	Platform string
	Search   string
	Page     int
	Limit    int
}

type EventFilter struct {
	GroupID uuid.UUID
	Page    int
	Limit   int
}

const (
	defaultLimit = 20
	maxLimit     = 100

	// MaxPage bounds page numbers so the offset stays well inside int range.
	MaxPage = 1_000_000
)

// NormalizePage clamps pagination input and returns page, limit and offset.
func NormalizePage(page, limit int) (int, int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if page <= 0 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	return page, limit, (page - 1) * limit
}
