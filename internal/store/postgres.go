package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Error Groups ---

const groupColumns = `id, fingerprint, title, culprit, platform, level, status, events_count,
	first_seen_at, last_seen_at, resolved_at, resolved_by, assigned_to, created_at, updated_at`

func scanGroup(row pgx.Row) (*models.ErrorGroup, error) {
	var g models.ErrorGroup
	err := row.Scan(&g.ID, &g.Fingerprint, &g.Title, &g.Culprit, &g.Platform, &g.Level, &g.Status,
		&g.EventsCount, &g.FirstSeenAt, &g.LastSeenAt, &g.ResolvedAt, &g.ResolvedBy, &g.AssignedTo,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// upsertGroupSQL is the whole aggregation step. Every SET expression reads the
// pre-update row, so the reopen test and the count bump see the same state.
const upsertGroupSQL = `INSERT INTO error_groups (id, fingerprint, title, culprit, platform, level, status,
	events_count, first_seen_at, last_seen_at, created_at, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, 'unresolved', 1, $7, $7, $7, $7)
 ON CONFLICT (fingerprint) DO UPDATE SET
   events_count = error_groups.events_count + 1,
   last_seen_at = GREATEST(error_groups.last_seen_at, EXCLUDED.last_seen_at),
   status = CASE WHEN error_groups.status IN ('resolved', 'ignored') THEN 'unresolved' ELSE error_groups.status END,
   resolved_at = CASE WHEN error_groups.status IN ('resolved', 'ignored') THEN NULL ELSE error_groups.resolved_at END,
   resolved_by = CASE WHEN error_groups.status IN ('resolved', 'ignored') THEN NULL ELSE error_groups.resolved_by END,
   updated_at = EXCLUDED.updated_at
 RETURNING ` + groupColumns

func upsertGroup(ctx context.Context, q querier, occ *models.GroupOccurrence) (*models.ErrorGroup, error) {
	seen := occ.SeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	g, err := scanGroup(q.QueryRow(ctx, upsertGroupSQL,
		uuid.New(), occ.Fingerprint, occ.Title, occ.Culprit, occ.Platform, occ.Level, seen))
	if err != nil {
		return nil, fmt.Errorf("upsert error group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) UpsertErrorGroup(ctx context.Context, occ *models.GroupOccurrence) (*models.ErrorGroup, error) {
	return upsertGroup(ctx, s.pool, occ)
}

func (s *PostgresStore) RecordOccurrence(ctx context.Context, occ *models.GroupOccurrence, event *models.ErrorEvent) (*models.ErrorGroup, error) {
	var group *models.ErrorGroup
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		g, err := upsertGroup(ctx, tx, occ)
		if err != nil {
			return err
		}
		event.GroupID = g.ID
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record occurrence: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) ListErrorGroups(ctx context.Context, filter GroupFilter) ([]*models.ErrorGroup, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if filter.Platform != "" {
		conditions = append(conditions, fmt.Sprintf("platform = $%d", argIdx))
		args = append(args, filter.Platform)
		argIdx++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			`(title ILIKE $%[1]d ESCAPE '\' OR culprit ILIKE $%[1]d ESCAPE '\' OR fingerprint = $%[2]d)`,
			argIdx, argIdx+1))
		args = append(args, "%"+escapeLike(filter.Search)+"%", filter.Search)
		argIdx += 2
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM error_groups WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error groups: %w", err)
	}

	_, limit, offset := NormalizePage(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM error_groups WHERE %s ORDER BY last_seen_at DESC, id LIMIT $%d OFFSET $%d`,
		groupColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list error groups: %w", err)
	}
	defer rows.Close()

	groups := []*models.ErrorGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan error group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, total, rows.Err()
}

func (s *PostgresStore) GetErrorGroup(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM error_groups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) UpdateGroupStatus(ctx context.Context, id uuid.UUID, status string, actor string) (*models.ErrorGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`UPDATE error_groups SET
		   status = $2::text,
		   resolved_at = CASE WHEN $2::text = 'resolved' THEN NOW() ELSE NULL END,
		   resolved_by = CASE WHEN $2::text = 'resolved' THEN NULLIF($3::text, '') ELSE NULL END,
		   updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+groupColumns, id, status, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update error group status: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) AssignErrorGroup(ctx context.Context, id uuid.UUID, assignee *string) (*models.ErrorGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`UPDATE error_groups SET assigned_to = $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+groupColumns, id, assignee))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("assign error group: %w", err)
	}
	return g, nil
}

// DeleteErrorGroup removes the group; its events go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteErrorGroup(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM error_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete error group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountGroupsByStatus(ctx context.Context) (*models.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM error_groups GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count error groups by status: %w", err)
	}
	defer rows.Close()

	counts := &models.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts.Add(status, n)
	}
	return counts, rows.Err()
}

// --- Error Events ---

const eventColumns = `id, group_id, fingerprint, message, stack_trace, platform, level, environment, release,
	user_id, user_agent, ip_address, url, component, action, breadcrumbs, context, tags, created_at`

func insertEvent(ctx context.Context, q querier, e *models.ErrorEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	fillEventDefaults(e)

	_, err := q.Exec(ctx,
		`INSERT INTO error_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.GroupID, e.Fingerprint, e.Message, e.StackTrace, e.Platform, e.Level, e.Environment,
		e.Release, e.UserID, e.UserAgent, e.IPAddress, e.URL, e.Component, e.Action,
		e.Breadcrumbs, e.Context, e.Tags, e.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create error event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateErrorEvent(ctx context.Context, event *models.ErrorEvent) error {
	return insertEvent(ctx, s.pool, event)
}

func (s *PostgresStore) ListErrorEvents(ctx context.Context, filter EventFilter) ([]*models.ErrorEvent, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM error_events WHERE group_id = $1`, filter.GroupID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count error events: %w", err)
	}

	_, limit, offset := NormalizePage(filter.Page, filter.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM error_events WHERE group_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		filter.GroupID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list error events: %w", err)
	}
	defer rows.Close()

	events := []*models.ErrorEvent{}
	for rows.Next() {
		var e models.ErrorEvent
		if err := rows.Scan(&e.ID, &e.GroupID, &e.Fingerprint, &e.Message, &e.StackTrace, &e.Platform,
			&e.Level, &e.Environment, &e.Release, &e.UserID, &e.UserAgent, &e.IPAddress, &e.URL,
			&e.Component, &e.Action, &e.Breadcrumbs, &e.Context, &e.Tags, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan error event: %w", err)
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// fillEventDefaults replaces nil collections so JSONB columns never store null.
func fillEventDefaults(e *models.ErrorEvent) {
	if e.Breadcrumbs == nil {
		e.Breadcrumbs = []models.Breadcrumb{}
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if e.Tags == nil {
		e.Tags = map[string]string{}
	}
}

// escapeLike escapes LIKE wildcards so search input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
