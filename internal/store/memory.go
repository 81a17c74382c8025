package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

const shardCount = 64

// groupShard owns every group whose fingerprint hashes to it. Holding mu
// serializes the upsert for those fingerprints.
type groupShard struct {
	mu     sync.Mutex
	groups map[string]*models.ErrorGroup // by fingerprint
}

// MemoryStore is a single-process Store. Group aggregation is serialized per
// fingerprint through a fixed arena of shard locks, so unrelated fingerprints
// never contend.
type MemoryStore struct {
	shards [shardCount]groupShard

	idxMu sync.RWMutex
	byID  map[uuid.UUID]string // group id -> fingerprint

	eventsMu sync.RWMutex
	events   map[uuid.UUID][]*models.ErrorEvent // by group id, insertion order

	keysMu sync.RWMutex
	keys   map[uuid.UUID]*models.APIKey

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[uuid.UUID]string),
		events: make(map[uuid.UUID][]*models.ErrorEvent),
		keys:   make(map[uuid.UUID]*models.APIKey),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for i := range s.shards {
		s.shards[i].groups = make(map[string]*models.ErrorGroup)
	}
	return s
}

func (s *MemoryStore) shardFor(fingerprint string) *groupShard {
	return &s.shards[xxhash.Sum64String(fingerprint)%shardCount]
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.Name == key.Name && k.DeletedAt == nil {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()

	out := []*models.APIKey{}
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Error Groups ---

// upsertLocked applies one occurrence to the shard. It returns the stored
// group and an undo func restoring the previous state. Caller holds sh.mu.
func (s *MemoryStore) upsertLocked(sh *groupShard, occ *models.GroupOccurrence) (*models.ErrorGroup, func()) {
	seen := occ.SeenAt
	if seen.IsZero() {
		seen = s.now()
	}

	g, ok := sh.groups[occ.Fingerprint]
	if !ok {
		g = &models.ErrorGroup{
			ID:          uuid.New(),
			Fingerprint: occ.Fingerprint,
			Title:       occ.Title,
			Culprit:     occ.Culprit,
			Platform:    occ.Platform,
			Level:       occ.Level,
			Status:      models.StatusUnresolved,
			EventsCount: 1,
			FirstSeenAt: seen,
			LastSeenAt:  seen,
			CreatedAt:   seen,
			UpdatedAt:   seen,
		}
		sh.groups[occ.Fingerprint] = g

		s.idxMu.Lock()
		s.byID[g.ID] = g.Fingerprint
		s.idxMu.Unlock()

		return g, func() {
			delete(sh.groups, occ.Fingerprint)
			s.idxMu.Lock()
			delete(s.byID, g.ID)
			s.idxMu.Unlock()
		}
	}

	prev := *g
	g.EventsCount++
	if seen.After(g.LastSeenAt) {
		g.LastSeenAt = seen
	}
	if models.ReopensOnRecurrence(g.Status) {
		g.Status = models.StatusUnresolved
		g.ResolvedAt = nil
		g.ResolvedBy = nil
	}
	g.UpdatedAt = seen
	return g, func() { *g = prev }
}

func (s *MemoryStore) UpsertErrorGroup(ctx context.Context, occ *models.GroupOccurrence) (*models.ErrorGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(occ.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, _ := s.upsertLocked(sh, occ)
	c := *g
	return &c, nil
}

func (s *MemoryStore) RecordOccurrence(ctx context.Context, occ *models.GroupOccurrence, event *models.ErrorEvent) (*models.ErrorGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(occ.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, undo := s.upsertLocked(sh, occ)
	event.GroupID = g.ID
	if err := s.CreateErrorEvent(ctx, event); err != nil {
		undo()
		return nil, err
	}
	c := *g
	return &c, nil
}

func (s *MemoryStore) snapshotGroups() []*models.ErrorGroup {
	var out []*models.ErrorGroup
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, g := range sh.groups {
			c := *g
			out = append(out, &c)
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) ListErrorGroups(_ context.Context, filter GroupFilter) ([]*models.ErrorGroup, int, error) {
	search := strings.ToLower(filter.Search)

	matched := []*models.ErrorGroup{}
	for _, g := range s.snapshotGroups() {
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.Level != "" && g.Level != filter.Level {
			continue
		}
		if filter.Platform != "" && g.Platform != filter.Platform {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(g.Title), search) &&
			!strings.Contains(strings.ToLower(g.Culprit), search) &&
			g.Fingerprint != filter.Search {
			continue
		}
		matched = append(matched, g)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeenAt.Equal(matched[j].LastSeenAt) {
			return matched[i].LastSeenAt.After(matched[j].LastSeenAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	_, limit, offset := NormalizePage(filter.Page, filter.Limit)
	if offset < 0 || offset >= total {
		return []*models.ErrorGroup{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// withGroup runs fn on the live group under its shard lock.
func (s *MemoryStore) withGroup(id uuid.UUID, fn func(sh *groupShard, g *models.ErrorGroup)) error {
	s.idxMu.RLock()
	fp, ok := s.byID[id]
	s.idxMu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	sh := s.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, ok := sh.groups[fp]
	if !ok || g.ID != id {
		return ErrNotFound
	}
	fn(sh, g)
	return nil
}

func (s *MemoryStore) GetErrorGroup(_ context.Context, id uuid.UUID) (*models.ErrorGroup, error) {
	var out models.ErrorGroup
	if err := s.withGroup(id, func(_ *groupShard, g *models.ErrorGroup) { out = *g }); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) UpdateGroupStatus(_ context.Context, id uuid.UUID, status string, actor string) (*models.ErrorGroup, error) {
	var out models.ErrorGroup
	err := s.withGroup(id, func(_ *groupShard, g *models.ErrorGroup) {
		now := s.now()
		g.Status = status
		g.ResolvedAt, g.ResolvedBy = nil, nil
		if status == models.StatusResolved {
			g.ResolvedAt = &now
			if actor != "" {
				a := actor
				g.ResolvedBy = &a
			}
		}
		g.UpdatedAt = now
		out = *g
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) AssignErrorGroup(_ context.Context, id uuid.UUID, assignee *string) (*models.ErrorGroup, error) {
	var out models.ErrorGroup
	err := s.withGroup(id, func(_ *groupShard, g *models.ErrorGroup) {
		if assignee != nil {
			a := *assignee
			g.AssignedTo = &a
		} else {
			g.AssignedTo = nil
		}
		g.UpdatedAt = s.now()
		out = *g
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) DeleteErrorGroup(_ context.Context, id uuid.UUID) error {
	return s.withGroup(id, func(sh *groupShard, g *models.ErrorGroup) {
		delete(sh.groups, g.Fingerprint)

		s.idxMu.Lock()
		delete(s.byID, id)
		s.idxMu.Unlock()

		s.eventsMu.Lock()
		delete(s.events, id)
		s.eventsMu.Unlock()
	})
}

func (s *MemoryStore) CountGroupsByStatus(_ context.Context) (*models.StatusCounts, error) {
	counts := &models.StatusCounts{}
	for _, g := range s.snapshotGroups() {
		counts.Add(g.Status, 1)
	}
	return counts, nil
}

// --- Error Events ---

func (s *MemoryStore) CreateErrorEvent(ctx context.Context, event *models.ErrorEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	fillEventDefaults(event)

	s.idxMu.RLock()
	_, ok := s.byID[event.GroupID]
	s.idxMu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	for _, e := range s.events[event.GroupID] {
		if e.ID == event.ID {
			return ErrDuplicateKey
		}
	}
	c := *event
	s.events[event.GroupID] = append(s.events[event.GroupID], &c)
	return nil
}

func (s *MemoryStore) ListErrorEvents(_ context.Context, filter EventFilter) ([]*models.ErrorEvent, int, error) {
	s.eventsMu.RLock()
	stored := s.events[filter.GroupID]
	all := make([]*models.ErrorEvent, len(stored))
	for i, e := range stored {
		c := *e
		all[len(stored)-1-i] = &c
	}
	s.eventsMu.RUnlock()

	// Newest first; insertion order breaks ties.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	_, limit, offset := NormalizePage(filter.Page, filter.Limit)
	if offset < 0 || offset >= total {
		return []*models.ErrorEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
