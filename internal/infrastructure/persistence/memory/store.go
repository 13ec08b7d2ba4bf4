// Package memory implements the engine's store contracts in process memory.
// It backs development mode and application tests. Per-user serializability
// comes from a mutex per user held for the whole unit of work; writes are
// staged and applied only when the unit succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/leaderboard"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// Store is an in-memory implementation of profile.Store, profile.Reader,
// profile.CatalogReader, profile.Auditor, leaderboard.Repository,
// leaderboard.CohortDirectory and leaderboard.NameResolver.
type Store struct {
	rules *progression.Rules
	clock timeutil.Clock

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu         sync.RWMutex
	profiles   map[string]*profile.Profile
	grants     map[string][]ledger.PointGrant
	eventIDs   map[string]map[string]bool
	activity   map[string]ledger.Counters
	userBadges map[string][]badge.UserBadge
	catalog    []badge.Badge
	cohorts    map[string][]string
	names      map[string]string
	closed     bool
}

// NewStore creates an empty store.
func NewStore(rules *progression.Rules, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Store{
		rules:      rules,
		clock:      clock,
		locks:      make(map[string]*sync.Mutex),
		profiles:   make(map[string]*profile.Profile),
		grants:     make(map[string][]ledger.PointGrant),
		eventIDs:   make(map[string]map[string]bool),
		activity:   make(map[string]ledger.Counters),
		userBadges: make(map[string][]badge.UserBadge),
		cohorts:    make(map[string][]string),
		names:      make(map[string]string),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SEEDING (external collaborators)
// ══════════════════════════════════════════════════════════════════════════════

// SetCatalog replaces the badge catalog.
func (s *Store) SetCatalog(badges []badge.Badge) error {
	for _, b := range badges {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	cat := make([]badge.Badge, len(badges))
	copy(cat, badges)
	badge.SortCatalog(cat)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = cat
	return nil
}

// SetCohort replaces the members of a cohort.
func (s *Store) SetCohort(cohortID string, members []string) {
	m := make([]string, len(members))
	copy(m, members)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cohorts[cohortID] = m
}

// SetDisplayName records a user's display name.
func (s *Store) SetDisplayName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

// Close makes every further call fail with ErrStoreUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Ping reports whether the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return ctx.Err()
}

var errClosed = shared.NewDomainError("memory", "Ping", shared.ErrStoreUnavailable, "store is closed")

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// WithinUser implements profile.Store.
func (s *Store) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx profile.Tx) error) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{store: s, userID: userID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if tx.profile != nil {
		s.profiles[tx.userID] = tx.profile.Clone()
	}
	if len(tx.grants) > 0 {
		s.grants[tx.userID] = append(s.grants[tx.userID], tx.grants...)
	}
	for id := range tx.eventIDs {
		if s.eventIDs[tx.userID] == nil {
			s.eventIDs[tx.userID] = make(map[string]bool)
		}
		s.eventIDs[tx.userID][id] = true
	}
	if len(tx.activity) > 0 {
		if s.activity[tx.userID] == nil {
			s.activity[tx.userID] = ledger.Counters{}
		}
		s.activity[tx.userID].Merge(tx.activity)
	}
	if len(tx.badges) > 0 {
		s.userBadges[tx.userID] = append(s.userBadges[tx.userID], tx.badges...)
	}
	return nil
}

// memTx stages writes of one unit of work.
type memTx struct {
	store  *Store
	userID string

	profile  *profile.Profile
	grants   []ledger.PointGrant
	badges   []badge.UserBadge
	eventIDs map[string]bool
	activity ledger.Counters
}

func (t *memTx) seen(eventID string) bool {
	if t.eventIDs[eventID] {
		return true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.eventIDs[t.userID][eventID]
}

func (t *memTx) LoadProfile(ctx context.Context, create bool) (*profile.Profile, bool, error) {
	if t.profile != nil {
		return t.profile, false, nil
	}

	t.store.mu.RLock()
	stored, ok := t.store.profiles[t.userID]
	t.store.mu.RUnlock()

	if ok {
		t.profile = stored.Clone()
		return t.profile, false, nil
	}
	if !create {
		return nil, false, profile.ErrProfileMissing
	}
	t.profile = profile.New(t.userID, t.store.rules, t.store.clock.Now())
	return t.profile, true, nil
}

func (t *memTx) SaveProfile(ctx context.Context, p *profile.Profile) error {
	if p.UserID != t.userID {
		return shared.Validationf("memory", "SaveProfile", "profile %s saved in unit of work for %s", p.UserID, t.userID)
	}
	t.profile = p
	return nil
}

func (t *memTx) MarkProcessed(ctx context.Context, eventID string, category ledger.Category, at time.Time) (bool, error) {
	if !category.IsValid() {
		return false, shared.Validationf("memory", "MarkProcessed", "unknown category %q", category)
	}
	if eventID != "" {
		if t.seen(eventID) {
			return false, nil
		}
		if t.eventIDs == nil {
			t.eventIDs = make(map[string]bool)
		}
		t.eventIDs[eventID] = true
	}
	if t.activity == nil {
		t.activity = ledger.Counters{}
	}
	t.activity.Add(category)
	return true, nil
}

func (t *memTx) AppendGrant(ctx context.Context, g ledger.PointGrant) (bool, error) {
	if g.UserID != t.userID {
		return false, shared.Validationf("memory", "AppendGrant", "grant for %s in unit of work for %s", g.UserID, t.userID)
	}
	if g.SourceEventID != "" {
		t.store.mu.RLock()
		for _, stored := range t.store.grants[t.userID] {
			if stored.SourceEventID == g.SourceEventID {
				t.store.mu.RUnlock()
				return false, nil
			}
		}
		t.store.mu.RUnlock()
		for _, staged := range t.grants {
			if staged.SourceEventID == g.SourceEventID {
				return false, nil
			}
		}
	}
	t.grants = append(t.grants, g)
	return true, nil
}

func (t *memTx) Counters(ctx context.Context) (ledger.Counters, error) {
	t.store.mu.RLock()
	counters := t.store.activity[t.userID].Clone()
	t.store.mu.RUnlock()
	counters.Merge(t.activity)
	return counters, nil
}

func (t *memTx) UserBadges(ctx context.Context) ([]badge.UserBadge, error) {
	t.store.mu.RLock()
	out := append([]badge.UserBadge(nil), t.store.userBadges[t.userID]...)
	t.store.mu.RUnlock()
	return append(out, t.badges...), nil
}

func (t *memTx) InsertUserBadge(ctx context.Context, ub badge.UserBadge) (bool, error) {
	owned, _ := t.UserBadges(ctx)
	for _, o := range owned {
		if o.BadgeID == ub.BadgeID {
			return false, nil
		}
	}
	t.badges = append(t.badges, ub)
	return true, nil
}

func (t *memTx) Catalog(ctx context.Context) ([]badge.Badge, error) {
	return t.store.ListBadges(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

// GetProfile implements profile.Reader.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, profile.ErrProfileNotFound
	}
	return p.Clone(), nil
}

// ListGrants implements profile.Reader.
func (s *Store) ListGrants(ctx context.Context, userID string, limit, offset int) ([]ledger.PointGrant, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := s.grants[userID]
	newestFirst := make([]ledger.PointGrant, len(all))
	for i, g := range all {
		newestFirst[len(all)-1-i] = g
	}
	s.mu.RUnlock()

	sort.SliceStable(newestFirst, func(i, j int) bool {
		return newestFirst[i].GrantedAt.After(newestFirst[j].GrantedAt)
	})
	if offset >= len(newestFirst) {
		return []ledger.PointGrant{}, nil
	}
	end := offset + limit
	if end > len(newestFirst) {
		end = len(newestFirst)
	}
	return newestFirst[offset:end], nil
}

// ListUserBadges implements profile.Reader.
func (s *Store) ListUserBadges(ctx context.Context, userID string) ([]badge.UserBadge, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]badge.UserBadge{}, s.userBadges[userID]...), nil
}

// ListBadges implements profile.CatalogReader.
func (s *Store) ListBadges(ctx context.Context) ([]badge.Badge, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]badge.Badge{}, s.catalog...), nil
}

// LedgerTotal returns the sum of a user's grants.
func (s *Store) LedgerTotal(userID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledger.Sum(s.grants[userID])
}

// FindDrift implements profile.Auditor.
func (s *Store) FindDrift(ctx context.Context) ([]profile.Drift, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]profile.Drift, 0)
	for id, p := range s.profiles {
		if total := ledger.Sum(s.grants[id]); total != p.PontosTotais {
			out = append(out, profile.Drift{UserID: id, PontosTotais: p.PontosTotais, LedgerTotal: total})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Candidates implements leaderboard.Repository.
func (s *Store) Candidates(ctx context.Context, opts leaderboard.QueryOptions) ([]leaderboard.Candidate, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := make([]leaderboard.Candidate, 0, len(s.profiles))
	for _, p := range s.profiles {
		var last *time.Time
		if p.UltimaAtividade != nil {
			d := *p.UltimaAtividade
			last = &d
		}
		all = append(all, leaderboard.Candidate{
			UserID:          p.UserID,
			PontosTotais:    p.PontosTotais,
			Nivel:           p.Nivel,
			StreakAtual:     p.StreakAtual,
			UltimaAtividade: last,
		})
	}
	s.mu.RUnlock()

	return leaderboard.RankCandidates(all, opts.MemberSet(), opts.Since, opts.Limit, opts.Offset), nil
}

// Members implements leaderboard.CohortDirectory.
func (s *Store) Members(ctx context.Context, cohort shared.CohortID) ([]string, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.cohorts[cohort.String()]
	if !ok {
		return nil, leaderboard.ErrCohortNotFound
	}
	return append([]string{}, m...), nil
}

// DisplayNames implements leaderboard.NameResolver.
func (s *Store) DisplayNames(ctx context.Context, userIDs []string) (leaderboard.Names, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(leaderboard.Names, len(userIDs))
	for _, id := range userIDs {
		if n, ok := s.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}
