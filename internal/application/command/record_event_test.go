package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gamification-engine/internal/application/command"
	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/domain/streak"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/gamification-engine/pkg/logger"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// conflictingStore fails the first n units of work with a concurrency conflict.
type conflictingStore struct {
	profile.Store
	failures int

	mu    sync.Mutex
	calls int
}

func (s *conflictingStore) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx profile.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return shared.NewDomainError("test", "WithinUser", shared.ErrConcurrencyConflict, "could not serialize access")
	}
	return s.Store.WithinUser(ctx, userID, fn)
}

type fixture struct {
	cal       timeutil.Calendar
	rules     *progression.Rules
	store     *memory.Store
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := timeutil.NewCalendar(timeutil.DefaultZone)
	require.NoError(t, err)
	rules, err := progression.NewRules([]int64{0, 100, 300, 600})
	require.NoError(t, err)

	clock := timeutil.FixedClock{At: cal.Date(2024, time.June, 10).Add(9 * time.Hour)}
	return &fixture{
		cal:       cal,
		rules:     rules,
		store:     memory.NewStore(rules, clock),
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) handler(store profile.Store, cfg command.RecordEventHandlerConfig) *command.RecordEventHandler {
	clock := timeutil.FixedClock{At: f.cal.Date(2024, time.June, 10).Add(9 * time.Hour)}
	return command.NewRecordEventHandler(store, f.rules, f.cal, clock, f.publisher, logger.Discard(), cfg)
}

// onDay returns noon of the given June 2024 day in the canonical zone.
func (f *fixture) onDay(day int) time.Time {
	return f.cal.Date(2024, time.June, day).Add(12 * time.Hour)
}

func attendance(userID string, points int64, at time.Time) command.RecordEventCommand {
	return command.RecordEventCommand{
		UserID:     userID,
		Category:   "attendance",
		Points:     points,
		OccurredAt: at,
	}
}

var streakBadge = badge.Badge{
	ID:          "streak-3",
	Nome:        "Três dias seguidos",
	Icone:       "🔥",
	Tipo:        "streak",
	Requisito:   badge.Requirement{Metric: badge.MetricCurrentStreak, Min: 3},
	PontosBonus: 50,
	Ordem:       1,
}

// ══════════════════════════════════════════════════════════════════════════════
// SCENARIOS
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_ConsecutiveDays(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	var last *command.RecordEventResult
	for day := 1; day <= 3; day++ {
		res, err := h.Handle(ctx, attendance("u1", 40, f.onDay(day)))
		require.NoError(t, err)
		last = res
	}

	p := last.Profile
	assert.Equal(t, int64(120), p.PontosTotais)
	assert.Equal(t, 2, p.Nivel)
	assert.Equal(t, int64(20), p.XPAtual)
	assert.Equal(t, int64(200), p.XPProximoNivel)
	assert.Equal(t, 3, p.StreakAtual)
	assert.Equal(t, 3, p.MelhorStreak)
	assert.Equal(t, streak.OutcomeContinued, last.StreakOutcome)
	assert.Empty(t, last.Unlocked)
	assert.Equal(t, p.PontosTotais, f.store.LedgerTotal("u1"))
}

func TestRecordEvent_StreakBadgeUnlocksOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{streakBadge}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	for day := 1; day <= 2; day++ {
		res, err := h.Handle(ctx, attendance("u1", 40, f.onDay(day)))
		require.NoError(t, err)
		assert.Empty(t, res.Unlocked)
	}

	res, err := h.Handle(ctx, attendance("u1", 40, f.onDay(3)))
	require.NoError(t, err)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "streak-3", res.Unlocked[0].Badge.ID)
	require.NotNil(t, res.Unlocked[0].BonusGrant)
	assert.Equal(t, int64(50), res.Unlocked[0].BonusGrant.Points)
	assert.Equal(t, "badge:streak-3", res.Unlocked[0].BonusGrant.Reason)
	assert.Equal(t, int64(170), res.Profile.PontosTotais)
	assert.Equal(t, int64(90), res.PointsAdded())
	assert.Len(t, res.Grants, 2)

	// Still qualifying the following day: no second unlock, no second bonus.
	res, err = h.Handle(ctx, attendance("u1", 40, f.onDay(4)))
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)
	assert.Equal(t, int64(210), res.Profile.PontosTotais)

	owned, err := f.store.ListUserBadges(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
	assert.Equal(t, int64(210), f.store.LedgerTotal("u1"))
}

func TestRecordEvent_BonusDoesNotCascade(t *testing.T) {
	f := newFixture(t)
	pointsBadge := badge.Badge{
		ID:          "pontos-100",
		Nome:        "Cem pontos",
		Requisito:   badge.Requirement{Metric: badge.MetricTotalPoints, Min: 100},
		PontosBonus: 10,
		Ordem:       2,
	}
	// Reachable only through the bonus of pontos-100.
	cascading := badge.Badge{
		ID:          "pontos-105",
		Nome:        "Cento e cinco",
		Requisito:   badge.Requirement{Metric: badge.MetricTotalPoints, Min: 105},
		PontosBonus: 5,
		Ordem:       3,
	}
	require.NoError(t, f.store.SetCatalog([]badge.Badge{cascading, pointsBadge}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	res, err := h.Handle(ctx, attendance("u1", 100, f.onDay(1)))
	require.NoError(t, err)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "pontos-100", res.Unlocked[0].Badge.ID)
	assert.Equal(t, int64(110), res.Profile.PontosTotais)

	// The next event is a new evaluation pass.
	res, err = h.Handle(ctx, command.RecordEventCommand{UserID: "u1", Category: "content_study", OccurredAt: f.onDay(1)})
	require.NoError(t, err)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "pontos-105", res.Unlocked[0].Badge.ID)
	assert.Equal(t, int64(115), res.Profile.PontosTotais)
}

func TestRecordEvent_SimultaneousUnlocksInCatalogOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{
		{ID: "b", Nome: "B", Requisito: badge.Requirement{Metric: badge.MetricTotalPoints, Min: 10}, Ordem: 2},
		{ID: "a", Nome: "A", Requisito: badge.Requirement{Metric: badge.MetricCurrentStreak, Min: 1}, Ordem: 1, PontosBonus: 5},
		{ID: "c", Nome: "C", Requisito: badge.Requirement{Metric: badge.MetricCategoryCount, Category: "attendance", Min: 1}, Ordem: 3},
	}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())

	res, err := h.Handle(context.Background(), attendance("u1", 10, f.onDay(1)))
	require.NoError(t, err)
	require.Len(t, res.Unlocked, 3)
	assert.Equal(t, "a", res.Unlocked[0].Badge.ID)
	assert.Equal(t, "b", res.Unlocked[1].Badge.ID)
	assert.Equal(t, "c", res.Unlocked[2].Badge.ID)
	assert.Equal(t, int64(15), res.Profile.PontosTotais)
}

func TestRecordEvent_GapResetsStreak(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	for day := 1; day <= 3; day++ {
		_, err := h.Handle(ctx, attendance("u1", 40, f.onDay(day)))
		require.NoError(t, err)
	}

	res, err := h.Handle(ctx, attendance("u1", 40, f.onDay(5)))
	require.NoError(t, err)
	assert.Equal(t, streak.OutcomeReset, res.StreakOutcome)
	assert.Equal(t, 1, res.Profile.StreakAtual)
	assert.Equal(t, 3, res.Profile.MelhorStreak)
}

func TestRecordEvent_SameDayKeepsStreak(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	_, err := h.Handle(ctx, attendance("u1", 10, f.onDay(1)))
	require.NoError(t, err)
	res, err := h.Handle(ctx, attendance("u1", 10, f.onDay(1).Add(3*time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, streak.OutcomeSameDay, res.StreakOutcome)
	assert.Equal(t, 1, res.Profile.StreakAtual)
	assert.Equal(t, int64(20), res.Profile.PontosTotais)
}

func TestRecordEvent_ZeroPointsStillCountsActivity(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())

	res, err := h.Handle(context.Background(), command.RecordEventCommand{
		UserID:     "u1",
		Category:   "content_review",
		OccurredAt: f.onDay(1),
	})
	require.NoError(t, err)
	assert.True(t, res.ProfileCreated)
	assert.Empty(t, res.Grants)
	assert.Equal(t, int64(0), res.Profile.PontosTotais)
	assert.Equal(t, 1, res.Profile.Nivel)
	assert.Equal(t, 1, res.Profile.StreakAtual)
}

// ══════════════════════════════════════════════════════════════════════════════
// IDEMPOTENCY AND VALIDATION
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_DuplicateEventID(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	cmd := attendance("u1", 40, f.onDay(1))
	cmd.EventID = "evt-1"

	first, err := h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	f.publisher.reset()
	cmd.OccurredAt = f.onDay(2)
	second, err := h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(40), second.Profile.PontosTotais)
	assert.Equal(t, 1, second.Profile.StreakAtual, "a replay does not advance the streak")
	assert.Empty(t, f.publisher.types(), "nothing is published for a replay")
	assert.Equal(t, int64(40), f.store.LedgerTotal("u1"))
}

func TestRecordEvent_DuplicateZeroPointEventID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{{
		ID:        "streak-2",
		Nome:      "Dois dias",
		Requisito: badge.Requirement{Metric: badge.MetricCurrentStreak, Min: 2},
	}}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	cmd := attendance("u1", 0, f.onDay(1))
	cmd.EventID = "evt-0"

	first, err := h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, first.Profile.StreakAtual)

	f.publisher.reset()
	cmd.OccurredAt = f.onDay(2)
	second, err := h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, second.Profile.StreakAtual)
	assert.Empty(t, second.Unlocked)
	assert.Empty(t, f.publisher.types())

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.StreakAtual)
	owned, err := f.store.ListUserBadges(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestRecordEvent_ZeroPointEventsCountTowardCategoryBadges(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{{
		ID:        "presenca-2",
		Nome:      "Duas presenças",
		Requisito: badge.Requirement{Metric: badge.MetricCategoryCount, Category: "attendance", Min: 2},
	}}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	res, err := h.Handle(ctx, attendance("u1", 0, f.onDay(1)))
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)

	res, err = h.Handle(ctx, attendance("u1", 0, f.onDay(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Profile.StreakAtual)
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "presenca-2", res.Unlocked[0].Badge.ID)

	// A replay is not a qualifying event.
	cmd := command.RecordEventCommand{UserID: "u2", Category: "attendance", EventID: "evt-a", OccurredAt: f.onDay(1)}
	_, err = h.Handle(ctx, cmd)
	require.NoError(t, err)
	res, err = h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	owned, err := f.store.ListUserBadges(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

// extraCatalogStore serves catalog rows the store itself would refuse to
// seed, like an admin-edited row naming a metric this build does not know.
type extraCatalogStore struct {
	profile.Store
	extra []badge.Badge
}

func (s extraCatalogStore) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx profile.Tx) error) error {
	return s.Store.WithinUser(ctx, userID, func(ctx context.Context, tx profile.Tx) error {
		return fn(ctx, extraCatalogTx{Tx: tx, extra: s.extra})
	})
}

type extraCatalogTx struct {
	profile.Tx
	extra []badge.Badge
}

func (t extraCatalogTx) Catalog(ctx context.Context) ([]badge.Badge, error) {
	catalog, err := t.Tx.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return append(catalog, t.extra...), nil
}

func TestRecordEvent_UnknownMetricInCatalogNeverQualifies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{streakBadge}))
	unknown, err := badge.DecodeRequirement([]byte(`{"metric":"login_count","min":1}`))
	require.NoError(t, err)

	store := extraCatalogStore{Store: f.store, extra: []badge.Badge{{ID: "login-1", Nome: "Login", Requisito: unknown, PontosBonus: 99, Ordem: 9}}}
	h := f.handler(store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	var res *command.RecordEventResult
	for day := 1; day <= 3; day++ {
		res, err = h.Handle(ctx, attendance("u1", 10, f.onDay(day)))
		require.NoError(t, err)
	}
	require.Len(t, res.Unlocked, 1)
	assert.Equal(t, "streak-3", res.Unlocked[0].Badge.ID)
	assert.Equal(t, int64(80), res.Profile.PontosTotais)
}

func TestRecordEvent_Validation(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())

	tests := []struct {
		name string
		cmd  command.RecordEventCommand
	}{
		{"empty user", command.RecordEventCommand{Category: "attendance", Points: 1}},
		{"negative points", command.RecordEventCommand{UserID: "u1", Category: "attendance", Points: -5}},
		{"unknown category", command.RecordEventCommand{UserID: "u1", Category: "karaoke", Points: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err))
		})
	}

	_, err := f.store.GetProfile(context.Background(), "u1")
	assert.True(t, shared.IsNotFound(err), "rejected events leave no state behind")
}

func TestRecordEvent_RequireExistingProfile(t *testing.T) {
	f := newFixture(t)
	cfg := command.DefaultRecordEventHandlerConfig()
	cfg.RequireExistingProfile = true
	h := f.handler(f.store, cfg)

	_, err := h.Handle(context.Background(), attendance("ghost", 40, f.onDay(1)))
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
	assert.True(t, errors.Is(err, profile.ErrProfileMissing))
	assert.Equal(t, int64(0), f.store.LedgerTotal("ghost"))
}

// ══════════════════════════════════════════════════════════════════════════════
// CONCURRENCY
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	store := &conflictingStore{Store: f.store, failures: 2}
	h := f.handler(store, command.DefaultRecordEventHandlerConfig())

	res, err := h.Handle(context.Background(), attendance("u1", 40, f.onDay(1)))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(40), res.Profile.PontosTotais)
	assert.Equal(t, int64(40), f.store.LedgerTotal("u1"))
}

func TestRecordEvent_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	store := &conflictingStore{Store: f.store, failures: 100}
	h := f.handler(store, command.RecordEventHandlerConfig{MaxConflictRetries: 2})

	_, err := h.Handle(context.Background(), attendance("u1", 40, f.onDay(1)))
	require.Error(t, err)
	assert.True(t, shared.IsConcurrencyConflict(err))
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, f.publisher.types())
}

func TestRecordEvent_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(ctx, attendance("u1", 15, f.onDay(1)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*15), p.PontosTotais)
	assert.Equal(t, p.PontosTotais, f.store.LedgerTotal("u1"))
	assert.NoError(t, p.CheckInvariants(f.rules))
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetCatalog([]badge.Badge{
		{ID: "first", Nome: "Primeiro passo", Requisito: badge.Requirement{Metric: badge.MetricTotalPoints, Min: 1}, PontosBonus: 5},
	}))
	h := f.handler(f.store, command.DefaultRecordEventHandlerConfig())

	cmd := attendance("u1", 120, f.onDay(1))
	cmd.CorrelationID = "req-42"
	_, err := h.Handle(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, []shared.EventType{
		shared.EventPointsGranted,
		shared.EventPointsGranted,
		shared.EventBadgeUnlocked,
		shared.EventProfileChanged,
	}, f.publisher.types())

	changed, ok := f.publisher.events[3].(shared.ProfileChangedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(125), changed.PontosTotais)
	assert.Equal(t, int64(125), changed.PointsDelta)
	assert.True(t, changed.LeveledUp())
	assert.Equal(t, "req-42", changed.CorrelationID)

	unlocked, ok := f.publisher.events[2].(shared.BadgeUnlockedEvent)
	require.True(t, ok)
	assert.Equal(t, "first", unlocked.BadgeID)
}
