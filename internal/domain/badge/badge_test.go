package badge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

func catalog() []Badge {
	return []Badge{
		{ID: "points-100", Nome: "Centena", Ordem: 3, Requisito: Requirement{Metric: MetricTotalPoints, Min: 100}},
		{ID: "streak-3", Nome: "Tres dias", Ordem: 1, PontosBonus: 50, Requisito: Requirement{Metric: MetricCurrentStreak, Min: 3}},
		{ID: "attendance-3", Nome: "Presente", Ordem: 2, Requisito: Requirement{Metric: MetricCategoryCount, Category: ledger.CategoryAttendance, Min: 3}},
		{ID: "level-5", Nome: "Veterano", Ordem: 4, Requisito: Requirement{Metric: MetricLevel, Min: 5}},
	}
}

func TestEvaluate_CatalogOrder(t *testing.T) {
	stats := Stats{
		TotalPoints:   120,
		Level:         2,
		CurrentStreak: 3,
		BestStreak:    3,
		Counters:      ledger.Counters{ledger.CategoryAttendance: 3},
	}

	got := Evaluate(stats, catalog(), nil)

	require.Len(t, got, 3)
	assert.Equal(t, "streak-3", got[0].ID)
	assert.Equal(t, "attendance-3", got[1].ID)
	assert.Equal(t, "points-100", got[2].ID)
}

func TestEvaluate_SkipsOwned(t *testing.T) {
	stats := Stats{TotalPoints: 500, CurrentStreak: 10, Counters: ledger.Counters{}}
	owned := OwnedSet([]UserBadge{{UserID: "u1", BadgeID: "streak-3"}})

	got := Evaluate(stats, catalog(), owned)

	require.Len(t, got, 1)
	assert.Equal(t, "points-100", got[0].ID)
}

func TestEvaluate_Idempotent(t *testing.T) {
	stats := Stats{TotalPoints: 120, CurrentStreak: 3, Counters: ledger.Counters{}}

	first := Evaluate(stats, catalog(), nil)
	owned := map[string]bool{}
	for _, b := range first {
		owned[b.ID] = true
	}
	second := Evaluate(stats, catalog(), owned)

	assert.NotEmpty(t, first)
	assert.Empty(t, second)
}

func TestEvaluate_TieOnOrdemUsesID(t *testing.T) {
	cat := []Badge{
		{ID: "b", Nome: "B", Requisito: Requirement{Metric: MetricTotalPoints, Min: 0}},
		{ID: "a", Nome: "A", Requisito: Requirement{Metric: MetricTotalPoints, Min: 0}},
	}
	got := Evaluate(Stats{}, cat, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", cat[0].ID, "input catalog is not reordered")
}

func TestRequirement_All(t *testing.T) {
	req := Requirement{All: []Requirement{
		{Metric: MetricBestStreak, Min: 7},
		{Metric: MetricCategoryCount, Category: ledger.CategoryContentReview, Min: 2},
	}}

	assert.False(t, req.Met(Stats{BestStreak: 7, Counters: ledger.Counters{ledger.CategoryContentReview: 1}}))
	assert.True(t, req.Met(Stats{BestStreak: 8, Counters: ledger.Counters{ledger.CategoryContentReview: 2}}))
	assert.Equal(t, "melhor_streak >= 7 AND count(category=content_review) >= 2", req.String())
}

func TestRequirement_UnknownMetricNeverQualifies(t *testing.T) {
	req := Requirement{Metric: Metric("karma"), Min: 0}
	assert.False(t, req.Met(Stats{TotalPoints: 1 << 40}))
	assert.True(t, shared.IsValidation(req.Validate()))
}

func TestParseRequirement(t *testing.T) {
	req, err := ParseRequirement([]byte(`{"metric":"category_count","category":"attendance","min":10}`))
	require.NoError(t, err)
	assert.Equal(t, MetricCategoryCount, req.Metric)
	assert.Equal(t, ledger.CategoryAttendance, req.Category)
	assert.Equal(t, int64(10), req.Min)

	_, err = ParseRequirement([]byte(`{"metric":"category_count","category":"nope","min":1}`))
	assert.True(t, shared.IsValidation(err))

	_, err = ParseRequirement([]byte(`{not json`))
	assert.True(t, shared.IsValidation(err))
}

func TestDecodeRequirement_UnknownMetricNeverQualifies(t *testing.T) {
	raw := []byte(`{"metric":"login_count","min":1}`)

	_, err := ParseRequirement(raw)
	assert.True(t, shared.IsValidation(err), "seeding rejects unknown metrics")

	req, err := DecodeRequirement(raw)
	require.NoError(t, err)
	assert.Equal(t, Metric("login_count"), req.Metric)
	assert.False(t, req.Met(Stats{TotalPoints: 1 << 40, Level: 99, CurrentStreak: 99, BestStreak: 99}))

	nested, err := DecodeRequirement([]byte(`{"all":[{"metric":"streak_atual","min":1},{"metric":"login_count","min":1}]}`))
	require.NoError(t, err)
	assert.False(t, nested.Met(Stats{CurrentStreak: 5}))

	catalog := []Badge{
		{ID: "login", Nome: "Login", Requisito: req, Ordem: 1},
		{ID: "streak", Nome: "Streak", Requisito: Requirement{Metric: MetricCurrentStreak, Min: 1}, Ordem: 2},
	}
	got := Evaluate(Stats{CurrentStreak: 1}, catalog, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "streak", got[0].ID)

	_, err = DecodeRequirement([]byte(`{"metric":`))
	assert.True(t, shared.IsValidation(err))
}

func TestBadge_Validate(t *testing.T) {
	ok := catalog()[1]
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.PontosBonus = -1
	assert.True(t, shared.IsValidation(bad.Validate()))

	bad = ok
	bad.Nome = ""
	assert.True(t, shared.IsValidation(bad.Validate()))
}
