// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/leaderboard"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/logger"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Получает страницу лидерборда, пересчитанную из профилей на момент запроса.
// Поддерживает фильтр по когорте, окно давности и пагинацию смещением.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery содержит параметры запроса лидерборда.
type GetLeaderboardQuery struct {
	// CohortID - фильтр по когорте (пустая строка = все пользователи).
	CohortID string

	// Window - weekly, monthly или all_time (пустая строка = all_time).
	Window string

	// Limit - количество записей (0 = максимум, больше максимума обрезается).
	Limit int

	// Offset - смещение для пагинации.
	Offset int
}

// normalize проверяет параметры и приводит лимит к допустимому диапазону.
func (q *GetLeaderboardQuery) normalize(maxLimit int) error {
	if q.Limit < 0 {
		return shared.NewDomainError("query", "GetLeaderboard", shared.ErrNegativeValue, "limit cannot be negative")
	}
	if q.Offset < 0 {
		return shared.NewDomainError("query", "GetLeaderboard", shared.ErrNegativeValue, "offset cannot be negative")
	}
	if q.Limit == 0 || q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	q.CohortID = strings.TrimSpace(q.CohortID)
	return nil
}

// GetLeaderboardResult содержит результат запроса лидерборда.
type GetLeaderboardResult struct {
	// Entries - записи лидерборда в порядке позиций.
	Entries []leaderboard.LeaderboardEntry `json:"entries"`

	// CohortID - когорта, по которой фильтровали (пустая = все).
	CohortID string `json:"cohort_id,omitempty"`

	// Window - применённое окно.
	Window leaderboard.Window `json:"window"`

	// Since - первый день окна; отсутствует для all_time.
	Since *time.Time `json:"since,omitempty"`

	Limit  int `json:"limit"`
	Offset int `json:"offset"`

	// GeneratedAt - время генерации результата.
	GeneratedAt time.Time `json:"generated_at"`
}

// GetLeaderboardHandler обрабатывает запросы на получение лидерборда.
type GetLeaderboardHandler struct {
	repo      leaderboard.Repository
	directory leaderboard.CohortDirectory
	names     leaderboard.NameResolver
	calendar  timeutil.Calendar
	clock     timeutil.Clock
	log       *logger.Logger
	maxLimit  int
}

// NewGetLeaderboardHandler создаёт новый обработчик запроса лидерборда.
// names может быть nil: тогда отображаемым именем служит user_id.
func NewGetLeaderboardHandler(
	repo leaderboard.Repository,
	directory leaderboard.CohortDirectory,
	names leaderboard.NameResolver,
	calendar timeutil.Calendar,
	clock timeutil.Clock,
	log *logger.Logger,
	maxLimit int,
) *GetLeaderboardHandler {
	if maxLimit <= 0 {
		maxLimit = leaderboard.DefaultLimit
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &GetLeaderboardHandler{
		repo:      repo,
		directory: directory,
		names:     names,
		calendar:  calendar,
		clock:     clock,
		log:       log.With(logger.Component("get_leaderboard")),
		maxLimit:  maxLimit,
	}
}

// Handle выполняет запрос на получение лидерборда.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, query GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	// Валидация входных данных
	if err := query.normalize(h.maxLimit); err != nil {
		return nil, err
	}
	window, err := leaderboard.ParseWindow(query.Window)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	opts := leaderboard.QueryOptions{
		Since:  window.Since(h.calendar.Day(now)),
		Limit:  query.Limit,
		Offset: query.Offset,
	}

	// Когорта
	if query.CohortID != "" {
		cohort, err := shared.NewCohortID(query.CohortID)
		if err != nil {
			return nil, err
		}
		members, err := h.directory.Members(ctx, cohort)
		if err != nil {
			return nil, err
		}
		if members == nil {
			members = []string{}
		}
		opts.Members = members
	}

	if err := opts.Validate(h.maxLimit); err != nil {
		return nil, err
	}

	page, err := h.repo.Candidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	names := h.resolveNames(ctx, page)

	return &GetLeaderboardResult{
		Entries:     leaderboard.Assign(page, query.Offset, names),
		CohortID:    query.CohortID,
		Window:      window,
		Since:       opts.Since,
		Limit:       query.Limit,
		Offset:      query.Offset,
		GeneratedAt: now.UTC(),
	}, nil
}

// resolveNames получает отображаемые имена. Ошибка справочника не критична:
// записи просто покажут user_id.
func (h *GetLeaderboardHandler) resolveNames(ctx context.Context, page []leaderboard.Candidate) leaderboard.Names {
	if h.names == nil || len(page) == 0 {
		return nil
	}
	ids := make([]string, len(page))
	for i, c := range page {
		ids[i] = c.UserID
	}
	names, err := h.names.DisplayNames(ctx, ids)
	if err != nil {
		h.log.Warn("display names unavailable", logger.Err(err), logger.Int("count", len(ids)))
		return nil
	}
	return names
}
