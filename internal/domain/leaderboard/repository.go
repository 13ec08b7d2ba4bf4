package leaderboard

import (
	"context"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// QUERY OPTIONS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultLimit - размер страницы по умолчанию и верхняя граница.
	DefaultLimit = 50
)

// QueryOptions - параметры выборки кандидатов.
type QueryOptions struct {
	// Members ограничивает выборку участниками когорты; nil - все пользователи.
	Members []string

	// Since - первый день окна; nil - без фильтра по давности.
	Since *time.Time

	Limit  int
	Offset int
}

// Validate проверяет пагинацию относительно maxLimit.
func (o QueryOptions) Validate(maxLimit int) error {
	if o.Limit <= 0 || o.Limit > maxLimit {
		return shared.Validationf("leaderboard", "Validate", "limit must be between 1 and %d", maxLimit)
	}
	if o.Offset < 0 {
		return shared.Validationf("leaderboard", "Validate", "offset must not be negative")
	}
	return nil
}

// MemberSet превращает список участников в множество для RankCandidates.
func (o QueryOptions) MemberSet() map[string]bool {
	if o.Members == nil {
		return nil
	}
	set := make(map[string]bool, len(o.Members))
	for _, id := range o.Members {
		set[id] = true
	}
	return set
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORIES
// ══════════════════════════════════════════════════════════════════════════════

// Repository читает упорядоченных кандидатов из хранилища профилей.
// Порядок обязан совпадать с Less.
type Repository interface {
	// Candidates возвращает страницу кандидатов в порядке лидерборда.
	Candidates(ctx context.Context, opts QueryOptions) ([]Candidate, error)
}

// CohortDirectory - внешнее отношение зачисления.
type CohortDirectory interface {
	// Members возвращает участников когорты; shared.ErrNotFound, если когорты нет.
	Members(ctx context.Context, cohort shared.CohortID) ([]string, error)
}

// NameResolver - внешний справочник отображаемых имён.
type NameResolver interface {
	// DisplayNames возвращает имена для известных пользователей; отсутствующие
	// просто не попадают в результат.
	DisplayNames(ctx context.Context, userIDs []string) (Names, error)
}

// ErrCohortNotFound возвращается для неизвестной когорты.
var ErrCohortNotFound = shared.NewDomainError("leaderboard", "Members", shared.ErrNotFound, "cohort not found")
