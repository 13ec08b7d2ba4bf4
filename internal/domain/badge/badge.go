// Package badge defines the badge catalog, structured unlock requirements
// and the pure evaluator that decides which badges newly qualify.
package badge

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

// Metric names a statistic a requirement can test.
type Metric string

const (
	MetricTotalPoints   Metric = "pontos_totais"
	MetricLevel         Metric = "nivel"
	MetricCurrentStreak Metric = "streak_atual"
	MetricBestStreak    Metric = "melhor_streak"
	MetricCategoryCount Metric = "category_count"
)

// Requirement is the structured unlock condition stored as requisito.
//
//	{"metric": "streak_atual", "min": 3}
//	{"metric": "category_count", "category": "attendance", "min": 10}
//	{"all": [{...}, {...}]}
type Requirement struct {
	Metric   Metric          `json:"metric,omitempty" yaml:"metric,omitempty"`
	Category ledger.Category `json:"category,omitempty" yaml:"category,omitempty"`
	Min      int64           `json:"min,omitempty" yaml:"min,omitempty"`
	All      []Requirement   `json:"all,omitempty" yaml:"all,omitempty"`
}

// Validate checks that the requirement can ever be evaluated.
func (r Requirement) Validate() error {
	if len(r.All) > 0 {
		if r.Metric != "" {
			return shared.Validationf("badge", "Validate", "requirement mixes metric %q with all", r.Metric)
		}
		for _, child := range r.All {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	switch r.Metric {
	case MetricTotalPoints, MetricLevel, MetricCurrentStreak, MetricBestStreak:
	case MetricCategoryCount:
		if !r.Category.IsValid() {
			return shared.Validationf("badge", "Validate", "category_count needs a known category, got %q", r.Category)
		}
	case "":
		return shared.Validationf("badge", "Validate", "requirement has no metric")
	default:
		return shared.Validationf("badge", "Validate", "unknown metric %q", r.Metric)
	}
	if r.Min < 0 {
		return shared.Validationf("badge", "Validate", "requirement min must not be negative")
	}
	return nil
}

// Stats is what requirements are checked against.
type Stats struct {
	TotalPoints   int64
	Level         int
	CurrentStreak int
	BestStreak    int
	Counters      ledger.Counters
}

// Met reports whether the stats satisfy the requirement.
// Unknown metrics never qualify.
func (r Requirement) Met(s Stats) bool {
	if len(r.All) > 0 {
		for _, child := range r.All {
			if !child.Met(s) {
				return false
			}
		}
		return true
	}

	switch r.Metric {
	case MetricTotalPoints:
		return s.TotalPoints >= r.Min
	case MetricLevel:
		return int64(s.Level) >= r.Min
	case MetricCurrentStreak:
		return int64(s.CurrentStreak) >= r.Min
	case MetricBestStreak:
		return int64(s.BestStreak) >= r.Min
	case MetricCategoryCount:
		return s.Counters.Count(r.Category) >= r.Min
	default:
		return false
	}
}

// String renders the requirement for logs and API output.
func (r Requirement) String() string {
	if len(r.All) > 0 {
		parts := make([]string, len(r.All))
		for i, child := range r.All {
			parts[i] = child.String()
		}
		return strings.Join(parts, " AND ")
	}
	if r.Metric == MetricCategoryCount {
		return "count(category=" + string(r.Category) + ") >= " + itoa(r.Min)
	}
	return string(r.Metric) + " >= " + itoa(r.Min)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// DecodeRequirement decodes a stored requisito without validating it.
// Catalog reads use it: a metric this build does not know decodes fine and
// never qualifies. Only malformed JSON is an error.
func DecodeRequirement(raw []byte) (Requirement, error) {
	var r Requirement
	if err := json.Unmarshal(raw, &r); err != nil {
		return Requirement{}, shared.WrapError("badge", "DecodeRequirement", shared.ErrInvalidInput, "malformed requisito", err)
	}
	return r, nil
}

// ParseRequirement decodes and validates a requisito. Used when seeding.
func ParseRequirement(raw []byte) (Requirement, error) {
	r, err := DecodeRequirement(raw)
	if err != nil {
		return Requirement{}, err
	}
	if err := r.Validate(); err != nil {
		return Requirement{}, err
	}
	return r, nil
}

// Badge is one catalog entry. The engine only reads the catalog.
type Badge struct {
	ID          string
	Nome        string
	Descricao   string
	Icone       string
	Tipo        string
	Requisito   Requirement
	PontosBonus int64
	Cor         string
	// Ordem is the catalog position used to report simultaneous unlocks in a fixed order.
	Ordem int
}

// Validate checks a catalog entry.
func (b Badge) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return shared.Validationf("badge", "Validate", "badge id is required")
	}
	if strings.TrimSpace(b.Nome) == "" {
		return shared.Validationf("badge", "Validate", "badge %s has no nome", b.ID)
	}
	if b.PontosBonus < 0 {
		return shared.Validationf("badge", "Validate", "badge %s has negative pontos_bonus", b.ID)
	}
	return b.Requisito.Validate()
}

// SortCatalog orders badges by (Ordem, ID) in place.
func SortCatalog(catalog []Badge) {
	sort.SliceStable(catalog, func(i, j int) bool {
		if catalog[i].Ordem != catalog[j].Ordem {
			return catalog[i].Ordem < catalog[j].Ordem
		}
		return catalog[i].ID < catalog[j].ID
	})
}

// UserBadge records that a user unlocked a badge. Created once, never removed.
type UserBadge struct {
	UserID        string
	BadgeID       string
	ConquistadoEm time.Time
}

// ErrBadgeNotFound is returned when a referenced badge is not in the catalog.
var ErrBadgeNotFound = shared.NewDomainError("badge", "Find", shared.ErrNotFound, "badge not found")
