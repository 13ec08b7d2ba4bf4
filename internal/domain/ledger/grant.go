// Package ledger defines the append-only points ledger.
// A PointGrant is never mutated or deleted once written; a user's lifetime
// total is always the sum of their grants.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

// Category classifies what earned the points.
type Category string

const (
	CategoryAttendance    Category = "attendance"
	CategoryContentStudy  Category = "content_study"
	CategoryContentReview Category = "content_review"
	CategoryBonus         Category = "bonus"
)

// Categories lists every known category in a fixed order.
func Categories() []Category {
	return []Category{CategoryAttendance, CategoryContentStudy, CategoryContentReview, CategoryBonus}
}

// IsValid checks if the category is known.
func (c Category) IsValid() bool {
	switch c {
	case CategoryAttendance, CategoryContentStudy, CategoryContentReview, CategoryBonus:
		return true
	}
	return false
}

// ParseCategory normalizes and validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		known := make([]string, 0, len(Categories()))
		for _, k := range Categories() {
			known = append(known, string(k))
		}
		return "", shared.NewDomainError("ledger", "ParseCategory", shared.ErrInvalidInput,
			"unknown category "+s+" (want one of "+strings.Join(known, ", ")+")")
	}
	return c, nil
}

// MaxReasonLength bounds the free-form reason tag.
const MaxReasonLength = 200

// PointGrant is one immutable ledger entry.
type PointGrant struct {
	ID       string
	UserID   string
	Points   int64
	Reason   string
	Category Category
	// SourceEventID is the producer's event id, if it sent one.
	// (UserID, SourceEventID) is unique when set.
	SourceEventID string
	GrantedAt     time.Time
}

// NewGrant validates and builds a grant with a fresh id.
// Reason defaults to the category name.
func NewGrant(userID string, points int64, category Category, reason, sourceEventID string, at time.Time) (PointGrant, error) {
	if strings.TrimSpace(userID) == "" {
		return PointGrant{}, shared.NewDomainError("ledger", "NewGrant", shared.ErrEmptyValue, "user id is required")
	}
	if points <= 0 {
		return PointGrant{}, shared.NewDomainError("ledger", "NewGrant", shared.ErrValueOutOfRange, "points must be positive")
	}
	if !category.IsValid() {
		return PointGrant{}, shared.NewDomainError("ledger", "NewGrant", shared.ErrInvalidInput, "unknown category "+string(category))
	}
	if at.IsZero() {
		return PointGrant{}, shared.NewDomainError("ledger", "NewGrant", shared.ErrEmptyValue, "grant timestamp is required")
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = string(category)
	}
	if len(reason) > MaxReasonLength {
		return PointGrant{}, shared.NewDomainError("ledger", "NewGrant", shared.ErrValueOutOfRange, "reason is too long")
	}

	return PointGrant{
		ID:            uuid.NewString(),
		UserID:        userID,
		Points:        points,
		Reason:        reason,
		Category:      category,
		SourceEventID: strings.TrimSpace(sourceEventID),
		GrantedAt:     at.UTC(),
	}, nil
}

// BonusReason is the reason tag used for a badge unlock bonus.
func BonusReason(badgeID string) string {
	return "badge:" + badgeID
}

// NewBonusGrant builds the single bonus grant issued when a badge unlocks.
func NewBonusGrant(userID, badgeID string, points int64, at time.Time) (PointGrant, error) {
	return NewGrant(userID, points, CategoryBonus, BonusReason(badgeID), "", at)
}

// Sum returns the total points of the given grants.
func Sum(grants []PointGrant) int64 {
	var total int64
	for _, g := range grants {
		total += g.Points
	}
	return total
}

// Counters holds the number of qualifying events per category for one user.
// Zero-point events count; badge bonus grants do not.
type Counters map[Category]int64

// Count returns the counter for a category, zero when absent.
func (c Counters) Count(cat Category) int64 {
	if c == nil {
		return 0
	}
	return c[cat]
}

// Add increments the counter for cat.
func (c Counters) Add(cat Category) {
	c[cat]++
}

// Merge adds every counter of other into c.
func (c Counters) Merge(other Counters) {
	for k, v := range other {
		c[k] += v
	}
}

// Clone returns an independent copy.
func (c Counters) Clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
