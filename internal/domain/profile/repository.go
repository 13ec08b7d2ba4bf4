package profile

import (
	"context"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
)

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

// Store runs per-user units of work. Implementations guarantee that two
// units for the same user never interleave (row lock or mutex) and that a
// unit either commits completely or leaves no trace.
type Store interface {
	// WithinUser runs fn with exclusive access to userID's aggregate.
	// If fn returns an error everything it wrote is discarded.
	// Lost races surface as shared.ErrConcurrencyConflict, an unreachable
	// store as shared.ErrStoreUnavailable.
	WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of the store inside one unit of work. All methods are
// scoped to the unit's user except Catalog.
type Tx interface {
	// LoadProfile returns the user's profile, locked for the rest of the unit.
	// When it does not exist and create is true a default profile is created
	// and created=true is returned; when create is false ErrProfileMissing is returned.
	LoadProfile(ctx context.Context, create bool) (p *Profile, created bool, err error)

	// SaveProfile persists the profile.
	SaveProfile(ctx context.Context, p *Profile) error

	// MarkProcessed records one inbound event: the category counter is
	// incremented and a non-empty eventID is remembered. It returns false
	// without writing when eventID was already recorded for the user.
	MarkProcessed(ctx context.Context, eventID string, category ledger.Category, at time.Time) (bool, error)

	// AppendGrant inserts a ledger entry. It returns false without writing
	// when a grant with the same SourceEventID already exists for the user.
	AppendGrant(ctx context.Context, g ledger.PointGrant) (bool, error)

	// Counters returns the number of processed events per category for the
	// user, including the ones recorded earlier in this unit.
	Counters(ctx context.Context) (ledger.Counters, error)

	// UserBadges returns the user's unlocks.
	UserBadges(ctx context.Context) ([]badge.UserBadge, error)

	// InsertUserBadge records an unlock. It returns false without writing
	// when the pair already exists.
	InsertUserBadge(ctx context.Context, ub badge.UserBadge) (bool, error)

	// Catalog returns the badge catalog in catalog order.
	Catalog(ctx context.Context) ([]badge.Badge, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// READ SIDE
// ══════════════════════════════════════════════════════════════════════════════

// Reader serves read-only profile queries outside any unit of work.
type Reader interface {
	// GetProfile returns ErrProfileNotFound when the user has no profile.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// ListGrants returns the user's ledger, newest first.
	ListGrants(ctx context.Context, userID string, limit, offset int) ([]ledger.PointGrant, error)

	// ListUserBadges returns the user's unlocks, oldest first.
	ListUserBadges(ctx context.Context, userID string) ([]badge.UserBadge, error)
}

// CatalogReader reads the badge catalog.
type CatalogReader interface {
	// ListBadges returns the catalog in catalog order.
	ListBadges(ctx context.Context) ([]badge.Badge, error)
}

// Drift is a profile whose cached total disagrees with the sum of its ledger.
type Drift struct {
	UserID       string
	PontosTotais int64
	LedgerTotal  int64
}

// Auditor finds profiles whose cached totals drifted from the ledger.
type Auditor interface {
	// FindDrift returns every drifted profile, ordered by user id.
	FindDrift(ctx context.Context) ([]Drift, error)
}
