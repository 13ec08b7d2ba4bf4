// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/ledger"
	"github.com/alem-hub/gamification-engine/internal/domain/profile"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/domain/streak"
	"github.com/alem-hub/gamification-engine/pkg/logger"
	"github.com/alem-hub/gamification-engine/pkg/retry"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD EVENT COMMAND
// Applies one qualifying activity to a user's gamification state: ledger
// append, progression, streak, a single badge evaluation pass and bonus
// grants, all inside one per-user unit of work.
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventCommand is an inbound activity event.
type RecordEventCommand struct {
	// UserID is the external user reference.
	UserID string

	// Category is the ledger category name, e.g. "attendance".
	Category string

	// Points awarded by the producer. Zero records activity without a grant.
	Points int64

	// OccurredAt is when the activity happened (defaults to now if zero).
	// Its calendar day in the canonical zone drives the streak.
	OccurredAt time.Time

	// Reason is an optional free-form tag; defaults to the category.
	Reason string

	// EventID is the producer's idempotency key (optional).
	EventID string

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordEventCommand) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return shared.NewDomainError("record_event", "Validate", shared.ErrEmptyValue, "user_id is required")
	}
	if len(c.UserID) > shared.MaxIDLength || len(c.EventID) > shared.MaxIDLength {
		return shared.NewDomainError("record_event", "Validate", shared.ErrInvalidID, "identifier is too long")
	}
	if c.Points < 0 {
		return shared.NewDomainError("record_event", "Validate", shared.ErrNegativeValue, "points must not be negative")
	}
	if _, err := ledger.ParseCategory(c.Category); err != nil {
		return err
	}
	if len(c.Reason) > ledger.MaxReasonLength {
		return shared.NewDomainError("record_event", "Validate", shared.ErrValueOutOfRange, "reason is too long")
	}
	return nil
}

// UnlockedBadge pairs a catalog badge with its unlock time.
type UnlockedBadge struct {
	Badge         badge.Badge
	ConquistadoEm time.Time
	// BonusGrant is the bonus ledger entry, nil when the badge has no bonus.
	BonusGrant *ledger.PointGrant
}

// RecordEventResult contains the result of recording an event.
type RecordEventResult struct {
	// Profile is the committed profile.
	Profile *profile.Profile

	// Grants contains every ledger entry written: the event grant first,
	// then badge bonuses in catalog order.
	Grants []ledger.PointGrant

	// Unlocked lists badges unlocked by this event, in catalog order.
	Unlocked []UnlockedBadge

	// StreakOutcome tells what happened to the streak.
	StreakOutcome streak.Outcome

	// PreviousLevel is the level before the event.
	PreviousLevel int

	// ProfileCreated is true when the profile was created by this event.
	ProfileCreated bool

	// Duplicate is true when the event id was already recorded; nothing changed.
	Duplicate bool

	// Attempts is how many times the unit of work ran.
	Attempts int
}

// LeveledUp reports whether the event crossed a level threshold.
func (r *RecordEventResult) LeveledUp() bool {
	return r.Profile != nil && r.Profile.Nivel > r.PreviousLevel
}

// PointsAdded is the sum of every grant written by the event.
func (r *RecordEventResult) PointsAdded() int64 {
	return ledger.Sum(r.Grants)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventHandler handles the RecordEventCommand.
type RecordEventHandler struct {
	store          profile.Store
	rules          *progression.Rules
	calendar       timeutil.Calendar
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	log            *logger.Logger

	// Configuration
	maxAttempts     int
	requireExisting bool
}

// RecordEventHandlerConfig contains configuration for the handler.
type RecordEventHandlerConfig struct {
	// MaxConflictRetries bounds how many times a unit of work that lost a
	// concurrency race is re-run (total attempts = 1 + retries).
	MaxConflictRetries int

	// RequireExistingProfile disables lazy profile creation.
	RequireExistingProfile bool
}

// DefaultRecordEventHandlerConfig returns default configuration.
func DefaultRecordEventHandlerConfig() RecordEventHandlerConfig {
	return RecordEventHandlerConfig{
		MaxConflictRetries: 3,
	}
}

// NewRecordEventHandler creates a new RecordEventHandler.
func NewRecordEventHandler(
	store profile.Store,
	rules *progression.Rules,
	calendar timeutil.Calendar,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
	config RecordEventHandlerConfig,
) *RecordEventHandler {
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Default()
	}

	return &RecordEventHandler{
		store:           store,
		rules:           rules,
		calendar:        calendar,
		clock:           clock,
		eventPublisher:  eventPublisher,
		log:             log.With(logger.Component("record_event")),
		maxAttempts:     config.MaxConflictRetries + 1,
		requireExisting: config.RequireExistingProfile,
	}
}

// Handle executes the record event command.
func (h *RecordEventHandler) Handle(ctx context.Context, cmd RecordEventCommand) (*RecordEventResult, error) {
	// Validate command
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_event: validation failed: %w", err)
	}
	category, _ := ledger.ParseCategory(cmd.Category)
	userID := strings.TrimSpace(cmd.UserID)

	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.clock.Now()
	}

	log := h.log.With(logger.UserID(userID))
	if cmd.CorrelationID != "" {
		log = log.WithRequestID(cmd.CorrelationID)
	}

	retrier := retry.ConflictRetrier(h.maxAttempts, shared.IsConcurrencyConflict)

	var result *RecordEventResult
	attempts := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := h.apply(ctx, userID, category, cmd, occurredAt)
		if err != nil {
			if shared.IsConcurrencyConflict(err) {
				log.Warn("concurrent update, retrying", logger.Int("attempt", attempts), logger.Err(err))
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if shared.IsConcurrencyConflict(err) {
			log.Error("conflict retries exhausted", logger.Int("attempts", attempts))
			return nil, fmt.Errorf("record_event: gave up after %d attempts: %w", attempts, err)
		}
		return nil, fmt.Errorf("record_event: %w", err)
	}
	result.Attempts = attempts

	if result.Duplicate {
		log.Info("duplicate event ignored", logger.String("event_id", cmd.EventID))
		return result, nil
	}

	log.Debug("event applied",
		logger.Points(result.PointsAdded()),
		logger.Int("nivel", result.Profile.Nivel),
		logger.Int("streak_atual", result.Profile.StreakAtual),
		logger.Int("unlocked", len(result.Unlocked)),
	)

	h.publish(result, cmd.CorrelationID, log)
	return result, nil
}

// errReplay aborts a unit of work for an event that was already applied,
// so nothing it staged is committed.
var errReplay = errors.New("event already processed")

// apply runs one attempt of the unit of work.
func (h *RecordEventHandler) apply(
	ctx context.Context,
	userID string,
	category ledger.Category,
	cmd RecordEventCommand,
	occurredAt time.Time,
) (*RecordEventResult, error) {
	result := &RecordEventResult{}
	now := h.clock.Now()
	eventID := strings.TrimSpace(cmd.EventID)

	err := h.store.WithinUser(ctx, userID, func(ctx context.Context, tx profile.Tx) error {
		prof, created, err := tx.LoadProfile(ctx, !h.requireExisting)
		if err != nil {
			return err
		}
		result.ProfileCreated = created
		result.PreviousLevel = prof.Nivel

		// Replay detection covers zero-point events too.
		fresh, err := tx.MarkProcessed(ctx, eventID, category, occurredAt)
		if err != nil {
			return err
		}
		if !fresh {
			result.Profile = prof
			return errReplay
		}

		// Ledger append
		if cmd.Points > 0 {
			grant, err := ledger.NewGrant(userID, cmd.Points, category, cmd.Reason, eventID, occurredAt)
			if err != nil {
				return err
			}
			inserted, err := tx.AppendGrant(ctx, grant)
			if err != nil {
				return err
			}
			if !inserted {
				result.Profile = prof
				return errReplay
			}
			prof.AddPoints(grant.Points, h.rules)
			result.Grants = append(result.Grants, grant)
		}

		// Streak
		res := prof.RecordActivity(h.calendar, occurredAt)
		result.StreakOutcome = res.Outcome

		// Single badge evaluation pass. Bonus grants below never re-enter it.
		if err := h.unlockBadges(ctx, tx, prof, now, result); err != nil {
			return err
		}

		prof.AtualizadoEm = now
		if err := prof.CheckInvariants(h.rules); err != nil {
			return err
		}
		if err := tx.SaveProfile(ctx, prof); err != nil {
			return err
		}
		result.Profile = prof
		return nil
	})
	if errors.Is(err, errReplay) {
		return &RecordEventResult{Profile: result.Profile, PreviousLevel: result.PreviousLevel, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (h *RecordEventHandler) unlockBadges(
	ctx context.Context,
	tx profile.Tx,
	prof *profile.Profile,
	now time.Time,
	result *RecordEventResult,
) error {
	catalog, err := tx.Catalog(ctx)
	if err != nil {
		return err
	}
	if len(catalog) == 0 {
		return nil
	}

	counters, err := tx.Counters(ctx)
	if err != nil {
		return err
	}
	owned, err := tx.UserBadges(ctx)
	if err != nil {
		return err
	}

	qualified := badge.Evaluate(prof.Stats(counters), catalog, badge.OwnedSet(owned))
	for _, b := range qualified {
		inserted, err := tx.InsertUserBadge(ctx, badge.UserBadge{
			UserID:        prof.UserID,
			BadgeID:       b.ID,
			ConquistadoEm: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}

		unlocked := UnlockedBadge{Badge: b, ConquistadoEm: now}
		if b.PontosBonus > 0 {
			bonus, err := ledger.NewBonusGrant(prof.UserID, b.ID, b.PontosBonus, now)
			if err != nil {
				return err
			}
			if _, err := tx.AppendGrant(ctx, bonus); err != nil {
				return err
			}
			prof.AddPoints(bonus.Points, h.rules)
			result.Grants = append(result.Grants, bonus)
			unlocked.BonusGrant = &bonus
		}
		result.Unlocked = append(result.Unlocked, unlocked)
	}
	return nil
}

// publish emits post-commit events. Failures are logged only: the commit
// already happened and subscribers re-read state anyway.
func (h *RecordEventHandler) publish(result *RecordEventResult, correlationID string, log *logger.Logger) {
	if h.eventPublisher == nil {
		return
	}
	p := result.Profile
	now := h.clock.Now()

	events := make([]shared.Event, 0, len(result.Grants)+len(result.Unlocked)+1)
	for _, g := range result.Grants {
		e := shared.NewPointsGrantedEvent(g.UserID, g.ID, g.Points, string(g.Category), g.Reason, now)
		e.BaseEvent = e.WithCorrelationID(correlationID)
		events = append(events, e)
	}
	for _, u := range result.Unlocked {
		e := shared.NewBadgeUnlockedEvent(p.UserID, u.Badge.ID, u.Badge.Nome, u.Badge.Icone, u.Badge.PontosBonus, u.ConquistadoEm)
		e.BaseEvent = e.WithCorrelationID(correlationID)
		events = append(events, e)
	}
	changed := shared.ProfileChangedEvent{
		BaseEvent:      shared.NewBaseEvent(shared.EventProfileChanged, p.UserID, now).WithCorrelationID(correlationID),
		UserID:         p.UserID,
		PontosTotais:   p.PontosTotais,
		Nivel:          p.Nivel,
		XPAtual:        p.XPAtual,
		XPProximoNivel: p.XPProximoNivel,
		StreakAtual:    p.StreakAtual,
		MelhorStreak:   p.MelhorStreak,
		PointsDelta:    result.PointsAdded(),
		PreviousNivel:  result.PreviousLevel,
	}
	events = append(events, changed)

	for _, e := range events {
		if err := h.eventPublisher.Publish(e); err != nil {
			log.Warn("failed to publish event", logger.String("event_type", string(e.EventType())), logger.Err(err))
		}
	}
}
