package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Events published after a per-user unit of work commits.
const (
	EventPointsGranted  EventType = "gamification.points_granted"
	EventProfileChanged EventType = "gamification.profile_changed"
	EventBadgeUnlocked  EventType = "gamification.badge_unlocked"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// GetCorrelationID returns the tracing id, empty if none was set.
func (e BaseEvent) GetCorrelationID() string {
	return e.CorrelationID
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Gamification Events
// ═══════════════════════════════════════════════════════════════════════════

// PointsGrantedEvent is emitted once per committed ledger grant.
type PointsGrantedEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	GrantID  string `json:"grant_id"`
	Points   int64  `json:"points"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Payload implements Event interface.
func (e PointsGrantedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID,
		"grant_id": e.GrantID,
		"points":   e.Points,
		"category": e.Category,
		"reason":   e.Reason,
	}
}

// NewPointsGrantedEvent creates a new PointsGrantedEvent.
func NewPointsGrantedEvent(userID, grantID string, points int64, category, reason string, at time.Time) PointsGrantedEvent {
	return PointsGrantedEvent{
		BaseEvent: NewBaseEvent(EventPointsGranted, userID, at),
		UserID:    userID,
		GrantID:   grantID,
		Points:    points,
		Category:  category,
		Reason:    reason,
	}
}

// ProfileChangedEvent is emitted when a user's profile was persisted with new values.
// Subscribers treat it as an invalidation signal and re-read what they display.
type ProfileChangedEvent struct {
	BaseEvent
	UserID         string `json:"user_id"`
	PontosTotais   int64  `json:"pontos_totais"`
	Nivel          int    `json:"nivel"`
	XPAtual        int64  `json:"xp_atual"`
	XPProximoNivel int64  `json:"xp_proximo_nivel"`
	StreakAtual    int    `json:"streak_atual"`
	MelhorStreak   int    `json:"melhor_streak"`
	PointsDelta    int64  `json:"points_delta"`
	PreviousNivel  int    `json:"previous_nivel"`
}

// LeveledUp reports whether the change crossed at least one level threshold.
func (e ProfileChangedEvent) LeveledUp() bool {
	return e.Nivel > e.PreviousNivel
}

// Payload implements Event interface.
func (e ProfileChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":          e.UserID,
		"pontos_totais":    e.PontosTotais,
		"nivel":            e.Nivel,
		"xp_atual":         e.XPAtual,
		"xp_proximo_nivel": e.XPProximoNivel,
		"streak_atual":     e.StreakAtual,
		"melhor_streak":    e.MelhorStreak,
		"points_delta":     e.PointsDelta,
		"previous_nivel":   e.PreviousNivel,
		"leveled_up":       e.LeveledUp(),
	}
}

// BadgeUnlockedEvent is emitted once per (user, badge) unlock.
type BadgeUnlockedEvent struct {
	BaseEvent
	UserID      string    `json:"user_id"`
	BadgeID     string    `json:"badge_id"`
	Nome        string    `json:"nome"`
	Icone       string    `json:"icone"`
	PontosBonus int64     `json:"pontos_bonus"`
	UnlockedAt  time.Time `json:"conquistado_em"`
}

// Payload implements Event interface.
func (e BadgeUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"badge_id":       e.BadgeID,
		"nome":           e.Nome,
		"icone":          e.Icone,
		"pontos_bonus":   e.PontosBonus,
		"conquistado_em": e.UnlockedAt.Format(time.RFC3339),
	}
}

// NewBadgeUnlockedEvent creates a new BadgeUnlockedEvent.
func NewBadgeUnlockedEvent(userID, badgeID, nome, icone string, bonus int64, at time.Time) BadgeUnlockedEvent {
	return BadgeUnlockedEvent{
		BaseEvent:   NewBaseEvent(EventBadgeUnlocked, userID, at),
		UserID:      userID,
		BadgeID:     badgeID,
		Nome:        nome,
		Icone:       icone,
		PontosBonus: bonus,
		UnlockedAt:  at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
