// Package eventhandler содержит обработчики доменных событий.
// Обработчики получают события только после фиксации транзакции и
// запускают побочные эффекты: сейчас это рассылка живых обновлений клиентам.
package eventhandler

import (
	"time"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// STREAM FORWARDER
// Пересылает profile-changed и badge-unlocked подписчикам потока.
// Сообщение - только сигнал: клиент перечитывает профиль сам.
// ═══════════════════════════════════════════════════════════════════════════

// Notification - сообщение для живого потока.
type Notification struct {
	Type      shared.EventType       `json:"type"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Broadcaster доставляет уведомление подписчикам пользователя.
type Broadcaster interface {
	Broadcast(userID string, n Notification)
}

// StreamForwarder связывает шину событий с Broadcaster.
type StreamForwarder struct {
	broadcaster Broadcaster
	logger      *logger.Logger
}

// NewStreamForwarder создаёт обработчик.
func NewStreamForwarder(broadcaster Broadcaster, log *logger.Logger) *StreamForwarder {
	if log == nil {
		log = logger.Default()
	}
	return &StreamForwarder{
		broadcaster: broadcaster,
		logger:      log.With(logger.Component("stream_forwarder")),
	}
}

// Register подписывает обработчик на нужные типы событий.
func (f *StreamForwarder) Register(subscriber shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventProfileChanged, shared.EventBadgeUnlocked} {
		if err := subscriber.Subscribe(t, f.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle реализует shared.EventHandler. События, пришедшие с других
// инстансов через Redis, не типизированы, поэтому адресат берётся из AggregateID.
func (f *StreamForwarder) Handle(event shared.Event) error {
	switch event.EventType() {
	case shared.EventProfileChanged, shared.EventBadgeUnlocked:
	default:
		f.logger.Debug("ignoring event", logger.String("event_type", string(event.EventType())))
		return nil
	}

	userID := event.AggregateID()
	switch e := event.(type) {
	case shared.ProfileChangedEvent:
		if e.LeveledUp() {
			f.logger.Info("level up",
				logger.UserID(e.UserID),
				logger.Int("from", e.PreviousNivel),
				logger.Int("to", e.Nivel),
			)
		}
	case shared.BadgeUnlockedEvent:
		f.logger.Info("badge unlocked", logger.UserID(e.UserID), logger.BadgeID(e.BadgeID))
	}

	f.broadcaster.Broadcast(userID, Notification{
		Type:      event.EventType(),
		UserID:    userID,
		Timestamp: event.OccurredAt(),
		Payload:   event.Payload(),
	})
	return nil
}
