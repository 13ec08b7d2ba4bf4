package eventhandler_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gamification-engine/internal/application/eventhandler"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []eventhandler.Notification
	to   []string
}

func (b *recordingBroadcaster) Broadcast(userID string, n eventhandler.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.to = append(b.to, userID)
	b.sent = append(b.sent, n)
}

func (b *recordingBroadcaster) snapshot() ([]string, []eventhandler.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.to...), append([]eventhandler.Notification(nil), b.sent...)
}

// relayedEvent mimics an event decoded from another instance: only the
// Event interface is available.
type relayedEvent struct {
	typ     shared.EventType
	userID  string
	at      time.Time
	payload map[string]interface{}
}

func (e relayedEvent) EventType() shared.EventType { return e.typ }
func (e relayedEvent) AggregateID() string { return e.userID }
func (e relayedEvent) OccurredAt() time.Time { return e.at }
func (e relayedEvent) Payload() map[string]interface{} { return e.payload }

var at = time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

func profileChanged(userID string, from, to int) shared.ProfileChangedEvent {
	return shared.ProfileChangedEvent{
		BaseEvent:     shared.NewBaseEvent(shared.EventProfileChanged, userID, at),
		UserID:        userID,
		PontosTotais:  150,
		Nivel:         to,
		PreviousNivel: from,
	}
}

func TestStreamForwarder_ForwardsTypedEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	f := eventhandler.NewStreamForwarder(b, logger.Discard())

	require.NoError(t, f.Handle(profileChanged("ana", 1, 2)))
	require.NoError(t, f.Handle(shared.NewBadgeUnlockedEvent("ana", "streak-3", "Três dias", "🔥", 50, at)))

	to, sent := b.snapshot()
	assert.Equal(t, []string{"ana", "ana"}, to)
	require.Len(t, sent, 2)

	assert.Equal(t, shared.EventProfileChanged, sent[0].Type)
	assert.Equal(t, "ana", sent[0].UserID)
	assert.Equal(t, at, sent[0].Timestamp)
	assert.Equal(t, int64(150), sent[0].Payload["pontos_totais"])
	assert.Equal(t, true, sent[0].Payload["leveled_up"])

	assert.Equal(t, shared.EventBadgeUnlocked, sent[1].Type)
	assert.Equal(t, "streak-3", sent[1].Payload["badge_id"])
}

func TestStreamForwarder_IgnoresLedgerEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	f := eventhandler.NewStreamForwarder(b, logger.Discard())

	err := f.Handle(shared.NewPointsGrantedEvent("ana", "g1", 10, "attendance", "attendance", at))
	require.NoError(t, err)

	_, sent := b.snapshot()
	assert.Empty(t, sent)
}

func TestStreamForwarder_RelayedEventUsesAggregateID(t *testing.T) {
	b := &recordingBroadcaster{}
	f := eventhandler.NewStreamForwarder(b, logger.Discard())

	err := f.Handle(relayedEvent{
		typ:     shared.EventBadgeUnlocked,
		userID:  "bia",
		at:      at,
		payload: map[string]interface{}{"badge_id": "first"},
	})
	require.NoError(t, err)

	to, sent := b.snapshot()
	assert.Equal(t, []string{"bia"}, to)
	require.Len(t, sent, 1)
	assert.Equal(t, "bia", sent[0].UserID)
	assert.Equal(t, "first", sent[0].Payload["badge_id"])
}

func TestStreamForwarder_RegisterOnBus(t *testing.T) {
	b := &recordingBroadcaster{}
	f := eventhandler.NewStreamForwarder(b, logger.Discard())

	cfg := messaging.DefaultInMemoryEventBusConfig()
	cfg.AsyncMode = false
	bus := messaging.NewInMemoryEventBus(cfg)
	defer bus.Close()

	require.NoError(t, f.Register(bus))

	require.NoError(t, bus.Publish(shared.NewPointsGrantedEvent("ana", "g1", 10, "attendance", "attendance", at)))
	require.NoError(t, bus.Publish(profileChanged("ana", 1, 1)))

	to, sent := b.snapshot()
	assert.Equal(t, []string{"ana"}, to)
	require.Len(t, sent, 1)
	assert.Equal(t, shared.EventProfileChanged, sent[0].Type)
	assert.Equal(t, false, sent[0].Payload["leveled_up"])
}
