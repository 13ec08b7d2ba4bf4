// Package messaging implements the post-commit event bus of the gamification engine.
// It provides both in-memory and Redis-based event buses.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/pkg/circuitbreaker"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus dispatches events to the handlers of this process.
//
// In async mode events are hashed by AggregateID onto a fixed set of
// partitions, each drained by one worker, so the handlers of one user see
// that user's events in publish order while different users proceed in
// parallel. Sync mode runs handlers on the publishing goroutine.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	closed      bool

	partitions []chan dispatch
	pending    sync.WaitGroup
	workers    sync.WaitGroup

	logger  *logger.Logger
	metrics *EventBusMetrics
}

type dispatch struct {
	event    shared.Event
	handlers []shared.EventHandler
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode enables partitioned background dispatch.
	AsyncMode bool

	// WorkerPoolSize is the number of partitions, one worker each.
	WorkerPoolSize int

	// QueueSize bounds each partition. Publish blocks while it is full.
	QueueSize int

	// Logger for structured logging
	Logger *logger.Logger

	// EnableMetrics enables metrics collection
	EnableMetrics bool
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
		QueueSize:      256,
		EnableMetrics:  true,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	bus := &InMemoryEventBus{
		handlers: make(map[shared.EventType][]shared.EventHandler),
		logger:   config.Logger.With(logger.Component("eventbus")),
	}
	if config.EnableMetrics {
		bus.metrics = NewEventBusMetrics()
	}

	if config.AsyncMode {
		if config.WorkerPoolSize <= 0 {
			config.WorkerPoolSize = 10
		}
		if config.QueueSize <= 0 {
			config.QueueSize = 256
		}
		bus.partitions = make([]chan dispatch, config.WorkerPoolSize)
		for i := range bus.partitions {
			queue := make(chan dispatch, config.QueueSize)
			bus.partitions[i] = queue
			bus.workers.Add(1)
			go bus.drain(queue)
		}
	}

	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.subscribe(handler, func() {
		b.handlers[eventType] = append(b.handlers[eventType], handler)
		b.logger.Debug("subscribed handler", logger.String("event_type", string(eventType)))
	})
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.subscribe(handler, func() {
		b.allHandlers = append(b.allHandlers, handler)
		b.logger.Debug("subscribed global handler")
	})
}

func (b *InMemoryEventBus) subscribe(handler shared.EventHandler, add func()) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}
	add()
	return nil
}

// Publish hands an event to every matching handler. Handler failures are
// logged and counted; they never fail the publish.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}

	typed := b.handlers[event.EventType()]
	handlers := make([]shared.EventHandler, 0, len(typed)+len(b.allHandlers))
	handlers = append(handlers, typed...)
	handlers = append(handlers, b.allHandlers...)

	if b.metrics != nil {
		b.metrics.RecordPublish(event.EventType())
	}

	if len(handlers) == 0 {
		b.mu.RUnlock()
		b.logger.Debug("no handlers for event", logger.String("event_type", string(event.EventType())))
		return nil
	}

	d := dispatch{event: event, handlers: handlers}
	if b.partitions == nil {
		b.mu.RUnlock()
		b.run(d)
		return nil
	}

	// Enqueue under the read lock so Close cannot close the partition first.
	b.pending.Add(1)
	b.partitions[partitionFor(event.AggregateID(), len(b.partitions))] <- d
	b.mu.RUnlock()
	return nil
}

func partitionFor(aggregateID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(n))
}

func (b *InMemoryEventBus) drain(queue <-chan dispatch) {
	defer b.workers.Done()
	for d := range queue {
		b.run(d)
		b.pending.Done()
	}
}

// run calls the handlers of one event in subscription order.
func (b *InMemoryEventBus) run(d dispatch) {
	for _, handler := range d.handlers {
		if err := b.execute(d.event, handler); err != nil {
			b.logger.Error("handler error",
				logger.String("event_type", string(d.event.EventType())),
				logger.String("aggregate_id", d.event.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

// execute runs one handler, converting a panic into ErrHandlerPanic.
func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		if b.metrics != nil {
			b.metrics.RecordHandlerExecution(event.EventType(), time.Since(start), err == nil)
		}
	}()

	return handler(event)
}

// Close stops accepting events and waits until queued ones are handled.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, queue := range b.partitions {
		close(queue)
	}
	b.mu.Unlock()

	b.workers.Wait()

	b.logger.Info("event bus closed")
	return nil
}

// Wait blocks until every event published so far has been handled.
func (b *InMemoryEventBus) Wait() {
	b.pending.Wait()
}

// Metrics returns the current metrics.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// DefaultChannelName is the Redis channel events are fanned out on.
const DefaultChannelName = "gamification:events"

// RedisEventBus is a Redis Pub/Sub based implementation of EventBus.
// Every instance publishes to the shared channel and dispatches remote events
// to its local handlers, so stream subscribers connected to any instance see them.
type RedisEventBus struct {
	client      RedisClient
	localBus    *InMemoryEventBus
	channelName string
	instanceID  string
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

// RedisClient defines the interface for Redis operations.
// persistence/redis.PubSubClient is the production implementation.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
	Close() error
}

// RedisMessage represents a message received from Redis Pub/Sub.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	// Client is the Redis client to use
	Client RedisClient

	// ChannelName is the Redis channel for events (default: DefaultChannelName)
	ChannelName string

	// InstanceID uniquely identifies this instance (for filtering self-published events)
	InstanceID string

	// LocalBusConfig is the config for the local in-memory bus
	LocalBusConfig InMemoryEventBusConfig

	// Logger for structured logging
	Logger *logger.Logger

	// Breaker guards Publish. Defaults to circuitbreaker.BrokerBreaker.
	Breaker *circuitbreaker.CircuitBreaker
}

// NewRedisEventBus creates a new Redis-based event bus.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultChannelName
	}
	if config.InstanceID == "" {
		config.InstanceID = generateInstanceID()
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	log := config.Logger.With(logger.Component("redis_eventbus"), logger.String("instance_id", config.InstanceID))
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.BrokerBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("broker circuit changed state",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &RedisEventBus{
		client:      config.Client,
		localBus:    NewInMemoryEventBus(config.LocalBusConfig),
		channelName: config.ChannelName,
		instanceID:  config.InstanceID,
		breaker:     config.Breaker,
		logger:      log,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start subscription listener
	if err := bus.startSubscriber(); err != nil {
		cancel()
		return nil, fmt.Errorf("start subscriber: %w", err)
	}

	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish sends an event to Redis Pub/Sub and local handlers.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	b.mu.RUnlock()

	data, err := encodeEnvelope(b.instanceID, event)
	if err != nil {
		return err
	}

	// Local handlers run even when the broker is down.
	err = b.breaker.Execute(b.ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, b.channelName, string(data))
	})
	switch {
	case circuitbreaker.IsRejected(err):
		b.logger.Debug("broker circuit open, publishing locally only",
			logger.String("event_type", string(event.EventType())))
	case err != nil:
		b.logger.Error("failed to publish to redis", logger.Err(err))
	}

	// Also publish locally for handlers in this instance
	return b.localBus.Publish(event)
}

// startSubscriber starts the Redis subscription listener.
func (b *RedisEventBus) startSubscriber() error {
	messages, err := b.client.Subscribe(b.ctx, b.channelName)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.subscriptionLoop(messages)
	}()

	return nil
}

// subscriptionLoop processes messages from Redis.
func (b *RedisEventBus) subscriptionLoop(messages <-chan RedisMessage) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				b.logger.Error("redis subscription error", logger.Err(msg.Err))
				continue
			}

			b.handleRedisMessage(msg)
		}
	}
}

// handleRedisMessage processes a message from Redis.
func (b *RedisEventBus) handleRedisMessage(msg RedisMessage) {
	envelope, err := decodeEnvelope([]byte(msg.Payload))
	if err != nil {
		b.logger.Error("failed to unmarshal event", logger.Err(err))
		return
	}

	// Skip events from self (already processed locally)
	if envelope.InstanceID == b.instanceID {
		return
	}
	if m := b.localBus.Metrics(); m != nil {
		m.RecordRemote()
	}

	if err := b.localBus.Publish(envelope.event()); err != nil {
		b.logger.Error("failed to process remote event", logger.Err(err))
	}
}

// Close gracefully shuts down the Redis event bus.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if err := b.localBus.Close(); err != nil {
		b.logger.Error("failed to close local bus", logger.Err(err))
	}
	if err := b.client.Close(); err != nil {
		b.logger.Warn("failed to close redis client", logger.Err(err))
	}

	b.logger.Info("redis event bus closed")
	return nil
}

// Metrics returns the current metrics from the local bus.
func (b *RedisEventBus) Metrics() *EventBusMetrics {
	return b.localBus.Metrics()
}

// BreakerSnapshot reports the state of the publish circuit.
func (b *RedisEventBus) BreakerSnapshot() circuitbreaker.Snapshot {
	return b.breaker.Snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT ENVELOPE (for serialization)
// ══════════════════════════════════════════════════════════════════════════════

type eventEnvelope struct {
	InstanceID    string                 `json:"instance_id"`
	EventType     shared.EventType       `json:"event_type"`
	AggregateID   string                 `json:"aggregate_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Payload       map[string]interface{} `json:"payload"`
}

type correlated interface {
	GetCorrelationID() string
}

func encodeEnvelope(instanceID string, event shared.Event) ([]byte, error) {
	envelope := eventEnvelope{
		InstanceID:  instanceID,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	}
	if c, ok := event.(correlated); ok {
		envelope.CorrelationID = c.GetCorrelationID()
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (eventEnvelope, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return eventEnvelope{}, err
	}
	if envelope.EventType == "" {
		return eventEnvelope{}, ErrEventNotSupported
	}
	return envelope, nil
}

func (e eventEnvelope) event() *reconstructedEvent {
	return &reconstructedEvent{
		eventType:     e.EventType,
		aggregateID:   e.AggregateID,
		correlationID: e.CorrelationID,
		occurredAt:    e.OccurredAt,
		payload:       e.Payload,
	}
}

// reconstructedEvent is an event relayed from another instance. Handlers see
// only its payload.
type reconstructedEvent struct {
	eventType     shared.EventType
	aggregateID   string
	correlationID string
	occurredAt    time.Time
	payload       map[string]interface{}
}

func (e *reconstructedEvent) GetCorrelationID() string {
	return e.correlationID
}

func (e *reconstructedEvent) EventType() shared.EventType {
	return e.eventType
}

func (e *reconstructedEvent) AggregateID() string {
	return e.aggregateID
}

func (e *reconstructedEvent) OccurredAt() time.Time {
	return e.occurredAt
}

func (e *reconstructedEvent) Payload() map[string]interface{} {
	return e.payload
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics counts publishes and handler runs for /health.
type EventBusMetrics struct {
	remote      atomic.Int64
	execs       atomic.Int64
	failures    atomic.Int64
	handlerTime atomic.Int64 // nanoseconds

	mu        sync.Mutex
	published map[shared.EventType]int64
}

// NewEventBusMetrics returns zeroed counters.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{published: make(map[shared.EventType]int64)}
}

// RecordPublish counts one accepted event.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	m.published[eventType]++
	m.mu.Unlock()
}

// RecordRemote counts one event relayed from another instance.
func (m *EventBusMetrics) RecordRemote() {
	m.remote.Add(1)
}

// RecordHandlerExecution counts one handler run.
func (m *EventBusMetrics) RecordHandlerExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.execs.Add(1)
	m.handlerTime.Add(int64(duration))
	if !success {
		m.failures.Add(1)
	}
}

// Snapshot copies the counters.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	snap := EventBusMetricsSnapshot{
		RemoteReceived:    m.remote.Load(),
		TotalHandlerExecs: m.execs.Load(),
		HandlerFailures:   m.failures.Load(),
	}
	if snap.TotalHandlerExecs > 0 {
		snap.AverageHandlerDuration = time.Duration(m.handlerTime.Load() / snap.TotalHandlerExecs)
	}

	m.mu.Lock()
	snap.PublishedByType = make(map[shared.EventType]int64, len(m.published))
	for t, n := range m.published {
		snap.PublishedByType[t] = n
		snap.TotalPublished += n
	}
	m.mu.Unlock()
	return snap
}

// EventBusMetricsSnapshot is the JSON form of EventBusMetrics.
type EventBusMetricsSnapshot struct {
	TotalPublished         int64                      `json:"total_published"`
	PublishedByType        map[shared.EventType]int64 `json:"published_by_type"`
	RemoteReceived         int64                      `json:"remote_received"`
	TotalHandlerExecs      int64                      `json:"total_handler_execs"`
	HandlerFailures        int64                      `json:"handler_failures"`
	AverageHandlerDuration time.Duration              `json:"average_handler_duration_ns"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrEventNotSupported is returned for envelopes without an event type.
	ErrEventNotSupported = errors.New("event type not supported")
)

// generateInstanceID generates a unique instance identifier.
func generateInstanceID() string {
	return "instance-" + uuid.NewString()
}
