package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pushpals/pushpals/internal/store"
)

const defaultBufferSize = 100

// Subscription is a live listener on one session's event stream. The
// returned channel has a buffer of 100 deliveries; a slow consumer misses
// events rather than blocking the publisher (§4.2, §5 "subscriber callbacks
// must be non-blocking" — enforced here by the channel send never blocking,
// grounded on the teacher's bus/bus.go).
type Subscription struct {
	id        int
	sessionID string
	ch        chan Delivered
}

// Ch returns the channel to receive deliveries on.
func (s *Subscription) Ch() <-chan Delivered { return s.ch }

// Bus is the per-process Session Event Bus, multiplexed across sessions by
// the Pipeline Coordinator (§4.2). It owns no storage of its own beyond the
// in-memory task projection and readiness tracker; durability is delegated
// to *store.Store.
type Bus struct {
	store  *store.Store
	schema *jsonschema.Schema
	logger *slog.Logger

	mu              sync.RWMutex
	subsBySession   map[string]map[int]*Subscription
	nextID          int
	states          map[string]*sessionState
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New constructs a Bus backed by st, compiling the fixed envelope schema
// once (§4.2 "envelope schema validation detail").
func New(st *store.Store, logger *slog.Logger) (*Bus, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:         st,
		schema:        schema,
		logger:        logger,
		subsBySession: make(map[string]map[int]*Subscription),
		states:        make(map[string]*sessionState),
	}, nil
}

func (b *Bus) stateFor(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[sessionID]
	if !ok {
		st = newSessionState()
		b.states[sessionID] = st
	}
	return st
}

// Emit validates env against the fixed schema, persists it via the durable
// store, folds task projections, checks startup-readiness, and broadcasts to
// live subscribers — in that order, so no subscriber ever observes a cursor
// that is not yet durable (§4.2 "Persist-then-broadcast ordering").
//
// On schema validation failure, Emit persists and broadcasts a synthetic
// error envelope carrying the same sessionId instead of the rejected
// original, and returns that envelope's cursor (§4.2, Open Question #1).
func (b *Bus) Emit(ctx context.Context, env Envelope) (Envelope, int64, error) {
	if env.ProtocolVersion == "" {
		env.ProtocolVersion = ProtocolVersion
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Ts == "" {
		env.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if err := validateEnvelope(b.schema, env); err != nil {
		rejected := env.Type
		env = b.buildErrorEnvelope(env.SessionID, err, rejected)
	}

	cursor, err := b.persist(ctx, env)
	if err != nil {
		return Envelope{}, 0, err
	}

	state := b.stateFor(env.SessionID)
	switch env.Type {
	case TypeTaskCreated, TypeTaskStarted, TypeTaskProgress, TypeTaskCompleted, TypeTaskFailed:
		state.foldTask(env.Type, env.Payload)
	case TypeStatus:
		if state.observeStatus(env.Payload) {
			readyEnv := b.buildReadyEnvelope(env.SessionID)
			// The readiness announcement is itself emitted through the
			// normal persist-then-broadcast path, recursively but only once
			// since observeStatus latches readySent before returning true.
			if _, _, err := b.Emit(ctx, readyEnv); err != nil {
				b.logger.Warn("bus_ready_announcement_failed",
					slog.String("sessionId", env.SessionID), slog.Any("error", err))
			}
		}
	}

	b.broadcast(env.SessionID, Delivered{Envelope: env, Cursor: cursor})
	return env, cursor, nil
}

func (b *Bus) buildErrorEnvelope(sessionID string, validationErr error, rejectedType string) Envelope {
	payload, _ := json.Marshal(map[string]string{
		"message":      validationErr.Error(),
		"rejectedType": rejectedType,
	})
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		ID:              uuid.NewString(),
		Ts:              time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:       sessionID,
		Type:            TypeError,
		Payload:         payload,
	}
}

func (b *Bus) buildReadyEnvelope(sessionID string) Envelope {
	payload, _ := json.Marshal(map[string]string{"text": readyAnnouncementText})
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		ID:              uuid.NewString(),
		Ts:              time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:       sessionID,
		Type:            TypeAssistantMessage,
		Payload:         payload,
	}
}

func (b *Bus) persist(ctx context.Context, env Envelope) (int64, error) {
	if err := b.store.EnsureSession(ctx, env.SessionID); err != nil {
		return 0, fmt.Errorf("ensure session before persist: %w", err)
	}
	envelopeJSON, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	cursor, err := b.store.InsertEvent(ctx, env.SessionID, env.ID, env.Ts, env.Type, string(envelopeJSON))
	if err != nil {
		return 0, fmt.Errorf("persist envelope: %w", err)
	}
	return cursor, nil
}

// Subscribe registers a listener for sessionID's live stream.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		sessionID: sessionID,
		ch:        make(chan Delivered, defaultBufferSize),
	}
	if b.subsBySession[sessionID] == nil {
		b.subsBySession[sessionID] = make(map[int]*Subscription)
	}
	b.subsBySession[sessionID][sub.id] = sub
	return sub
}

// Unsubscribe detaches sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subsBySession[sub.sessionID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub.id]; ok {
		delete(subs, sub.id)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(b.subsBySession, sub.sessionID)
	}
}

func (b *Bus) broadcast(sessionID string, d Delivered) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subsBySession[sessionID] {
		select {
		case sub.ch <- d:
		default:
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, sessionID, d.Envelope.Type)
		}
	}
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at
// or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, sessionID, eventType string) {
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("sessionId", sessionID),
			slog.String("type", eventType),
		)
	}
}

// DroppedEventCount returns the total number of deliveries dropped due to
// full subscriber buffers.
func (b *Bus) DroppedEventCount() int64 { return b.droppedEvents.Load() }

// Replay streams every stored event for sessionID with cursor > fromCursor,
// in order, to callback (§4.2 "replay").
//
// Cursor reset rule: if fromCursor is beyond the session's latest cursor
// (e.g. the store was reset while a client held onto stale state),
// fromCursor is treated as 0 (full replay) and a warning is logged, so
// reconnecting clients never wedge on a phantom cursor (§4.2).
func (b *Bus) Replay(ctx context.Context, sessionID string, fromCursor int64, callback func(Delivered) error) error {
	latest, err := b.store.GetLatestCursor(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get latest cursor: %w", err)
	}
	if fromCursor > latest {
		b.logger.Warn("bus_phantom_cursor_reset",
			slog.String("sessionId", sessionID),
			slog.Int64("requestedCursor", fromCursor),
			slog.Int64("latestCursor", latest),
		)
		fromCursor = 0
	}

	events, err := b.store.GetEventsAfter(ctx, sessionID, fromCursor)
	if err != nil {
		return fmt.Errorf("get events after cursor: %w", err)
	}
	for _, e := range events {
		var env Envelope
		if err := json.Unmarshal([]byte(e.Envelope), &env); err != nil {
			b.logger.Warn("bus_corrupt_event_skipped",
				slog.String("sessionId", sessionID), slog.Int64("cursor", e.Cursor), slog.Any("error", err))
			continue
		}
		if err := callback(Delivered{Envelope: env, Cursor: e.Cursor}); err != nil {
			return err
		}
	}
	return nil
}

// LatestCursor returns the highest cursor recorded for sessionID, 0 if none.
func (b *Bus) LatestCursor(ctx context.Context, sessionID string) (int64, error) {
	return b.store.GetLatestCursor(ctx, sessionID)
}

// Tasks returns the current task projection for sessionID.
func (b *Bus) Tasks(sessionID string) []TaskProjection {
	return b.stateFor(sessionID).Tasks()
}

// RebuildProjections replays task_* and status events for every known
// session to reconstruct the in-memory task projection and readiness
// tracker after a restart (§4.2 "Task projection... rebuilt on process
// start").
func (b *Bus) RebuildProjections(ctx context.Context, sessionIDs []string) error {
	for _, sessionID := range sessionIDs {
		state := b.stateFor(sessionID)
		events, err := b.store.GetEventsAfter(ctx, sessionID, 0)
		if err != nil {
			return fmt.Errorf("rebuild projection for session %s: %w", sessionID, err)
		}
		for _, e := range events {
			var env Envelope
			if err := json.Unmarshal([]byte(e.Envelope), &env); err != nil {
				continue
			}
			switch env.Type {
			case TypeTaskCreated, TypeTaskStarted, TypeTaskProgress, TypeTaskCompleted, TypeTaskFailed:
				state.foldTask(env.Type, env.Payload)
			case TypeStatus:
				state.observeStatus(env.Payload)
			}
		}
	}
	return nil
}
