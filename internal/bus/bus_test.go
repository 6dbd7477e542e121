package bus_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/store"
)

func openTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b, err := bus.New(st, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	return b
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestEmit_PersistsThenBroadcastsInOrder(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	env := bus.Envelope{
		SessionID: "sess-1",
		Type:      bus.TypeMessage,
		Payload:   mustPayload(t, map[string]string{"text": "hello"}),
	}
	persisted, cursor, err := b.Emit(ctx, env)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if cursor != 1 {
		t.Fatalf("expected first cursor to be 1, got %d", cursor)
	}
	if persisted.Type != bus.TypeMessage {
		t.Fatalf("expected message type to survive emit, got %q", persisted.Type)
	}

	select {
	case d := <-sub.Ch():
		if d.Cursor != cursor {
			t.Fatalf("broadcast cursor %d != persisted cursor %d", d.Cursor, cursor)
		}
		if d.Envelope.Type != bus.TypeMessage {
			t.Fatalf("unexpected broadcast type %q", d.Envelope.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	latest, err := b.LatestCursor(ctx, "sess-1")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if latest != cursor {
		t.Fatalf("latest cursor %d != emitted cursor %d", latest, cursor)
	}
}

func TestEmit_InvalidTypeProducesSyntheticErrorEvent(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)

	env := bus.Envelope{
		SessionID: "sess-1",
		Type:      "not_a_real_type",
		Payload:   mustPayload(t, map[string]string{}),
	}
	persisted, _, err := b.Emit(ctx, env)
	if err != nil {
		t.Fatalf("emit should not error on validation failure, got: %v", err)
	}
	if persisted.Type != bus.TypeError {
		t.Fatalf("expected synthetic error envelope, got type %q", persisted.Type)
	}
	if persisted.SessionID != "sess-1" {
		t.Fatalf("synthetic error must carry original sessionId, got %q", persisted.SessionID)
	}
}

func TestEmit_MissingSessionIDFailsValidation(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)

	env := bus.Envelope{
		Type:    bus.TypeMessage,
		Payload: mustPayload(t, map[string]string{}),
	}
	persisted, _, err := b.Emit(ctx, env)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if persisted.Type != bus.TypeError {
		t.Fatalf("expected synthetic error envelope for missing sessionId, got type %q", persisted.Type)
	}
}

func TestReplay_CursorResetOnPhantomCursor(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)

	for i := 0; i < 3; i++ {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: "sess-1",
			Type:      bus.TypeLog,
			Payload:   mustPayload(t, map[string]string{"n": "x"}),
		}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	var delivered []bus.Delivered
	err := b.Replay(ctx, "sess-1", 999, func(d bus.Delivered) error {
		delivered = append(delivered, d)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(delivered) != 3 {
		t.Fatalf("expected phantom cursor to reset to full replay (3 events), got %d", len(delivered))
	}
	if delivered[0].Cursor != 1 {
		t.Fatalf("expected replay from reset cursor to start at 1, got %d", delivered[0].Cursor)
	}
}

func TestReplay_FromMidCursorOnlyReturnsLater(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)

	for i := 0; i < 3; i++ {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: "sess-1",
			Type:      bus.TypeLog,
			Payload:   mustPayload(t, map[string]string{"n": "x"}),
		}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	var delivered []bus.Delivered
	err := b.Replay(ctx, "sess-1", 1, func(d bus.Delivered) error {
		delivered = append(delivered, d)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(delivered))
	}
}

func TestTaskProjection_FoldsAcrossLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)
	sessionID := "sess-1"

	emitTask := func(eventType string, payload map[string]string) {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: sessionID,
			Type:      eventType,
			Payload:   mustPayload(t, payload),
		}); err != nil {
			t.Fatalf("emit %s: %v", eventType, err)
		}
	}

	emitTask(bus.TypeTaskCreated, map[string]string{"taskId": "task-1", "title": "Do the thing", "createdBy": "localbuddy"})
	emitTask(bus.TypeTaskStarted, map[string]string{"taskId": "task-1"})
	emitTask(bus.TypeTaskProgress, map[string]string{"taskId": "task-1"})
	emitTask(bus.TypeTaskCompleted, map[string]string{"taskId": "task-1", "summary": "done"})

	tasks := b.Tasks(sessionID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 projected task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Status != "completed" {
		t.Fatalf("expected status completed, got %q", got.Status)
	}
	if got.Title != "Do the thing" {
		t.Fatalf("expected title to persist across folds, got %q", got.Title)
	}
	if got.Summary != "done" {
		t.Fatalf("expected summary from completion event, got %q", got.Summary)
	}
}

func TestTaskProjection_FailedTaskCarriesFailMessage(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)

	emit := func(eventType string, payload map[string]string) {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: "sess-1",
			Type:      eventType,
			Payload:   mustPayload(t, payload),
		}); err != nil {
			t.Fatalf("emit %s: %v", eventType, err)
		}
	}
	emit(bus.TypeTaskCreated, map[string]string{"taskId": "task-1"})
	emit(bus.TypeTaskFailed, map[string]string{"taskId": "task-1", "message": "boom"})

	tasks := b.Tasks("sess-1")
	if len(tasks) != 1 || tasks[0].Status != "failed" || tasks[0].FailMessage != "boom" {
		t.Fatalf("expected failed task with fail message, got %+v", tasks)
	}
}

func TestStartupReadiness_AnnouncesExactlyOnceAfterAllAgentsOnline(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	emitStatus := func(agentID string) {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: "sess-1",
			Type:      bus.TypeStatus,
			Payload:   mustPayload(t, map[string]string{"agentId": agentID, "detail": agentID + " online"}),
		}); err != nil {
			t.Fatalf("emit status: %v", err)
		}
	}

	emitStatus("localbuddy")
	emitStatus("remotebuddy")

	drainReady := func() int {
		count := 0
		for {
			select {
			case d := <-sub.Ch():
				if d.Envelope.Type == bus.TypeAssistantMessage {
					count++
				}
			default:
				return count
			}
		}
	}
	if n := drainReady(); n != 0 {
		t.Fatalf("expected no readiness announcement before all agents online, got %d", n)
	}

	emitStatus("source-control-manager")
	if n := drainReady(); n != 1 {
		t.Fatalf("expected exactly one readiness announcement, got %d", n)
	}

	// A duplicate status report must not re-announce.
	emitStatus("source-control-manager")
	if n := drainReady(); n != 0 {
		t.Fatalf("expected no second readiness announcement, got %d", n)
	}
}

func TestSubscribe_FullBufferDropsRatherThanBlocks(t *testing.T) {
	ctx := context.Background()
	b := openTestBus(t)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	for i := 0; i < 150; i++ {
		if _, _, err := b.Emit(ctx, bus.Envelope{
			SessionID: "sess-1",
			Type:      bus.TypeLog,
			Payload:   mustPayload(t, map[string]string{"n": "x"}),
		}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	if b.DroppedEventCount() == 0 {
		t.Fatalf("expected some deliveries to be dropped once the subscriber buffer filled")
	}
}

func TestRebuildProjections_ReconstructsFromStoredEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	b, err := bus.New(st, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	if _, _, err := b.Emit(ctx, bus.Envelope{
		SessionID: "sess-1",
		Type:      bus.TypeTaskCreated,
		Payload:   mustPayload(t, map[string]string{"taskId": "task-1", "title": "rebuild me"}),
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	// Simulate a fresh process attaching to the same store.
	b2, err := bus.New(st, nil)
	if err != nil {
		t.Fatalf("new bus 2: %v", err)
	}
	if len(b2.Tasks("sess-1")) != 0 {
		t.Fatalf("expected fresh bus to have no projection before rebuild")
	}
	if err := b2.RebuildProjections(ctx, []string{"sess-1"}); err != nil {
		t.Fatalf("rebuild projections: %v", err)
	}
	tasks := b2.Tasks("sess-1")
	if len(tasks) != 1 || tasks[0].Title != "rebuild me" {
		t.Fatalf("expected rebuilt projection to recover task, got %+v", tasks)
	}
}

