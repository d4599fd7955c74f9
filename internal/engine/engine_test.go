package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/server"
	"github.com/medbridge/medsync/internal/syncproto"
)

const testToken = "test-token"

type alwaysOnline struct{}

func (alwaysOnline) Online(context.Context) bool { return true }

type neverOnline struct{}

func (neverOnline) Online(context.Context) bool { return false }

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// harness wires a full client stack against a real authoritative store
// served over httptest.
type harness struct {
	engine      *Engine
	queue       *queue.Queue
	ident       *device.Identity
	conflicts   *conflict.Store
	collections *entity.Collections
	store       *server.Store
	ts          *httptest.Server
}

func setupHarness(t *testing.T) *harness {
	t.Helper()

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("failed to open client store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	if err := kv.InitSchema(); err != nil {
		t.Fatalf("failed to init client schema: %v", err)
	}

	store, err := server.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("failed to open authoritative store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init store schema: %v", err)
	}

	ts := httptest.NewServer(server.NewHandler(store, testToken, nil).Router())
	t.Cleanup(ts.Close)

	h := &harness{
		queue:       queue.New(kv, nil),
		ident:       device.New(kv, nil),
		conflicts:   conflict.New(kv, nil),
		collections: entity.NewCollections(kv, nil),
		store:       store,
		ts:          ts,
	}
	h.engine = New(h.queue, h.ident, h.conflicts, h.collections,
		NewClient(ts.URL, nil), Config{
			Connectivity: alwaysOnline{},
			Token:        staticToken(testToken),
		})
	return h
}

func (h *harness) enqueue(t *testing.T, tag, entityID string, baseVersion int64) string {
	t.Helper()

	opID, err := h.queue.Enqueue(syncproto.Op{
		Entity:      tag,
		Action:      syncproto.ActionUpsert,
		EntityID:    entityID,
		BaseVersion: baseVersion,
		Payload:     json.RawMessage(`{"status":"scheduled"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return opID
}

// seedStore applies an op directly to the authoritative store, simulating
// a concurrent edit from another device.
func (h *harness) seedStore(t *testing.T, opID, tag, entityID string, baseVersion int64) {
	t.Helper()

	applied, conflicted, err := h.store.Apply(context.Background(), syncproto.Op{
		OpID:            opID,
		Entity:          tag,
		Action:          syncproto.ActionUpsert,
		EntityID:        entityID,
		BaseVersion:     baseVersion,
		Payload:         json.RawMessage(`{"status":"remote"}`),
		ClientTimestamp: syncproto.Now(),
	})
	if err != nil || applied == nil {
		t.Fatalf("seed apply failed: applied=%v conflicted=%v err=%v", applied, conflicted, err)
	}
}

// A queued create is applied, leaves the queue, lands in the local
// collection, and advances the watermark.
func TestCycleAppliesAndPrunes(t *testing.T) {
	h := setupHarness(t)

	h.enqueue(t, entity.TagAppointment, "E1", 0)

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if depth := h.engine.QueueDepth(); depth != 0 {
		t.Errorf("expected empty queue after cycle, got %d", depth)
	}
	if got := h.collections.Load(entity.TagAppointment); len(got) != 1 || got[0].ID != "E1" {
		t.Errorf("expected E1 in local collection, got %v", got)
	}
	if h.ident.Watermark() == "" {
		t.Error("expected watermark to advance after successful pull")
	}
	if h.conflicts.Count() != 0 {
		t.Errorf("expected no conflicts, got %d", h.conflicts.Count())
	}
}

// Two ops against a store that is already ahead both resolve as conflicts;
// the queue empties and each gains a conflict record carrying the current
// server version.
func TestCycleRecordsConflicts(t *testing.T) {
	h := setupHarness(t)

	h.seedStore(t, "remote-1", entity.TagAppointment, "E1", 0)
	h.seedStore(t, "remote-2", entity.TagAppointment, "E1", 1)

	h.enqueue(t, entity.TagAppointment, "E1", 1)
	h.enqueue(t, entity.TagAppointment, "E1", 1)

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if depth := h.engine.QueueDepth(); depth != 0 {
		t.Errorf("expected conflicted ops pruned from queue, got %d", depth)
	}

	records, err := h.conflicts.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 conflict records, got %d", len(records))
	}
	for _, r := range records {
		if r.ServerVersion != 2 {
			t.Errorf("expected serverVersion 2, got %d", r.ServerVersion)
		}
		if r.Reason != syncproto.ReasonVersionMismatch {
			t.Errorf("unexpected reason %s", r.Reason)
		}
	}

	// The pull that follows brings the winning remote record down.
	if got := h.collections.Load(entity.TagAppointment); len(got) != 1 || got[0].Version != 2 {
		t.Errorf("expected remote record at version 2 locally, got %v", got)
	}
}

// If a prior push recorded its conflicts but the queue prune never ran
// (crash in between), the next cycle re-delivers the op; it must end with
// exactly one conflict record and an empty queue.
func TestRedeliveredConflictRecordedOnce(t *testing.T) {
	h := setupHarness(t)

	h.seedStore(t, "remote-1", entity.TagAppointment, "E1", 0)
	h.seedStore(t, "remote-2", entity.TagAppointment, "E1", 1)

	opID := h.enqueue(t, entity.TagAppointment, "E1", 1)

	// The interrupted push got this far: conflict recorded, op still queued.
	if err := h.conflicts.Append([]syncproto.ConflictEntry{{
		OpID:          opID,
		EntityID:      "E1",
		ServerVersion: 2,
		Reason:        syncproto.ReasonVersionMismatch,
	}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if depth := h.engine.QueueDepth(); depth != 0 {
		t.Errorf("expected re-delivered op pruned, got depth %d", depth)
	}
	records, err := h.conflicts.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected exactly one conflict record for %s, got %d", opID, len(records))
	}
}

func TestIncrementalPullAfterWatermark(t *testing.T) {
	h := setupHarness(t)

	h.seedStore(t, "remote-1", entity.TagInventory, "SKU-1", 0)

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle failed: %v", err)
	}
	mark := h.ident.Watermark()
	if mark == "" {
		t.Fatal("expected watermark after first cycle")
	}

	// No changes: watermark still advances to the new serverTime, but the
	// collection is untouched.
	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle failed: %v", err)
	}
	if got := h.collections.Load(entity.TagInventory); len(got) != 1 {
		t.Errorf("expected 1 inventory record, got %d", len(got))
	}

	// A remote change after the watermark is picked up.
	h.seedStore(t, "remote-2", entity.TagInventory, "SKU-1", 1)
	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("third RunCycle failed: %v", err)
	}
	got := h.collections.Load(entity.TagInventory)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("expected SKU-1 at version 2, got %v", got)
	}
}

// Watermark safety: a pull that errors leaves the prior watermark and the
// queue unchanged.
func TestFailedCycleLeavesStateUntouched(t *testing.T) {
	h := setupHarness(t)

	// First cycle establishes a watermark.
	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	mark := h.ident.Watermark()

	// Point the engine at a server that always fails.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	h.engine.client = NewClient(broken.URL, nil)

	h.enqueue(t, entity.TagAppointment, "E9", 0)

	if err := h.engine.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle against broken server to fail")
	}

	if h.ident.Watermark() != mark {
		t.Errorf("watermark moved on failure: %q -> %q", mark, h.ident.Watermark())
	}
	if depth := h.engine.QueueDepth(); depth != 1 {
		t.Errorf("expected op to stay queued, got depth %d", depth)
	}
}

func TestOfflineIsSilentNoOp(t *testing.T) {
	h := setupHarness(t)
	h.engine.connectivity = neverOnline{}

	h.enqueue(t, entity.TagAppointment, "E1", 0)

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("offline cycle should be a no-op, got %v", err)
	}
	if depth := h.engine.QueueDepth(); depth != 1 {
		t.Errorf("expected op to stay queued while offline, got %d", depth)
	}
}

func TestMissingCredentialIsSilentNoOp(t *testing.T) {
	h := setupHarness(t)
	h.engine.token = staticToken("")

	h.enqueue(t, entity.TagAppointment, "E1", 0)

	if err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle without credential should be a no-op, got %v", err)
	}
	if depth := h.engine.QueueDepth(); depth != 1 {
		t.Errorf("expected op to stay queued without credential, got %d", depth)
	}
}

func TestKickNeverBlocks(t *testing.T) {
	h := setupHarness(t)

	// No Run loop is draining the channel; repeated kicks must not block.
	for i := 0; i < 10; i++ {
		h.engine.Kick()
	}
}

func TestRunDrainsKicks(t *testing.T) {
	h := setupHarness(t)

	h.enqueue(t, entity.TagAppointment, "E1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	h.engine.Kick()

	deadline := time.After(5 * time.Second)
	for h.engine.QueueDepth() != 0 {
		select {
		case <-deadline:
			t.Fatal("queue never drained after kick")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
