package queue

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/syncproto"
)

// setupQueue creates a queue on a temporary store.
func setupQueue(t *testing.T) (*Queue, *kvstore.Store) {
	t.Helper()

	store, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return New(store, log.New(os.Stderr, "[test] ", 0)), store
}

func upsertOp(entity, entityID string, baseVersion int64) syncproto.Op {
	return syncproto.Op{
		Entity:      entity,
		Action:      syncproto.ActionUpsert,
		EntityID:    entityID,
		BaseVersion: baseVersion,
		Payload:     json.RawMessage(`{"status":"scheduled"}`),
	}
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	q, _ := setupQueue(t)

	opID, err := q.Enqueue(upsertOp("appointment", "E1", 1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if opID == "" {
		t.Fatal("expected non-empty opId")
	}

	ops, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	if ops[0].OpID != opID {
		t.Errorf("expected opId %s, got %s", opID, ops[0].OpID)
	}
	if ops[0].ClientTimestamp == "" {
		t.Error("expected clientTimestamp to be stamped")
	}
}

func TestEnqueueKeepsExistingID(t *testing.T) {
	q, _ := setupQueue(t)

	op := upsertOp("prescription", "RX1", 0)
	op.OpID = "op-fixed"

	opID, err := q.Enqueue(op)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if opID != "op-fixed" {
		t.Errorf("expected opId op-fixed, got %s", opID)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, _ := setupQueue(t)

	if _, err := q.Enqueue(syncproto.Op{Entity: "appointment", Action: "merge"}); err == nil {
		t.Error("expected error for unknown action")
	}
	if _, err := q.Enqueue(syncproto.Op{Entity: "appointment", Action: syncproto.ActionDelete}); err == nil {
		t.Error("expected error for delete without entityId")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	q := New(store, nil)
	opID, err := q.Enqueue(upsertOp("triagelog", "T1", 0))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := kvstore.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	q2 := New(reopened, nil)
	ops, err := q2.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ops) != 1 || ops[0].OpID != opID {
		t.Fatalf("expected op %s to survive reopen, got %v", opID, ops)
	}
}

// An op enqueued while a push is in flight must survive reconciliation of
// that push's snapshot.
func TestRemoveResolvedKeepsMidFlightOps(t *testing.T) {
	q, _ := setupQueue(t)

	idA, err := q.Enqueue(upsertOp("appointment", "E1", 1))
	if err != nil {
		t.Fatalf("Enqueue A failed: %v", err)
	}
	idB, err := q.Enqueue(upsertOp("appointment", "E1", 2))
	if err != nil {
		t.Fatalf("Enqueue B failed: %v", err)
	}

	// Push built from [A, B] is in flight; C arrives.
	idC, err := q.Enqueue(upsertOp("appointment", "E1", 3))
	if err != nil {
		t.Fatalf("Enqueue C failed: %v", err)
	}

	if err := q.RemoveResolved([]string{idA, idB}); err != nil {
		t.Fatalf("RemoveResolved failed: %v", err)
	}

	ops, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected only C to remain, got %d ops", len(ops))
	}
	if ops[0].OpID != idC {
		t.Errorf("expected C (%s) to remain, got %s", idC, ops[0].OpID)
	}
}

func TestRemoveResolvedUnknownIDsNoOp(t *testing.T) {
	q, _ := setupQueue(t)

	if _, err := q.Enqueue(upsertOp("inventory", "SKU-9", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.RemoveResolved([]string{"never-issued"}); err != nil {
		t.Fatalf("RemoveResolved failed: %v", err)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("expected 1 op, got %d", got)
	}
}

func TestCorruptQueueTreatedAsEmpty(t *testing.T) {
	q, store := setupQueue(t)

	if _, err := q.Enqueue(upsertOp("followup", "F1", 0)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Corrupt the persisted queue directly.
	if err := store.Put("sync/queue", []byte("{not json")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ops, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected corrupt queue to read as empty, got %d ops", len(ops))
	}

	// Forward progress: enqueue still works after corruption.
	if _, err := q.Enqueue(upsertOp("followup", "F2", 0)); err != nil {
		t.Fatalf("Enqueue after corruption failed: %v", err)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("expected 1 op after recovery, got %d", got)
	}
}
