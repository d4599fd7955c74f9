package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/syncproto"
)

type countingKicker struct{ kicks int }

func (k *countingKicker) Kick() { k.kicks++ }

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	if err := kv.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return queue.New(kv, nil)
}

func writeOpFile(t *testing.T, dir, name string, op syncproto.Op) {
	t.Helper()

	raw, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("failed to marshal op: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0644); err != nil {
		t.Fatalf("failed to write op file: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestIngestExistingOnStart(t *testing.T) {
	q := setupQueue(t)
	spool := t.TempDir()

	writeOpFile(t, spool, "op1.json", syncproto.Op{
		Entity:   "appointment",
		Action:   syncproto.ActionUpsert,
		EntityID: "E1",
		Payload:  json.RawMessage(`{}`),
	})

	kicker := &countingKicker{}
	w, err := New(spool, q, kicker, &Config{DebounceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return q.Len() == 1 })

	// The ingested file is removed from the spool.
	if _, err := os.Stat(filepath.Join(spool, "op1.json")); !os.IsNotExist(err) {
		t.Error("expected ingested file to be removed")
	}

	cancel()
	<-done
}

func TestIngestDroppedFile(t *testing.T) {
	q := setupQueue(t)
	spool := t.TempDir()

	w, err := New(spool, q, &countingKicker{}, &Config{DebounceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before dropping the file.
	time.Sleep(100 * time.Millisecond)

	writeOpFile(t, spool, "op2.json", syncproto.Op{
		Entity:   "inventory",
		Action:   syncproto.ActionUpsert,
		EntityID: "SKU-1",
		Payload:  json.RawMessage(`{"sku":"SKU-1","stock":12}`),
	})

	waitFor(t, 5*time.Second, func() bool { return q.Len() == 1 })

	ops, err := q.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if ops[0].Entity != "inventory" || ops[0].EntityID != "SKU-1" {
		t.Errorf("unexpected op: %+v", ops[0])
	}
	if ops[0].OpID == "" || ops[0].ClientTimestamp == "" {
		t.Error("expected enqueue to stamp opId and clientTimestamp")
	}
}

func TestMalformedFileSkipped(t *testing.T) {
	q := setupQueue(t)
	spool := t.TempDir()

	if err := os.WriteFile(filepath.Join(spool, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write bad file: %v", err)
	}

	w, err := New(spool, q, &countingKicker{}, &Config{DebounceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	if q.Len() != 0 {
		t.Errorf("expected nothing enqueued from malformed file, got %d", q.Len())
	}

	// Malformed files stay put for inspection.
	if _, err := os.Stat(filepath.Join(spool, "bad.json")); err != nil {
		t.Errorf("expected malformed file to remain: %v", err)
	}

	cancel()
	<-done
}
