package conflict

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/syncproto"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	if err := kv.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return New(kv, nil)
}

func sampleEntries() []syncproto.ConflictEntry {
	return []syncproto.ConflictEntry{
		{
			OpID:          "op-1",
			EntityID:      "E1",
			ServerVersion: 2,
			Reason:        syncproto.ReasonVersionMismatch,
			ServerData:    json.RawMessage(`{"id":"E1","version":2}`),
		},
		{
			OpID:          "op-2",
			EntityID:      "E1",
			ServerVersion: 2,
			Reason:        syncproto.ReasonVersionMismatch,
		},
	}
}

func TestAppendAndAll(t *testing.T) {
	store := setupStore(t)

	if err := store.Append(sampleEntries()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, err := store.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].OpID != "op-1" || records[1].OpID != "op-2" {
		t.Errorf("append order not preserved: %v", records)
	}
	if records[0].RecordedAt == "" {
		t.Error("expected recordedAt to be stamped")
	}
}

func TestAppendAccumulates(t *testing.T) {
	store := setupStore(t)

	entries := sampleEntries()
	if err := store.Append(entries[:1]); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if err := store.Append(entries[1:]); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if got := store.Count(); got != 2 {
		t.Errorf("expected 2 records, got %d", got)
	}
}

// A conflicted op that is re-delivered (the push was reconciled but the
// queue prune did not complete) must not gain a second record.
func TestAppendSkipsRecordedOpIDs(t *testing.T) {
	store := setupStore(t)

	entries := sampleEntries()
	if err := store.Append(entries); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if err := store.Append(entries[:1]); err != nil {
		t.Fatalf("repeat Append failed: %v", err)
	}

	if got := store.Count(); got != 2 {
		t.Errorf("expected 2 records after re-delivery, got %d", got)
	}
}

func TestExportJSONL(t *testing.T) {
	store := setupStore(t)

	if err := store.Append(sampleEntries()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var buf bytes.Buffer
	if err := store.ExportJSONL(&buf); err != nil {
		t.Fatalf("ExportJSONL failed: %v", err)
	}

	var lines int
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestExportYAML(t *testing.T) {
	store := setupStore(t)

	if err := store.Append(sampleEntries()[:1]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	var buf bytes.Buffer
	if err := store.ExportYAML(&buf); err != nil {
		t.Fatalf("ExportYAML failed: %v", err)
	}
	if !strings.Contains(buf.String(), "op-1") {
		t.Errorf("expected export to mention op-1, got:\n%s", buf.String())
	}
}
