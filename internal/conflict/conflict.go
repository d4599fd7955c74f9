// Package conflict implements the append-only store of operations the
// authoritative store rejected due to a stale version. Records exist purely
// for downstream inspection and manual resolution; nothing here retries.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/syncproto"
)

const conflictsKey = "sync/conflicts"

// Record is a durably stored conflict with the time it was recorded.
type Record struct {
	syncproto.ConflictEntry `yaml:",inline"`
	RecordedAt              string `json:"recordedAt" yaml:"recordedAt"`
}

// Store persists conflict records in the key-value store.
type Store struct {
	store  *kvstore.Store
	logger *log.Logger
	mu     sync.Mutex
}

// New creates a conflict store. If logger is nil, a default logger writing
// to stderr is used.
func New(store *kvstore.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Store{store: store, logger: logger}
}

// Append durably records the given conflict entries verbatim. Existing
// records are never mutated. An opId that is already recorded is skipped,
// so a retried push cannot duplicate its conflict record.
func (s *Store) Append(entries []syncproto.ConflictEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.load()
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.OpID] = true
	}

	now := syncproto.Now()
	for _, e := range entries {
		if seen[e.OpID] {
			continue
		}
		seen[e.OpID] = true
		records = append(records, Record{ConflictEntry: e, RecordedAt: now})
		s.logger.Printf("Recorded conflict: op=%s entity=%s serverVersion=%d reason=%s",
			e.OpID, e.EntityID, e.ServerVersion, e.Reason)
	}
	return s.save(records)
}

// All returns every recorded conflict in append order.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(), nil
}

// Count returns the number of recorded conflicts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load())
}

// ExportJSONL writes one JSON object per line, oldest first.
func (s *Store) ExportJSONL(w io.Writer) error {
	records, err := s.All()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode conflict %s: %w", r.OpID, err)
		}
	}
	return nil
}

// ExportYAML writes the full conflict list as a YAML document.
func (s *Store) ExportYAML(w io.Writer) error {
	records, err := s.All()
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode conflicts: %w", err)
	}
	return nil
}

// load reads the persisted conflict list. Corruption reads as empty rather
// than blocking forward progress.
func (s *Store) load() []Record {
	raw, err := s.store.Get(conflictsKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Printf("WARNING: failed to read conflicts, treating as empty: %v", err)
		return nil
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		s.logger.Printf("WARNING: corrupt conflict log discarded: %v", err)
		return nil
	}
	return records
}

func (s *Store) save(records []Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode conflicts: %w", err)
	}
	if err := s.store.Put(conflictsKey, raw); err != nil {
		return fmt.Errorf("failed to persist conflicts: %w", err)
	}
	return nil
}
