// Package entity defines the synced entity domains, their natural merge
// keys, and the local per-entity collections the pull reconciler folds
// delta records into.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/merge"
	"github.com/medbridge/medsync/internal/syncproto"
)

// Entity tags recognized by the sync subsystem.
const (
	TagAppointment  = "appointment"
	TagHealthRecord = "healthrecord"
	TagPrescription = "prescription"
	TagTriageLog    = "triagelog"
	TagFollowUp     = "followup"
	TagInventory    = "inventory"
)

// Tags returns every known entity tag in stable order.
func Tags() []string {
	return []string{
		TagAppointment,
		TagHealthRecord,
		TagPrescription,
		TagTriageLog,
		TagFollowUp,
		TagInventory,
	}
}

// Known reports whether tag names a synced entity domain.
func Known(tag string) bool {
	for _, t := range Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Key returns the natural-key function a tag's collection merges by.
// Inventory merges by SKU; everything else merges by record id.
func Key(tag string) merge.KeyFunc {
	if tag == TagInventory {
		return skuKey
	}
	return merge.ByID
}

// skuKey extracts the SKU from an inventory record's payload, falling back
// to the record id when the payload has none.
func skuKey(r syncproto.Record) string {
	var payload struct {
		SKU string `json:"sku"`
	}
	if err := json.Unmarshal(r.Data, &payload); err == nil && payload.SKU != "" {
		return payload.SKU
	}
	return r.ID
}

// Collections persists the merged per-entity record collections in the
// key-value store, one collection per tag.
type Collections struct {
	store  *kvstore.Store
	logger *log.Logger
	mu     sync.Mutex
}

// NewCollections creates a Collections on top of an initialized store.
func NewCollections(store *kvstore.Store, logger *log.Logger) *Collections {
	if logger == nil {
		logger = log.New(os.Stderr, "[entity] ", log.LstdFlags)
	}
	return &Collections{store: store, logger: logger}
}

func collectionKey(tag string) string {
	return "collection/" + tag
}

// Load returns the local collection for tag. Corrupt or missing data reads
// as an empty collection.
func (c *Collections) Load(tag string) []syncproto.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(tag)
}

func (c *Collections) load(tag string) []syncproto.Record {
	raw, err := c.store.Get(collectionKey(tag))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Printf("WARNING: failed to read %s collection, treating as empty: %v", tag, err)
		return nil
	}

	var records []syncproto.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		c.logger.Printf("WARNING: corrupt %s collection discarded: %v", tag, err)
		return nil
	}
	return records
}

// Save replaces the local collection for tag.
func (c *Collections) Save(tag string, records []syncproto.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if records == nil {
		records = []syncproto.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode %s collection: %w", tag, err)
	}
	if err := c.store.Put(collectionKey(tag), raw); err != nil {
		return fmt.Errorf("failed to persist %s collection: %w", tag, err)
	}
	return nil
}

// Merge folds incoming delta records into tag's collection using the tag's
// natural key and persists the result.
func (c *Collections) Merge(tag string, incoming []syncproto.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := merge.Reconcile(c.load(tag), incoming, Key(tag))
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode %s collection: %w", tag, err)
	}
	if err := c.store.Put(collectionKey(tag), raw); err != nil {
		return fmt.Errorf("failed to persist %s collection: %w", tag, err)
	}
	return nil
}
