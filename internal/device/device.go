// Package device manages the installation's stable identity and its pull
// watermark. The identity scopes the watermark so independent devices do not
// interfere with each other's incremental cursors.
package device

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/medbridge/medsync/internal/kvstore"
)

const (
	idKey        = "sync/device_id"
	watermarkKey = "sync/watermark"
)

// Identity persists the device id and watermark in the key-value store.
type Identity struct {
	store  *kvstore.Store
	logger *log.Logger
	mu     sync.Mutex
}

// New creates an Identity on top of an initialized key-value store.
func New(store *kvstore.Store, logger *log.Logger) *Identity {
	if logger == nil {
		logger = log.New(os.Stderr, "[device] ", log.LstdFlags)
	}
	return &Identity{store: store, logger: logger}
}

// EnsureID returns the device identifier, generating and persisting one on
// first use. The id is generated exactly once per installation.
func (d *Identity) EnsureID() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := d.store.Get(idKey)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		d.logger.Printf("WARNING: failed to read device id, regenerating: %v", err)
	}

	id := uuid.New().String()
	if err := d.store.Put(idKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	d.logger.Printf("Generated device id: %s", id)
	return id, nil
}

// Watermark returns the last successfully pulled watermark, or the empty
// string when no pull has completed yet. A corrupt or missing value reads
// as empty, which requests a full snapshot on the next pull.
func (d *Identity) Watermark() string {
	raw, err := d.store.Get(watermarkKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ""
	}
	if err != nil {
		d.logger.Printf("WARNING: failed to read watermark, treating as empty: %v", err)
		return ""
	}
	return string(raw)
}

// SetWatermark advances the watermark. Callers must only invoke this after a
// pull that completed without error; the watermark never moves on failure.
func (d *Identity) SetWatermark(mark string) error {
	if err := d.store.Put(watermarkKey, []byte(mark)); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}
	return nil
}

// ClearWatermark drops the cursor so the next pull fetches a full snapshot.
func (d *Identity) ClearWatermark() error {
	if err := d.store.Delete(watermarkKey); err != nil {
		return fmt.Errorf("failed to clear watermark: %w", err)
	}
	return nil
}
