// Package syncproto defines the wire types shared by the sync engine and the
// authoritative store: queued operations, push/pull requests and responses,
// and the versioned record envelope carried by pull deltas.
package syncproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action identifies what a queued operation does to its entity.
type Action string

const (
	// ActionUpsert creates or conditionally updates an entity.
	ActionUpsert Action = "upsert"

	// ActionDelete tombstones an entity so the deletion propagates to
	// other devices through pull.
	ActionDelete Action = "delete"
)

// Conflict reasons reported by the authoritative store.
const (
	// ReasonVersionMismatch means the op's baseVersion did not equal the
	// stored version at apply time.
	ReasonVersionMismatch = "version_mismatch"

	// ReasonIDCollision means an unconditional create hit an existing id.
	ReasonIDCollision = "id_collision"

	// ReasonBadEntity means the op named an entity tag the store does not know.
	ReasonBadEntity = "bad_entity"

	// ReasonNotFound means a delete targeted an entity that does not exist.
	ReasonNotFound = "not_found"
)

// TimeFormat is the fixed-width timestamp layout used for the pull watermark
// and every record's Updated field. Fixed width keeps lexicographic order
// identical to chronological order, which the merge rule depends on.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the wire timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current time in the wire timestamp layout.
func Now() string {
	return FormatTime(time.Now())
}

// Op is a single queued mutation intent. OpID is assigned once at enqueue
// time and is the idempotency key for the whole lifecycle of the intent.
type Op struct {
	OpID            string          `json:"opId"`
	Entity          string          `json:"entity"`
	Action          Action          `json:"action"`
	EntityID        string          `json:"entityId,omitempty"`
	BaseVersion     int64           `json:"baseVersion,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp string          `json:"clientTimestamp"`
}

// Validate checks the fields the store needs to process the op.
func (o *Op) Validate() error {
	if o.OpID == "" {
		return fmt.Errorf("opId is required")
	}
	if o.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if o.Action != ActionUpsert && o.Action != ActionDelete {
		return fmt.Errorf("action must be %q or %q (got %q)", ActionUpsert, ActionDelete, o.Action)
	}
	if o.Action == ActionDelete && o.EntityID == "" {
		return fmt.Errorf("entityId is required for delete")
	}
	if o.BaseVersion < 0 {
		return fmt.Errorf("baseVersion must be non-negative (got %d)", o.BaseVersion)
	}
	return nil
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	DeviceID string `json:"deviceId"`
	Ops      []Op   `json:"ops"`
}

// AppliedEntry reports an op the store applied, with the version it produced.
type AppliedEntry struct {
	OpID       string `json:"opId"`
	EntityID   string `json:"entityId"`
	NewVersion int64  `json:"newVersion"`
}

// ConflictEntry reports an op the store rejected. ServerVersion is the
// version the caller should have used; ServerData optionally carries the
// current stored record.
type ConflictEntry struct {
	OpID          string          `json:"opId"`
	EntityID      string          `json:"entityId"`
	ServerVersion int64           `json:"serverVersion"`
	Reason        string          `json:"reason"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
}

// PushResponse reports per-op outcomes. Every opId appears in at most one of
// the two lists; an opId absent from both was not processed in this batch and
// must remain queued.
type PushResponse struct {
	Applied   []AppliedEntry  `json:"applied"`
	Conflicts []ConflictEntry `json:"conflicts"`
}

// Record is the versioned entity envelope carried by pull responses and
// stored in the local per-entity collections.
type Record struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Updated string `json:"updated"`
	Deleted bool   `json:"deleted,omitempty"`

	// ServerSeq is a store-assigned monotonic sequence number stamped on
	// every applied change. Zero means the record has never round-tripped
	// through the store.
	ServerSeq int64 `json:"serverSeq,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// PullResponse is the body of GET /sync/pull. ServerTime is the store's
// clock at response time and becomes the device's next watermark.
type PullResponse struct {
	ServerTime string              `json:"serverTime"`
	Records    map[string][]Record `json:"records"`
}
