// Package merge implements the reconciler that folds pulled entity records
// into the local per-entity collections using last-write-wins.
package merge

import (
	"sort"

	"github.com/medbridge/medsync/internal/syncproto"
)

// KeyFunc extracts the natural key a collection is merged by, e.g. the
// record id for appointments or the SKU for pharmacy inventory.
type KeyFunc func(syncproto.Record) string

// ByID keys a collection by record id.
func ByID(r syncproto.Record) string {
	return r.ID
}

// Reconcile merges incoming records into local and returns the resulting
// collection, sorted by key.
//
// Rules, per key:
//   - no local entry: insert the incoming record
//   - both sides carry a store-assigned sequence number: the higher
//     sequence wins, ties favor incoming
//   - otherwise: the lexicographically greater Updated wins, ties favor
//     incoming (the wire timestamp layout is fixed-width, so string order
//     is chronological order)
//
// Tombstoned winners are dropped from the result so deletions propagate.
// Merging two records in either order yields the same winner.
func Reconcile(local, incoming []syncproto.Record, key KeyFunc) []syncproto.Record {
	if key == nil {
		key = ByID
	}

	byKey := make(map[string]syncproto.Record, len(local)+len(incoming))
	for _, r := range local {
		byKey[key(r)] = r
	}

	for _, in := range incoming {
		k := key(in)
		cur, ok := byKey[k]
		if !ok || incomingWins(cur, in) {
			byKey[k] = in
		}
	}

	out := make([]syncproto.Record, 0, len(byKey))
	for _, r := range byKey {
		if r.Deleted {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

// incomingWins reports whether the incoming record replaces the current one.
func incomingWins(cur, in syncproto.Record) bool {
	if cur.ServerSeq > 0 && in.ServerSeq > 0 {
		return in.ServerSeq >= cur.ServerSeq
	}
	return in.Updated >= cur.Updated
}
