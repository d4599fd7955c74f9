// Package queue implements the durable op queue: an ordered, persisted list
// of pending mutation intents that survives process restart.
//
// Invariant: an op present in the queue has never received a definitive
// outcome from the authoritative store; an op absent from the queue has
// either never existed or has been resolved exactly once.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/medbridge/medsync/internal/kvstore"
	"github.com/medbridge/medsync/internal/syncproto"
)

const queueKey = "sync/queue"

// Queue is a durable FIFO of pending ops backed by the key-value store.
// Every mutation is persisted synchronously before the call returns.
type Queue struct {
	store  *kvstore.Store
	logger *log.Logger
	mu     sync.Mutex
}

// New creates a Queue on top of an initialized key-value store.
// If logger is nil, a default logger writing to stderr is used.
func New(store *kvstore.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{store: store, logger: logger}
}

// Enqueue assigns an opId if absent, stamps the client timestamp, appends
// the op, and persists before returning. A crash immediately after Enqueue
// never loses the intent.
func (q *Queue) Enqueue(op syncproto.Op) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.OpID == "" {
		op.OpID = uuid.New().String()
	}
	if op.ClientTimestamp == "" {
		op.ClientTimestamp = syncproto.Now()
	}
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid op: %w", err)
	}

	ops := q.load()
	ops = append(ops, op)
	if err := q.save(ops); err != nil {
		return "", err
	}
	return op.OpID, nil
}

// Snapshot returns the queue's current contents for a push attempt. It does
// not lock the queue against concurrent appends; ops enqueued after the
// snapshot simply wait for the next cycle.
func (q *Queue) Snapshot() ([]syncproto.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(), nil
}

// RemoveResolved re-reads the live queue and removes only the given opIds.
// Ops enqueued while a push was in flight are never discarded.
func (q *Queue) RemoveResolved(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	resolved := make(map[string]bool, len(opIDs))
	for _, id := range opIDs {
		resolved[id] = true
	}

	live := q.load()
	kept := live[:0]
	for _, op := range live {
		if !resolved[op.OpID] {
			kept = append(kept, op)
		}
	}
	if len(kept) == len(live) {
		return nil
	}
	return q.save(kept)
}

// Len returns the number of pending ops.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.load())
}

// load reads the persisted queue. A corrupt or missing value is treated as
// an empty queue so a single corruption never blocks forward progress.
func (q *Queue) load() []syncproto.Op {
	raw, err := q.store.Get(queueKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		q.logger.Printf("WARNING: failed to read queue, treating as empty: %v", err)
		return nil
	}

	var ops []syncproto.Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		q.logger.Printf("WARNING: corrupt queue discarded: %v", err)
		return nil
	}
	return ops
}

func (q *Queue) save(ops []syncproto.Op) error {
	if ops == nil {
		ops = []syncproto.Op{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := q.store.Put(queueKey, raw); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}
