package entity

import (
	"encoding/json"
	"fmt"

	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/syncproto"
)

// Kicker schedules a best-effort sync attempt. The attempt is non-blocking
// and its failure never surfaces to the caller.
type Kicker interface {
	Kick()
}

// Service is the write path for one entity domain: it enqueues a durable op
// and then kicks off a sync attempt without waiting.
type Service struct {
	tag         string
	queue       *queue.Queue
	engine      Kicker
	collections *Collections
}

// NewService creates a service for tag. Returns an error for unknown tags.
func NewService(tag string, q *queue.Queue, engine Kicker, collections *Collections) (*Service, error) {
	if !Known(tag) {
		return nil, fmt.Errorf("unknown entity tag %q", tag)
	}
	return &Service{tag: tag, queue: q, engine: engine, collections: collections}, nil
}

// Tag returns the entity tag this service writes.
func (s *Service) Tag() string {
	return s.tag
}

// Save enqueues an upsert for entityID carrying payload, then kicks a sync
// attempt. baseVersion 0 means the entity is being created. Enqueue is
// synchronous and durable; the sync attempt is fire-and-forget.
func (s *Service) Save(entityID string, baseVersion int64, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", s.tag, err)
	}

	opID, err := s.queue.Enqueue(syncproto.Op{
		Entity:      s.tag,
		Action:      syncproto.ActionUpsert,
		EntityID:    entityID,
		BaseVersion: baseVersion,
		Payload:     data,
	})
	if err != nil {
		return "", err
	}

	if s.engine != nil {
		s.engine.Kick()
	}
	return opID, nil
}

// Delete enqueues a tombstoning delete for entityID, then kicks a sync
// attempt.
func (s *Service) Delete(entityID string, baseVersion int64) (string, error) {
	opID, err := s.queue.Enqueue(syncproto.Op{
		Entity:      s.tag,
		Action:      syncproto.ActionDelete,
		EntityID:    entityID,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return "", err
	}

	if s.engine != nil {
		s.engine.Kick()
	}
	return opID, nil
}

// Local returns the merged local collection for this entity.
func (s *Service) Local() []syncproto.Record {
	return s.collections.Load(s.tag)
}
