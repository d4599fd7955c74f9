// Package engine implements the sync orchestrator: it drives periodic and
// triggered cycles of push-then-pull against the authoritative store,
// enforcing mutual exclusion and the connectivity/credential preconditions.
//
// The engine is deliberately forgetful about failures: a failed phase is
// logged and the untouched state (queue, watermark) means the next cycle
// retries exactly the same work.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/syncproto"
)

// Connectivity answers whether the store is reachable right now. Offline is
// a precondition failure, not an error.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// TokenFunc supplies the bearer token gating push and pull. Returning an
// error or an empty token is a precondition failure, not an error.
type TokenFunc func(ctx context.Context) (string, error)

// Events receives sync lifecycle notifications. All methods must be
// non-blocking; a nil Events is ignored.
type Events interface {
	PushComplete(applied, conflicts int)
	ConflictDetected(e syncproto.ConflictEntry)
	PullComplete(entities, records int, serverTime string)
}

// Config holds engine configuration.
type Config struct {
	// Interval between scheduled cycles (default: 30s).
	Interval time.Duration

	// Connectivity precondition. If nil, the transport's health probe
	// is used.
	Connectivity Connectivity

	// Token supplies the bearer credential. Required.
	Token TokenFunc

	// Events receives lifecycle notifications. Optional.
	Events Events

	// Logger for engine activity.
	Logger *log.Logger
}

// Engine coordinates the op queue, conflict store, local collections, and
// the transport. Construct one per process and share it by reference.
type Engine struct {
	queue       *queue.Queue
	ident       *device.Identity
	conflicts   *conflict.Store
	collections *entity.Collections
	client      *Client

	interval     time.Duration
	connectivity Connectivity
	token        TokenFunc
	events       Events
	logger       *log.Logger

	// cycling guards against overlapping cycles: at most one runs at a
	// time, and triggers arriving mid-cycle are no-ops.
	cycling atomic.Bool

	kick chan struct{}
	wg   sync.WaitGroup
}

// New creates an Engine. If cfg.Logger is nil, a default logger writing to
// stderr is used.
func New(q *queue.Queue, ident *device.Identity, conflicts *conflict.Store,
	collections *entity.Collections, client *Client, cfg Config) *Engine {

	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = probe{client}
	}

	return &Engine{
		queue:        q,
		ident:        ident,
		conflicts:    conflicts,
		collections:  collections,
		client:       client,
		interval:     cfg.Interval,
		connectivity: cfg.Connectivity,
		token:        cfg.Token,
		events:       cfg.Events,
		logger:       cfg.Logger,
		kick:         make(chan struct{}, 1),
	}
}

// probe adapts the transport health check into a Connectivity.
type probe struct{ client *Client }

func (p probe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.client.Healthy(ctx)
}

// Kick schedules a best-effort sync attempt without waiting for it. Entity
// services call this after a local write; failures never reach the caller.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
		// A kick is already pending; the next cycle covers this one.
	}
}

// Run drives scheduled and triggered cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Printf("Engine running (interval %v)", e.interval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.RunCycle(ctx)
			case <-e.kick:
				e.RunCycle(ctx)
			}
		}
	}()

	<-ctx.Done()
	e.wg.Wait()
	e.logger.Println("Engine stopped")
}

// RunCycle attempts one push-then-pull cycle. Preconditions (already
// cycling, offline, no credential) make it a silent no-op; phase failures
// are logged and left for the next cycle to retry. The returned error
// exists for interactive callers; background triggers ignore it.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.cycling.CompareAndSwap(false, true) {
		return nil
	}
	defer e.cycling.Store(false)

	if !e.connectivity.Online(ctx) {
		e.logger.Println("Skipping cycle: offline")
		return nil
	}

	token, err := e.token(ctx)
	if err != nil || token == "" {
		e.logger.Println("Skipping cycle: no valid credential")
		return nil
	}

	if err := e.pushQueue(ctx, token); err != nil {
		e.logger.Printf("Push failed (will retry next cycle): %v", err)
		return err
	}
	if err := e.pullDeltas(ctx, token); err != nil {
		e.logger.Printf("Pull failed (will retry next cycle): %v", err)
		return err
	}
	return nil
}

// pushQueue sends the current queue snapshot and reconciles the outcome:
// resolved ops leave the queue, conflicts are durably recorded, and ops the
// store did not mention stay queued.
func (e *Engine) pushQueue(ctx context.Context, token string) error {
	ops, err := e.queue.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot queue: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	deviceID, err := e.ident.EnsureID()
	if err != nil {
		return err
	}

	resp, err := e.client.Push(ctx, token, syncproto.PushRequest{
		DeviceID: deviceID,
		Ops:      ops,
	})
	if err != nil {
		return err
	}

	resolved := make([]string, 0, len(resp.Applied)+len(resp.Conflicts))
	for _, a := range resp.Applied {
		resolved = append(resolved, a.OpID)
	}
	for _, c := range resp.Conflicts {
		resolved = append(resolved, c.OpID)
	}

	// Record conflicts before pruning: if the append fails, the conflicted
	// ops stay queued and the next push re-delivers them.
	if err := e.conflicts.Append(resp.Conflicts); err != nil {
		return fmt.Errorf("failed to record conflicts: %w", err)
	}

	// Re-reads the live queue, so ops enqueued during the request survive.
	if err := e.queue.RemoveResolved(resolved); err != nil {
		return fmt.Errorf("failed to prune queue: %w", err)
	}

	e.logger.Printf("Pushed %d ops: applied=%d conflicts=%d",
		len(ops), len(resp.Applied), len(resp.Conflicts))

	if e.events != nil {
		e.events.PushComplete(len(resp.Applied), len(resp.Conflicts))
		for _, c := range resp.Conflicts {
			e.events.ConflictDetected(c)
		}
	}
	return nil
}

// pullDeltas fetches changes since the watermark and folds them into the
// local collections. The watermark advances only when every collection
// merged and persisted without error.
func (e *Engine) pullDeltas(ctx context.Context, token string) error {
	deviceID, err := e.ident.EnsureID()
	if err != nil {
		return err
	}
	since := e.ident.Watermark()

	resp, err := e.client.Pull(ctx, token, deviceID, since)
	if err != nil {
		return err
	}

	var total int
	for tag, records := range resp.Records {
		if !entity.Known(tag) {
			e.logger.Printf("WARNING: ignoring unknown entity %q in pull", tag)
			continue
		}
		if err := e.collections.Merge(tag, records); err != nil {
			return fmt.Errorf("failed to merge %s: %w", tag, err)
		}
		total += len(records)
	}

	if err := e.ident.SetWatermark(resp.ServerTime); err != nil {
		return err
	}

	e.logger.Printf("Pulled %d records across %d entities (watermark %s)",
		total, len(resp.Records), resp.ServerTime)

	if e.events != nil {
		e.events.PullComplete(len(resp.Records), total, resp.ServerTime)
	}
	return nil
}

// QueueDepth reports the number of pending ops, for status surfaces.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}
