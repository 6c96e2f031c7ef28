// Package syncer is the reconciliation engine between the local store and
// the remote ledger API. Outgoing mutations are queued, retried with
// capped exponential backoff, and confirmed exactly once; inbound full
// pulls reconcile the authoritative state into the cache under ownership
// and integrity checks. Both engines coalesce concurrent invocations into
// a single flight.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/sanitize"
	"github.com/alexjbarnes/ledger-sync/internal/store"
)

// RemoteService is the narrow interface the engine consumes from the
// ledger API: one operation group per entity type plus identity
// resolution.
type RemoteService interface {
	FetchAll(ctx context.Context, et models.EntityType) ([]json.RawMessage, error)
	Create(ctx context.Context, et models.EntityType, payload []byte) (json.RawMessage, error)
	Update(ctx context.Context, et models.EntityType, id string, payload []byte) (json.RawMessage, error)
	Delete(ctx context.Context, et models.EntityType, id string) error
	Send(ctx context.Context, et models.EntityType, id string) (json.RawMessage, error)
	ResolveIdentity(ctx context.Context) (string, error)
}

// Options tune the retry and rate-gate policy. Zero values fall back to
// the defaults.
type Options struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MinPullInterval time.Duration
	PromptTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.MinPullInterval == 0 {
		o.MinPullInterval = 30 * time.Second
	}
	if o.PromptTimeout == 0 {
		o.PromptTimeout = 30 * time.Second
	}

	return o
}

// Syncer owns both engines, the queue, and the sync session.
type Syncer struct {
	store  *store.Store
	remote RemoteService
	events *bus.Bus
	logger *slog.Logger
	opts   Options

	queue    *queue
	session  *session
	dispatch map[dispatchKey]dispatchFunc
}

// New wires a Syncer over an opened store and a remote client.
func New(st *store.Store, remote RemoteService, events *bus.Bus, logger *slog.Logger, opts Options) *Syncer {
	opts = opts.withDefaults()

	s := &Syncer{
		store:  st,
		remote: remote,
		events: events,
		logger: logger,
		opts:   opts,
		queue: &queue{
			store:       st,
			maxAttempts: opts.MaxAttempts,
			backoffBase: opts.BackoffBase,
			backoffCap:  opts.BackoffCap,
		},
		session: &session{},
	}
	s.dispatch = newDispatchTable()

	return s
}

// Enqueue records a local mutation for later dispatch and applies its
// local projection immediately. Transient remote failures never surface
// here: nothing on this path touches the network.
//
// For creates, entityID must be a temp identifier (use models.NewTempID);
// the record is cached under it until the remote assigns the canonical
// one. A delete whose create never reached the remote is resolved locally
// and nothing is queued.
func (s *Syncer) Enqueue(et models.EntityType, action models.Action, entityID string, payload any) error {
	if !models.SupportsAction(et, action) {
		return fmt.Errorf("entity %s does not support action %s", et, action)
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if action == models.ActionCreate && !models.IsTempID(entityID) {
		return fmt.Errorf("create requires a temp id, got %q", entityID)
	}

	if action == models.ActionDelete {
		resolved, err := s.resolveLocalOnlyDelete(et, entityID)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
	}

	data, err := s.applyLocalProjection(et, action, entityID, payload)
	if err != nil {
		return err
	}

	if _, err := s.queue.append(et, action, entityID, data); err != nil {
		return err
	}

	s.logger.Debug("mutation queued",
		slog.String("entity", string(et)),
		slog.String("action", string(action)),
		slog.String("id", entityID),
	)

	return nil
}

// resolveLocalOnlyDelete handles deleting an entity whose create is still
// queued: the remote has never heard of it, so the create (and any queued
// follow-ups) are dropped together with the temp record and no remote
// delete is issued. Reports whether the delete was fully resolved locally.
func (s *Syncer) resolveLocalOnlyDelete(et models.EntityType, entityID string) (bool, error) {
	if !models.IsTempID(entityID) {
		return false, nil
	}

	queued, err := s.store.QueueItemsFor(et, entityID)
	if err != nil {
		return false, fmt.Errorf("checking queued mutations: %w", err)
	}

	for _, qi := range queued {
		if err := s.queue.remove(qi.Seq); err != nil {
			return false, fmt.Errorf("dropping queued mutation %d: %w", qi.Seq, err)
		}
	}

	if err := s.store.DeleteRecord(et, entityID); err != nil {
		return false, fmt.Errorf("deleting temp record: %w", err)
	}

	s.logger.Debug("delete resolved locally, create never dispatched",
		slog.String("entity", string(et)),
		slog.String("id", entityID),
	)

	return true, nil
}

// applyLocalProjection updates the cached record to reflect the queued
// mutation before it reaches the remote, marking it pending so inbound
// pulls do not overwrite it. Returns the sanitized payload for the queue.
func (s *Syncer) applyLocalProjection(et models.EntityType, action models.Action, entityID string, payload any) ([]byte, error) {
	data, dropped, err := cleanPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("sanitizing payload: %w", err)
	}
	s.recordDropped(et, entityID, dropped)

	switch action {
	case models.ActionCreate, models.ActionUpdate:
		rec, err := buildRecord(data, entityID, statusPending)
		if err != nil {
			return nil, fmt.Errorf("building local record: %w", err)
		}

		if err := s.store.PutRecord(et, entityID, rec); err != nil {
			return nil, fmt.Errorf("caching local record: %w", err)
		}

	case models.ActionDelete:
		if err := s.store.DeleteRecord(et, entityID); err != nil {
			return nil, fmt.Errorf("deleting local record: %w", err)
		}

	case models.ActionSend:
		if err := s.markRecordPending(et, entityID); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// markRecordPending flips an existing record to pending without touching
// its payload. Missing records are left alone.
func (s *Syncer) markRecordPending(et models.EntityType, entityID string) error {
	existing, err := s.store.GetRecord(et, entityID)
	if err != nil || existing == nil {
		return err
	}

	rec, err := setRecordStatus(existing, statusPending)
	if err != nil {
		return fmt.Errorf("marking record pending: %w", err)
	}

	return s.store.PutRecord(et, entityID, rec)
}

// IsSyncing reports whether either engine is currently in flight.
func (s *Syncer) IsSyncing() bool {
	return s.session.syncing()
}

// ListFailedMutations returns the terminally failed queue items.
func (s *Syncer) ListFailedMutations() ([]store.QueueItem, error) {
	return s.queue.listFailed()
}

// ClearFailedMutations discards the terminally failed queue items.
func (s *Syncer) ClearFailedMutations() error {
	return s.queue.clearFailed()
}

// ClearAllMutations discards the entire queue, failed and pending alike.
func (s *Syncer) ClearAllMutations() error {
	return s.store.ClearQueue()
}

// RespondToClearPrompt answers an outstanding clear-local-data prompt.
// Returns false when no prompt is waiting.
func (s *Syncer) RespondToClearPrompt(d bus.ClearDecision) bool {
	return s.events.Respond(d)
}

// On subscribes to a lifecycle topic. Returns an id for Off.
func (s *Syncer) On(topic bus.Topic, fn func(bus.Event)) int {
	return s.events.Subscribe(topic, fn)
}

// Off removes a subscription made with On.
func (s *Syncer) Off(topic bus.Topic, id int) {
	s.events.Unsubscribe(topic, id)
}

// recordDropped preserves sanitizer drop diagnostics for a record. Store
// failures here are logged, not returned: diagnostics must never block a
// mutation.
func (s *Syncer) recordDropped(et models.EntityType, entityID string, dropped []sanitize.Dropped) {
	for _, d := range dropped {
		key := string(et) + "/" + entityID
		if err := s.store.PutDiagnostic(key, d.Reason+" at "+d.Path, nil); err != nil {
			s.logger.Warn("failed to preserve sanitizer diagnostic",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}
