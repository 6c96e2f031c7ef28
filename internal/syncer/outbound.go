package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	lserrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/store"
)

// DrainSummary reports the outcome of one outbound drain pass.
type DrainSummary struct {
	Due       int
	Succeeded int
	Failed    int
}

// dispatchKey selects the handler for a queue item.
type dispatchKey struct {
	entity models.EntityType
	action models.Action
}

type dispatchFunc func(ctx context.Context, s *Syncer, qi store.QueueItem) error

// newDispatchTable builds the closed (EntityType, Action) handler table.
// Every supported combination gets an entry up front, so an unroutable
// queue item is a programming error surfaced at dispatch, not a silent
// drop.
func newDispatchTable() map[dispatchKey]dispatchFunc {
	table := make(map[dispatchKey]dispatchFunc)

	for _, et := range models.AllEntityTypes() {
		for _, a := range []models.Action{models.ActionCreate, models.ActionUpdate, models.ActionDelete, models.ActionSend} {
			if !models.SupportsAction(et, a) {
				continue
			}

			switch a {
			case models.ActionCreate:
				table[dispatchKey{et, a}] = dispatchCreate
			case models.ActionUpdate:
				table[dispatchKey{et, a}] = dispatchUpdate
			case models.ActionDelete:
				table[dispatchKey{et, a}] = dispatchDelete
			case models.ActionSend:
				table[dispatchKey{et, a}] = dispatchSend
			}
		}
	}

	return table
}

// RunOutbound drains all currently due queue items once. Concurrent calls
// while a drain is in flight join the same pass and receive its outcome.
func (s *Syncer) RunOutbound(ctx context.Context) (DrainSummary, error) {
	v, err, _ := s.session.flights.Do("outbound", func() (any, error) {
		s.session.setOutbound(true)
		defer s.session.setOutbound(false)

		return s.drainOnce(ctx)
	})

	summary, _ := v.(DrainSummary)

	return summary, err
}

// drainOnce processes each due item to exactly one outcome: removed on
// confirmed success, rescheduled with backoff, or terminally failed once
// the attempt budget is spent.
func (s *Syncer) drainOnce(ctx context.Context) (DrainSummary, error) {
	now := time.Now()

	due, err := s.queue.listDue(now)
	if err != nil {
		return DrainSummary{}, err
	}

	summary := DrainSummary{Due: len(due)}
	if len(due) == 0 {
		return summary, nil
	}

	s.events.Publish(bus.Event{Topic: bus.TopicSyncStart, Pending: len(due)})
	s.logger.Info("draining mutation queue", slog.Int("due", len(due)))

	for _, stale := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		// Re-read before dispatch: a create earlier in this pass may have
		// re-keyed this item to the canonical identifier.
		fresh, err := s.store.GetQueueItem(stale.Seq)
		if err != nil {
			return summary, err
		}
		if fresh == nil {
			continue
		}

		qi, err := s.queue.markAttempt(*fresh, time.Now())
		if err != nil {
			return summary, err
		}

		dispatchErr := s.dispatchItem(ctx, qi)
		if dispatchErr == nil {
			if err := s.queue.remove(qi.Seq); err != nil {
				return summary, err
			}
			summary.Succeeded++

			continue
		}

		summary.Failed++
		s.events.Publish(bus.Event{Topic: bus.TopicSyncError, Err: dispatchErr})

		if qi.Attempts >= s.opts.MaxAttempts {
			s.logger.Warn("mutation failed terminally",
				slog.Uint64("seq", qi.Seq),
				slog.String("entity", string(qi.EntityType)),
				slog.String("action", string(qi.Action)),
				slog.Int("attempts", qi.Attempts),
				slog.String("error", dispatchErr.Error()),
			)
			if err := s.queue.markFailed(qi, dispatchErr); err != nil {
				return summary, err
			}

			continue
		}

		s.logger.Warn("mutation dispatch failed, will retry",
			slog.Uint64("seq", qi.Seq),
			slog.String("entity", string(qi.EntityType)),
			slog.String("action", string(qi.Action)),
			slog.Int("attempts", qi.Attempts),
			slog.Duration("backoff", s.queue.backoff(qi.Attempts)),
			slog.String("error", dispatchErr.Error()),
		)
		if err := s.queue.markRetry(qi, time.Now(), dispatchErr); err != nil {
			return summary, err
		}
	}

	s.events.Publish(bus.Event{
		Topic:     bus.TopicSyncFinished,
		Pending:   summary.Due,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	})

	return summary, nil
}

func (s *Syncer) dispatchItem(ctx context.Context, qi store.QueueItem) error {
	h, ok := s.dispatch[dispatchKey{qi.EntityType, qi.Action}]
	if !ok {
		return fmt.Errorf("no handler for %s %s", qi.EntityType, qi.Action)
	}

	return h(ctx, s, qi)
}

// dispatchCreate submits the create and replaces the temp record with the
// canonical one in a single store transaction, then re-keys any queued
// follow-up mutations to the canonical identifier.
func dispatchCreate(ctx context.Context, s *Syncer, qi store.QueueItem) error {
	canonical, err := s.remote.Create(ctx, qi.EntityType, qi.Payload)
	if err != nil {
		return err
	}

	id := canonicalID(canonical)
	if id == "" {
		return fmt.Errorf("%w: create response for %s carries no id", lserrors.ErrAPIResponse, qi.EntityType)
	}

	rec, dropped, err := canonicalRecord(canonical, id)
	if err != nil {
		return fmt.Errorf("sanitizing canonical %s: %w", qi.EntityType, err)
	}
	s.recordDropped(qi.EntityType, id, dropped)

	if err := s.store.ReplaceRecord(qi.EntityType, qi.EntityID, id, rec); err != nil {
		return fmt.Errorf("replacing temp record: %w", err)
	}

	if err := s.store.RewriteQueueTarget(qi.EntityType, qi.EntityID, id); err != nil {
		return fmt.Errorf("re-keying queued mutations: %w", err)
	}

	s.logger.Info("created",
		slog.String("entity", string(qi.EntityType)),
		slog.String("temp_id", qi.EntityID),
		slog.String("id", id),
	)

	return nil
}

// dispatchUpdate submits the update. An identifier the remote no longer
// recognizes means the states already converged; the item is consumed
// without error.
func dispatchUpdate(ctx context.Context, s *Syncer, qi store.QueueItem) error {
	canonical, err := s.remote.Update(ctx, qi.EntityType, qi.EntityID, qi.Payload)
	if err != nil {
		if errors.Is(err, lserrors.ErrNotFound) {
			s.logger.Debug("update target gone on remote, treating as converged",
				slog.String("entity", string(qi.EntityType)),
				slog.String("id", qi.EntityID),
			)

			return nil
		}

		return err
	}

	return s.persistCanonical(qi.EntityType, qi.EntityID, canonical)
}

// dispatchDelete submits the delete. Temp identifiers never reached the
// remote, and unknown identifiers are already gone; both resolve locally.
func dispatchDelete(ctx context.Context, s *Syncer, qi store.QueueItem) error {
	if !models.IsTempID(qi.EntityID) {
		if err := s.remote.Delete(ctx, qi.EntityType, qi.EntityID); err != nil && !errors.Is(err, lserrors.ErrNotFound) {
			return err
		}
	}

	if err := s.store.DeleteRecord(qi.EntityType, qi.EntityID); err != nil {
		return fmt.Errorf("deleting local record: %w", err)
	}

	s.logger.Info("deleted",
		slog.String("entity", string(qi.EntityType)),
		slog.String("id", qi.EntityID),
	)

	return nil
}

// dispatchSend triggers the entity's state transition on the remote.
func dispatchSend(ctx context.Context, s *Syncer, qi store.QueueItem) error {
	canonical, err := s.remote.Send(ctx, qi.EntityType, qi.EntityID)
	if err != nil {
		if errors.Is(err, lserrors.ErrNotFound) {
			s.logger.Debug("send target gone on remote, treating as converged",
				slog.String("entity", string(qi.EntityType)),
				slog.String("id", qi.EntityID),
			)

			return nil
		}

		return err
	}

	return s.persistCanonical(qi.EntityType, qi.EntityID, canonical)
}

// persistCanonical upserts the remote's canonical response for an entity,
// keyed by its canonical id (falling back to the dispatched id when the
// response omits one).
func (s *Syncer) persistCanonical(et models.EntityType, fallbackID string, canonical []byte) error {
	if len(canonical) == 0 {
		return s.markRecordSynced(et, fallbackID)
	}

	id := canonicalID(canonical)
	if id == "" {
		id = fallbackID
	}

	rec, dropped, err := canonicalRecord(canonical, id)
	if err != nil {
		return fmt.Errorf("sanitizing canonical %s: %w", et, err)
	}
	s.recordDropped(et, id, dropped)

	return s.store.PutRecord(et, id, rec)
}

// markRecordSynced clears the pending flag after a confirmed dispatch
// whose response carried no canonical body.
func (s *Syncer) markRecordSynced(et models.EntityType, id string) error {
	existing, err := s.store.GetRecord(et, id)
	if err != nil || existing == nil {
		return err
	}

	rec, err := setRecordStatus(existing, statusSynced)
	if err != nil {
		return fmt.Errorf("marking record synced: %w", err)
	}

	return s.store.PutRecord(et, id, rec)
}
