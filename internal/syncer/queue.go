package syncer

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/store"
)

// queue implements the mutation queue on top of the store: insertion
// order preserved, retry bookkeeping per item, terminal failure after the
// attempt budget is spent. None of its operations touch the network.
type queue struct {
	store       *store.Store
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// append persists a new queue item with a zero attempt count and returns
// it with its assigned sequence.
func (q *queue) append(et models.EntityType, action models.Action, entityID string, payload []byte) (store.QueueItem, error) {
	qi := store.QueueItem{
		EntityType: et,
		Action:     action,
		EntityID:   entityID,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	seq, err := q.store.AppendQueueItem(qi)
	if err != nil {
		return store.QueueItem{}, fmt.Errorf("appending queue item: %w", err)
	}
	qi.Seq = seq

	return qi, nil
}

// listDue returns the non-failed items eligible for dispatch at now, in
// insertion order. A retried item keeps its insertion position; only its
// eligibility moves.
func (q *queue) listDue(now time.Time) ([]store.QueueItem, error) {
	all, err := q.store.AllQueueItems()
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}

	nowMs := now.UnixMilli()
	due := make([]store.QueueItem, 0, len(all))
	for _, qi := range all {
		if qi.Failed {
			continue
		}
		if qi.NextAttemptAt != 0 && qi.NextAttemptAt > nowMs {
			continue
		}

		due = append(due, qi)
	}

	return due, nil
}

// markAttempt increments the attempt counter and stamps the attempt time
// before dispatch, so a crash mid-dispatch still counts toward the budget.
func (q *queue) markAttempt(qi store.QueueItem, now time.Time) (store.QueueItem, error) {
	qi.Attempts++
	qi.LastAttemptAt = now.UnixMilli()

	if err := q.store.UpdateQueueItem(qi); err != nil {
		return qi, fmt.Errorf("marking attempt: %w", err)
	}

	return qi, nil
}

// markRetry reschedules a failed item with capped exponential backoff.
func (q *queue) markRetry(qi store.QueueItem, now time.Time, dispatchErr error) error {
	qi.NextAttemptAt = now.Add(q.backoff(qi.Attempts)).UnixMilli()
	qi.LastError = dispatchErr.Error()

	if err := q.store.UpdateQueueItem(qi); err != nil {
		return fmt.Errorf("marking retry: %w", err)
	}

	return nil
}

// markFailed flags an item as terminally failed. It is retained for
// inspection but never auto-retried again.
func (q *queue) markFailed(qi store.QueueItem, dispatchErr error) error {
	qi.Failed = true
	qi.LastError = dispatchErr.Error()

	if err := q.store.UpdateQueueItem(qi); err != nil {
		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// backoff returns min(cap, 2^attempts * base).
func (q *queue) backoff(attempts int) time.Duration {
	d := q.backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.backoffCap {
			return q.backoffCap
		}
	}

	return d
}

// remove deletes a confirmed item.
func (q *queue) remove(seq uint64) error {
	return q.store.DeleteQueueItem(seq)
}

// listFailed returns the terminally failed items in insertion order.
func (q *queue) listFailed() ([]store.QueueItem, error) {
	all, err := q.store.AllQueueItems()
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}

	var failed []store.QueueItem
	for _, qi := range all {
		if qi.Failed {
			failed = append(failed, qi)
		}
	}

	return failed, nil
}

// clearFailed removes only the terminally failed items.
func (q *queue) clearFailed() error {
	failed, err := q.listFailed()
	if err != nil {
		return err
	}

	for _, qi := range failed {
		if err := q.store.DeleteQueueItem(qi.Seq); err != nil {
			return fmt.Errorf("removing failed item %d: %w", qi.Seq, err)
		}
	}

	return nil
}

// pendingCount returns the number of queue items, failed included: all of
// them represent local changes that have not reached the remote.
func (q *queue) pendingCount() (int, error) {
	return q.store.QueueLen()
}
