package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	lserrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
)

// RunInbound performs a full pull-and-reconcile from the remote into the
// local store. Runs closer together than the configured minimum interval
// return immediately without effect; concurrent callers join the
// in-flight execution. Returns ErrSyncCancelled when the ownership prompt
// aborts the run and ErrNoIdentity when the session is signed out.
func (s *Syncer) RunInbound(ctx context.Context) error {
	_, err, _ := s.session.flights.Do("inbound", func() (any, error) {
		return nil, s.pullOnce(ctx)
	})

	return err
}

func (s *Syncer) pullOnce(ctx context.Context) error {
	if since := time.Since(s.session.lastFullSync()); since < s.opts.MinPullInterval {
		s.logger.Debug("full pull skipped, ran recently", slog.Duration("since", since))

		return nil
	}

	s.session.setInbound(true)
	defer s.session.setInbound(false)

	// The authoritative identity comes from the remote, never from local
	// state: a stale marker is exactly what the guard exists to catch.
	identity, err := s.remote.ResolveIdentity(ctx)
	if err != nil {
		s.events.Publish(bus.Event{Topic: bus.TopicSyncError, Err: err})

		return fmt.Errorf("resolving identity: %w", err)
	}
	if identity == "" {
		return lserrors.ErrNoIdentity
	}

	proceed, err := s.resolveOwnership(ctx, identity)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Info("inbound sync aborted at ownership prompt")

		return lserrors.ErrSyncCancelled
	}

	// Flush pending local changes first so the pull does not race our own
	// unconfirmed mutations. Drain errors are not fatal to the pull; the
	// pending guard below protects the unconfirmed records.
	if pending, err := s.queue.pendingCount(); err == nil && pending > 0 {
		if _, err := s.RunOutbound(ctx); err != nil {
			s.logger.Warn("outbound flush before pull failed", slog.String("error", err.Error()))
		}
	}

	summary := s.reconcileAll(ctx, identity)

	s.session.markFullSync(time.Now())

	s.events.Publish(bus.Event{
		Topic:     bus.TopicSyncFinished,
		Succeeded: summary.upserted,
		Failed:    summary.groupErrs,
	})
	s.events.Publish(bus.Event{Topic: bus.TopicDataRefreshed})

	s.logger.Info("full pull finished",
		slog.Int("upserted", summary.upserted),
		slog.Int("skipped", summary.skipped),
		slog.Int("placeholders", summary.placeholders),
		slog.Int("failed_groups", summary.groupErrs),
	)

	return nil
}

type pullSummary struct {
	upserted     int
	skipped      int
	placeholders int
	groupErrs    int
}

// reconcileAll fetches and reconciles each entity type independently. A
// fetch failure for one type never aborts the others.
func (s *Syncer) reconcileAll(ctx context.Context, identity string) pullSummary {
	var summary pullSummary

	for _, et := range models.AllEntityTypes() {
		records, err := s.remote.FetchAll(ctx, et)
		if err != nil {
			summary.groupErrs++
			s.logger.Warn("fetch group failed, continuing with others",
				slog.String("entity", string(et)),
				slog.String("error", err.Error()),
			)
			s.events.Publish(bus.Event{Topic: bus.TopicSyncError, Err: err})

			continue
		}

		for _, raw := range records {
			switch s.reconcileRecord(et, raw, identity) {
			case reconcileUpserted:
				summary.upserted++
			case reconcileSkipped:
				summary.skipped++
			case reconcilePlaceholder:
				summary.placeholders++
			}
		}
	}

	return summary
}

type reconcileOutcome int

const (
	reconcileUpserted reconcileOutcome = iota
	reconcileSkipped
	reconcilePlaceholder
)

// reconcileRecord applies one fetched record to the store: integrity
// boundary, ownership filter, pending guard, then upsert by _id. A record
// that fails the boundary leaves a placeholder plus a diagnostic instead
// of aborting the batch.
func (s *Syncer) reconcileRecord(et models.EntityType, raw json.RawMessage, identity string) reconcileOutcome {
	id := canonicalID(raw)
	if id == "" {
		s.logger.Warn("inbound record carries no id, preserved for inspection", slog.String("entity", string(et)))
		s.putDiagnostic(string(et)+"/?", "record carries no id", raw)

		return reconcileSkipped
	}

	route, err := models.RouteFor(et)
	if err != nil {
		s.putDiagnostic(string(et)+"/"+id, err.Error(), raw)

		return reconcileSkipped
	}

	// Owner fields populated with no match: not ours. Logged, never an
	// error.
	if ownedByOther(raw, route.OwnerFields, identity) {
		s.logger.Debug("skipping record owned by another identity",
			slog.String("entity", string(et)),
			slog.String("id", id),
		)

		return reconcileSkipped
	}

	// A pending record carries an unresolved queued mutation; the pull
	// must not clobber it until the mutation resolves.
	existing, err := s.store.GetRecord(et, id)
	if err == nil && existing != nil && gjson.GetBytes(existing, fieldSyncStatus).Str == statusPending {
		s.logger.Debug("skipping record with pending local mutation",
			slog.String("entity", string(et)),
			slog.String("id", id),
		)

		return reconcileSkipped
	}

	rec, dropped, err := canonicalRecord(raw, id)
	if err != nil {
		s.writePlaceholder(et, id, raw, err)

		return reconcilePlaceholder
	}
	s.recordDropped(et, id, dropped)

	if err := s.store.PutRecord(et, id, rec); err != nil {
		s.writePlaceholder(et, id, raw, err)

		return reconcilePlaceholder
	}

	return reconcileUpserted
}

// writePlaceholder stores a minimal record carrying only the stable
// identifier and the failedSync marker, and preserves the offending
// payload out of band.
func (s *Syncer) writePlaceholder(et models.EntityType, id string, raw []byte, cause error) {
	s.logger.Warn("inbound record failed integrity check, writing placeholder",
		slog.String("entity", string(et)),
		slog.String("id", id),
		slog.String("error", cause.Error()),
	)

	s.putDiagnostic(string(et)+"/"+id, cause.Error(), raw)

	ph, err := placeholderRecord(id)
	if err != nil {
		return
	}

	if err := s.store.PutRecord(et, id, ph); err != nil {
		s.logger.Warn("failed to write placeholder",
			slog.String("entity", string(et)),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Syncer) putDiagnostic(key, reason string, payload []byte) {
	if err := s.store.PutDiagnostic(key, reason, payload); err != nil {
		s.logger.Warn("failed to preserve diagnostic",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
