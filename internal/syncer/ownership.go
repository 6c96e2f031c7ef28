package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// identityEqual compares two identity identifiers. They originate from
// user-entered values (emails, usernames), so equality is decided on the
// NFC-normalized form.
func identityEqual(a, b string) bool {
	return norm.NFC.String(a) == norm.NFC.String(b)
}

// ownerRefs collects the owning identities recorded on a stored record.
// Each configured owner field may hold a single identifier or an array of
// them.
func ownerRefs(record []byte, fields []string) []string {
	var refs []string
	for _, f := range fields {
		v := gjson.GetBytes(record, f)
		if !v.Exists() {
			continue
		}

		if v.IsArray() {
			v.ForEach(func(_, item gjson.Result) bool {
				if item.Str != "" {
					refs = append(refs, item.Str)
				}

				return true
			})

			continue
		}

		if v.Str != "" {
			refs = append(refs, v.Str)
		}
	}

	return refs
}

// ownedByOther reports whether a record's owner fields are populated yet
// none of them match identity. Records with no owner refs at all are kept:
// absence of ownership data is not evidence of foreignness.
func ownedByOther(record []byte, fields []string, identity string) bool {
	refs := ownerRefs(record, fields)
	if len(refs) == 0 {
		return false
	}

	for _, ref := range refs {
		if identityEqual(ref, identity) {
			return false
		}
	}

	return true
}

// scanForeignResidue walks every cached entity collection looking for a
// record owned by someone other than identity.
func (s *Syncer) scanForeignResidue(identity string) (bool, error) {
	for _, et := range models.AllEntityTypes() {
		route, err := models.RouteFor(et)
		if err != nil {
			return false, err
		}

		records, err := s.store.AllRecords(et)
		if err != nil {
			return false, fmt.Errorf("scanning %s: %w", et, err)
		}

		for id, rec := range records {
			if ownedByOther(rec, route.OwnerFields, identity) {
				s.logger.Debug("foreign record found",
					slog.String("entity", string(et)),
					slog.String("id", id),
				)

				return true, nil
			}
		}
	}

	return false, nil
}

// resolveOwnership decides whether an inbound run may proceed against the
// resolved identity. It detects an identity switch (marker mismatch) and
// foreign residue (cached records owned by someone else) and applies the
// three-way policy: silent clear when nothing is queued, otherwise a
// bounded prompt with decision clear, sync, or cancel. Reports whether
// the run should continue.
func (s *Syncer) resolveOwnership(ctx context.Context, identity string) (bool, error) {
	marker, err := s.store.IdentityMarker()
	if err != nil {
		return false, fmt.Errorf("reading identity marker: %w", err)
	}

	switched := marker != "" && !identityEqual(marker, identity)

	foreign, err := s.scanForeignResidue(identity)
	if err != nil {
		return false, err
	}

	if !switched && !foreign {
		if marker == "" {
			if err := s.store.SetIdentityMarker(identity); err != nil {
				return false, fmt.Errorf("recording identity marker: %w", err)
			}
		}

		return true, nil
	}

	pending, err := s.queue.pendingCount()
	if err != nil {
		return false, err
	}

	// Nothing queued means nothing to lose: clear without asking.
	if pending == 0 {
		s.logger.Info("stale local data detected, clearing",
			slog.String("previous", marker),
			slog.String("identity", identity),
			slog.Bool("identity_switch", switched),
		)

		if err := s.clearLocalData(identity); err != nil {
			return false, err
		}

		return true, nil
	}

	reason := "foreign-residue"
	fallback := bus.DecisionSync
	if switched {
		reason = "identity-switch"
		fallback = bus.DecisionCancel
	}

	decision := s.events.RequestClearDecision(ctx, reason, pending, s.opts.PromptTimeout, fallback)
	s.logger.Info("clear-local-data decision",
		slog.String("reason", reason),
		slog.Int("pending", pending),
		slog.String("decision", string(decision)),
	)

	switch decision {
	case bus.DecisionCancel:
		return false, nil

	case bus.DecisionSync:
		if _, err := s.RunOutbound(ctx); err != nil {
			return false, fmt.Errorf("flushing queue before clear: %w", err)
		}

		fallthrough

	case bus.DecisionClear:
		if err := s.clearLocalData(identity); err != nil {
			return false, err
		}

		return true, nil

	default:
		return false, fmt.Errorf("unknown clear decision %q", decision)
	}
}

// clearLocalData discards every cached entity collection and the queue,
// then records the new identity marker. Queued mutations are discarded
// with the cache: they belong to the previous identity and must not be
// dispatched under the new one.
func (s *Syncer) clearLocalData(identity string) error {
	if err := s.store.ClearAllEntities(); err != nil {
		return fmt.Errorf("clearing entity collections: %w", err)
	}

	if err := s.store.ClearQueue(); err != nil {
		return fmt.Errorf("clearing mutation queue: %w", err)
	}

	if err := s.store.SetIdentityMarker(identity); err != nil {
		return fmt.Errorf("recording identity marker: %w", err)
	}

	s.events.Publish(bus.Event{Topic: bus.TopicSyncCleared})

	return nil
}
