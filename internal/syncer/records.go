package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/ledger-sync/internal/sanitize"
	"github.com/tidwall/gjson"
)

// Sync status of a cached record. Pending records carry an unresolved
// queued mutation and must not be overwritten by an inbound pull.
const (
	statusPending = "pending"
	statusSynced  = "synced"
)

// Bookkeeping fields the engine injects into every stored record.
const (
	fieldID         = "_id"
	fieldSyncStatus = "syncStatus"
	fieldFailedSync = "failedSync"
)

// cleanPayload runs an arbitrary payload through the integrity boundary
// and returns its JSON form. Accepts raw JSON bytes as well as live Go
// values.
func cleanPayload(payload any) ([]byte, []sanitize.Dropped, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil, nil
	case json.RawMessage:
		return cleanJSON(p)
	case []byte:
		return cleanJSON(p)
	default:
		return sanitize.CleanBytes(payload)
	}
}

func cleanJSON(raw []byte) ([]byte, []sanitize.Dropped, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, fmt.Errorf("decoding payload: %w", err)
	}

	return sanitize.CleanBytes(v)
}

// buildRecord produces a stored record from sanitized payload JSON,
// injecting the reconciliation key and sync status. The payload's own id
// fields never override the resolved id: local surrogate keys from the
// wire are not trusted.
func buildRecord(payloadJSON []byte, id, status string) ([]byte, error) {
	m := make(map[string]any)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &m); err != nil {
			return nil, fmt.Errorf("decoding payload object: %w", err)
		}
	}

	m[fieldID] = id
	m[fieldSyncStatus] = status
	delete(m, fieldFailedSync)

	return json.Marshal(m)
}

// setRecordStatus rewrites the sync status of an existing stored record.
func setRecordStatus(record []byte, status string) ([]byte, error) {
	m := make(map[string]any)
	if err := json.Unmarshal(record, &m); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	m[fieldSyncStatus] = status

	return json.Marshal(m)
}

// canonicalRecord sanitizes a canonical remote response into a stored
// record keyed by the resolved id, marked synced.
func canonicalRecord(canonical []byte, id string) ([]byte, []sanitize.Dropped, error) {
	payload, dropped, err := cleanJSON(canonical)
	if err != nil {
		return nil, dropped, err
	}

	rec, err := buildRecord(payload, id, statusSynced)
	if err != nil {
		return nil, dropped, err
	}

	return rec, dropped, nil
}

// canonicalID extracts the stable external identifier from a canonical
// record, whatever envelope field the API used.
func canonicalID(record []byte) string {
	for _, field := range []string{"_id", "id", "data._id", "data.id"} {
		if v := gjson.GetBytes(record, field); v.Exists() && v.Str != "" {
			return v.Str
		}
	}

	return ""
}

// placeholderRecord is written when an inbound record fails the integrity
// boundary: only the stable identifier and a marker survive, so the id is
// not lost while the offending payload sits in the diagnostics sink.
func placeholderRecord(id string) ([]byte, error) {
	return json.Marshal(map[string]any{
		fieldID:         id,
		fieldSyncStatus: statusSynced,
		fieldFailedSync: true,
	})
}
