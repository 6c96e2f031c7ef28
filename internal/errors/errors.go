package errors

import "errors"

// Reconciliation errors.
var (
	ErrNotFound      = errors.New("entity not found on remote")
	ErrNoIdentity    = errors.New("no authenticated identity")
	ErrSyncCancelled = errors.New("sync cancelled at ownership prompt")
)

// Remote/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
