package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// EntityType identifies one of the cached business collections. The set is
// closed: the store, the queue, and the remote client all route on it.
type EntityType string

const (
	EntityInvoice           EntityType = "invoice"
	EntityRecord            EntityType = "record"
	EntityCustomer          EntityType = "customer"
	EntityUtilityService    EntityType = "utility_service"
	EntityWallet            EntityType = "wallet"
	EntityWithdrawalRequest EntityType = "withdrawal_request"
)

// Action is a mutation kind carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSend   Action = "send"
)

// Route describes how an entity type maps onto the remote API and which
// record fields identify its owner. OwnerFields values may be a single
// identifier or an array of identifiers in the stored JSON.
type Route struct {
	// APIPath is the collection path on the remote service, e.g. "/invoices".
	APIPath string

	// OwnerFields are the JSON paths scanned for owning identities.
	OwnerFields []string

	// Sendable marks entities with a distinct state-transition request
	// (e.g. dispatching an invoice to its recipient).
	Sendable bool
}

var routes = map[EntityType]Route{
	EntityInvoice:           {APIPath: "/invoices", OwnerFields: []string{"user", "owner"}, Sendable: true},
	EntityRecord:            {APIPath: "/records", OwnerFields: []string{"user"}},
	EntityCustomer:          {APIPath: "/customers", OwnerFields: []string{"user", "owners"}},
	EntityUtilityService:    {APIPath: "/services", OwnerFields: []string{"user"}},
	EntityWallet:            {APIPath: "/wallets", OwnerFields: []string{"user"}},
	EntityWithdrawalRequest: {APIPath: "/withdrawals", OwnerFields: []string{"user", "requestedBy"}, Sendable: true},
}

// AllEntityTypes returns every entity type in a stable order. Inbound sync
// iterates this so each run reconciles every collection.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityInvoice,
		EntityRecord,
		EntityCustomer,
		EntityUtilityService,
		EntityWallet,
		EntityWithdrawalRequest,
	}
}

// RouteFor returns the routing info for an entity type.
func RouteFor(et EntityType) (Route, error) {
	r, ok := routes[et]
	if !ok {
		return Route{}, fmt.Errorf("unknown entity type %q", et)
	}
	return r, nil
}

// Valid reports whether et is a member of the closed entity set.
func (et EntityType) Valid() bool {
	_, ok := routes[et]
	return ok
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSend:
		return true
	}
	return false
}

// SupportsAction reports whether the entity type accepts the given action.
// Send is only valid for sendable entities; everything else accepts the
// create/update/delete set.
func SupportsAction(et EntityType, a Action) bool {
	r, ok := routes[et]
	if !ok || !a.Valid() {
		return false
	}
	if a == ActionSend {
		return r.Sendable
	}
	return true
}

// tempIDPrefix marks locally generated identifiers that have not yet been
// replaced by a remote-assigned one.
const tempIDPrefix = "tmp-"

// NewTempID generates a placeholder identifier for a record created while
// offline. Replaced by the canonical _id once the create reaches the remote.
func NewTempID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken,
		// at which point there is no better fallback than panicking.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return tempIDPrefix + hex.EncodeToString(b[:])
}

// IsTempID reports whether id is a locally generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
