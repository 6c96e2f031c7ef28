package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteFor_KnownTypes(t *testing.T) {
	for _, et := range AllEntityTypes() {
		r, err := RouteFor(et)
		require.NoError(t, err)
		assert.NotEmpty(t, r.APIPath)
		assert.NotEmpty(t, r.OwnerFields)
	}
}

func TestRouteFor_UnknownType(t *testing.T) {
	_, err := RouteFor(EntityType("gadget"))
	require.Error(t, err)
}

func TestSupportsAction_SendOnlyForSendable(t *testing.T) {
	assert.True(t, SupportsAction(EntityInvoice, ActionSend))
	assert.True(t, SupportsAction(EntityWithdrawalRequest, ActionSend))
	assert.False(t, SupportsAction(EntityCustomer, ActionSend))
	assert.False(t, SupportsAction(EntityWallet, ActionSend))
}

func TestSupportsAction_CRUDForAll(t *testing.T) {
	for _, et := range AllEntityTypes() {
		for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
			assert.True(t, SupportsAction(et, a), "%s should support %s", et, a)
		}
	}
}

func TestSupportsAction_RejectsUnknown(t *testing.T) {
	assert.False(t, SupportsAction(EntityType("gadget"), ActionCreate))
	assert.False(t, SupportsAction(EntityInvoice, Action("merge")))
}

func TestNewTempID(t *testing.T) {
	a, b := NewTempID(), NewTempID()

	assert.True(t, IsTempID(a))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("tmp-")+16)
}

func TestIsTempID(t *testing.T) {
	assert.True(t, IsTempID("tmp-deadbeef"))
	assert.False(t, IsTempID("srv-9"))
	assert.False(t, IsTempID(""))
}
