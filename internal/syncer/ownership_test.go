package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alexjbarnes/ledger-sync/internal/bus"
	lserrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- owner matching ---

func TestOwnedByOther(t *testing.T) {
	fields := []string{"user", "owner"}

	tests := []struct {
		name   string
		record string
		want   bool
	}{
		{"owned by identity", `{"user":"alice"}`, false},
		{"owned by someone else", `{"user":"bob"}`, true},
		{"no owner fields at all", `{"total":10}`, false},
		{"shared with identity", `{"owner":["bob","alice"]}`, false},
		{"shared without identity", `{"owner":["bob","carol"]}`, true},
		{"empty owner values", `{"user":"","owner":[]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ownedByOther([]byte(tt.record), fields, "alice"))
		})
	}
}

func TestIdentityEqual_NormalizesUnicode(t *testing.T) {
	// "é" composed vs. "e" + combining acute accent.
	assert.True(t, identityEqual("rené@example.com", "rené@example.com"))
	assert.False(t, identityEqual("alice", "bob"))
}

// --- identity switch ---

func TestRunInbound_IdentitySwitchWithNothingQueuedClearsSilently(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemoteService(ctrl)
	s, st, events := testSyncer(t, remote)

	var cleared, prompted bool
	events.Subscribe(bus.TopicSyncCleared, func(bus.Event) { cleared = true })
	events.Subscribe(bus.TopicConfirmClear, func(bus.Event) { prompted = true })

	require.NoError(t, st.SetIdentityMarker("alice"))
	require.NoError(t, st.PutRecord(models.EntityInvoice, "inv-1", []byte(`{"_id":"inv-1","user":"alice"}`)))

	expectIdentity(remote, "bob")
	expectFetches(remote, map[models.EntityType][]json.RawMessage{
		models.EntityInvoice: {json.RawMessage(`{"_id":"inv-2","user":"bob"}`)},
	})

	require.NoError(t, s.RunInbound(context.Background()))

	assert.True(t, cleared)
	assert.False(t, prompted, "nothing queued means nothing to ask about")

	records, err := st.AllRecords(models.EntityInvoice)
	require.NoError(t, err)
	assert.NotContains(t, records, "inv-1")
	assert.Contains(t, records, "inv-2", "pull proceeds after the clear")

	marker, err := st.IdentityMarker()
	require.NoError(t, err)
	assert.Equal(t, "bob", marker)
}

func TestRunInbound_IdentitySwitchWithPendingDefaultsToCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemoteService(ctrl)
	s, st, _ := testSyncer(t, remote)

	require.NoError(t, st.SetIdentityMarker("alice"))
	require.NoError(t, s.Enqueue(models.EntityInvoice, models.ActionUpdate, "inv-1", map[string]any{"total": 10}))

	// No subscriber answers the prompt; the short PromptTimeout in the
	// fixture makes the conservative fallback fire.
	expectIdentity(remote, "bob")

	err := s.RunInbound(context.Background())
	assert.ErrorIs(t, err, lserrors.ErrSyncCancelled)

	rec, err := st.GetRecord(models.EntityInvoice, "inv-1")
	require.NoError(t, err)
	assert.NotNil(t, rec, "cancel leaves the cache untouched")

	n, err := st.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	marker, err := st.IdentityMarker()
	require.NoError(t, err)
	assert.Equal(t, "alice", marker)
}

func TestRunInbound_IdentitySwitchClearDecision(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemoteService(ctrl)
	s, st, events := testSyncer(t, remote)

	require.NoError(t, st.SetIdentityMarker("alice"))
	require.NoError(t, s.Enqueue(models.EntityInvoice, models.ActionUpdate, "inv-1", map[string]any{"total": 10}))

	events.Subscribe(bus.TopicConfirmClear, func(ev bus.Event) {
		assert.Equal(t, "identity-switch", ev.Prompt.Reason)
		assert.Equal(t, 1, ev.Prompt.Pending)
		ev.Prompt.Respond(bus.DecisionClear)
	})

	expectIdentity(remote, "bob")
	expectFetches(remote, nil)

	require.NoError(t, s.RunInbound(context.Background()))

	n, err := st.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "queued mutations of the previous identity are discarded")

	records, err := st.AllRecords(models.EntityInvoice)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// --- foreign residue ---

func TestRunInbound_ForeignResidueSyncDecisionFlushesFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemoteService(ctrl)
	s, st, events := testSyncer(t, remote)

	require.NoError(t, st.SetIdentityMarker("alice"))
	// Residue from a shared machine: a record owned by someone else, plus
	// our own pending edit.
	require.NoError(t, st.PutRecord(models.EntityWallet, "w-bob", []byte(`{"_id":"w-bob","user":"bob"}`)))
	require.NoError(t, s.Enqueue(models.EntityCustomer, models.ActionUpdate, "c-1", map[string]any{"name": "Acme"}))

	events.Subscribe(bus.TopicConfirmClear, func(ev bus.Event) {
		assert.Equal(t, "foreign-residue", ev.Prompt.Reason)
		ev.Prompt.Respond(bus.DecisionSync)
	})

	expectIdentity(remote, "alice")
	remote.EXPECT().
		Update(gomock.Any(), models.EntityCustomer, "c-1", gomock.Any()).
		Return(json.RawMessage(`{"_id":"c-1","name":"Acme"}`), nil)
	expectFetches(remote, map[models.EntityType][]json.RawMessage{
		models.EntityCustomer: {json.RawMessage(`{"_id":"c-1","name":"Acme","user":"alice"}`)},
	})

	require.NoError(t, s.RunInbound(context.Background()))

	// The pending edit reached the remote before the clear.
	n, err := st.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	wallets, err := st.AllRecords(models.EntityWallet)
	require.NoError(t, err)
	assert.Empty(t, wallets, "the foreign record is gone")

	cust, err := st.GetRecord(models.EntityCustomer, "c-1")
	require.NoError(t, err)
	assert.NotNil(t, cust, "the pull restores our own data after the clear")
}

func TestRunInbound_ForeignResiduePromptTimeoutFallsBackToSync(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemoteService(ctrl)
	s, st, _ := testSyncer(t, remote)

	require.NoError(t, st.SetIdentityMarker("alice"))
	require.NoError(t, st.PutRecord(models.EntityWallet, "w-bob", []byte(`{"_id":"w-bob","user":"bob"}`)))
	require.NoError(t, s.Enqueue(models.EntityCustomer, models.ActionUpdate, "c-1", map[string]any{"name": "Acme"}))

	// No prompt subscriber. Foreign residue with pending work defaults to
	// sync-then-clear so neither side loses data.
	expectIdentity(remote, "alice")
	remote.EXPECT().
		Update(gomock.Any(), models.EntityCustomer, "c-1", gomock.Any()).
		Return(json.RawMessage(`{"_id":"c-1","name":"Acme"}`), nil)
	expectFetches(remote, nil)

	require.NoError(t, s.RunInbound(context.Background()))

	n, err := st.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	wallets, err := st.AllRecords(models.EntityWallet)
	require.NoError(t, err)
	assert.Empty(t, wallets)
}

func TestRespondToClearPrompt_NoPromptWaiting(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _, _ := testSyncer(t, NewMockRemoteService(ctrl))

	assert.False(t, s.RespondToClearPrompt(bus.DecisionClear))
}
