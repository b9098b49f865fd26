package trace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/carepath/conduit/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_BodyDedup(t *testing.T) {
	s := newTestStore(t)

	payload := []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20260101010101||ADT^A01|MSG1|P|2.4\r")
	id1, err := s.StoreBody(payload, "application/hl7-v2+er7", "2.4")
	require.NoError(t, err)
	id2, err := s.StoreBody(payload, "application/hl7-v2+er7", "2.4")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// A different schema version is a distinct row even for identical bytes.
	id3, err := s.StoreBody(payload, "application/hl7-v2+er7", "2.5")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	body, err := s.GetBody(id1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), body.SizeBytes)
	assert.Equal(t, "ADT", body.IndexedFields["message_code"])
	assert.Equal(t, "A01", body.IndexedFields["trigger_event"])
	assert.Equal(t, "MSG1", body.IndexedFields["control_id"])
}

func TestStore_SessionTraceOrdering(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)

	// Written out of order; read back ordered by received_at.
	for i, item := range []string{"EPR-Out", "PAS-In", "ADT-Router"} {
		offset := []time.Duration{2 * time.Second, 0, time.Second}[i]
		require.NoError(t, s.StoreHeader(&types.MessageHeader{
			HeaderID:   uuid.NewString(),
			SessionID:  "sess1",
			ProjectID:  "proj1",
			ItemName:   item,
			Status:     types.StatusCompleted,
			ReceivedAt: base.Add(offset),
		}))
	}

	legs, err := s.SessionTrace("sess1")
	require.NoError(t, err)
	require.Len(t, legs, 3)
	assert.Equal(t, "PAS-In", legs[0].ItemName)
	assert.Equal(t, "ADT-Router", legs[1].ItemName)
	assert.Equal(t, "EPR-Out", legs[2].ItemName)
}

func TestStore_UpdateHeaderStatus(t *testing.T) {
	s := newTestStore(t)
	id := uuid.NewString()
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID:  id,
		SessionID: "sess1",
		ItemName:  "EPR-Out",
		Status:    types.StatusPending,
	}))

	require.NoError(t, s.UpdateHeaderStatus(id, types.StatusSent, "", 42, "ack-body-1"))

	h, err := s.GetHeader(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, h.Status)
	assert.Equal(t, int64(42), h.LatencyMS)
	assert.Equal(t, "ack-body-1", h.AckBodyID)
	assert.False(t, h.CompletedAt.IsZero())
}

func TestStore_ListHeadersFilters(t *testing.T) {
	s := newTestStore(t)
	for _, st := range []types.HeaderStatus{types.StatusCompleted, types.StatusError, types.StatusCompleted} {
		require.NoError(t, s.StoreHeader(&types.MessageHeader{
			HeaderID:  uuid.NewString(),
			SessionID: "sess1",
			ProjectID: "proj1",
			ItemName:  "PAS-In",
			Status:    st,
		}))
	}

	errored, err := s.ListHeaders("proj1", HeaderFilter{Status: types.StatusError})
	require.NoError(t, err)
	assert.Len(t, errored, 1)

	all, err := s.ListHeaders("proj1", HeaderFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := s.ListHeaders("proj2", HeaderFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	for _, sess := range []string{"sess1", "sess1", "sess2"} {
		require.NoError(t, s.StoreHeader(&types.MessageHeader{
			HeaderID:  uuid.NewString(),
			SessionID: sess,
			ProjectID: "proj1",
			ItemName:  "PAS-In",
			Status:    types.StatusCompleted,
		}))
	}
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID:  uuid.NewString(),
		SessionID: "sess2",
		ProjectID: "proj1",
		ItemName:  "EPR-Out",
		Status:    types.StatusFailed,
	}))

	sessions, err := s.ListSessions("proj1", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := map[string]SessionSummary{}
	for _, sum := range sessions {
		byID[sum.SessionID] = sum
	}
	assert.Equal(t, 2, byID["sess1"].LegCount)
	assert.False(t, byID["sess1"].HasError)
	assert.True(t, byID["sess2"].HasError)
	assert.ElementsMatch(t, []string{"PAS-In", "EPR-Out"}, byID["sess2"].Items)
}

func TestStore_LegacyPortalMessagesFallback(t *testing.T) {
	s := newTestStore(t)

	// Seed a legacy row directly; the runtime itself never writes here.
	legacy := portalMessage{
		MessageID:  "legacy-1",
		SessionID:  "old-sess",
		ItemName:   "PAS-In",
		Status:     "completed",
		ReceivedAt: time.Now(),
	}
	data, err := json.Marshal(&legacy)
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortalMessages).Put([]byte(legacy.MessageID), data)
	}))

	legs, err := s.SessionTrace("old-sess")
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "legacy-1", legs[0].HeaderID)
	assert.Equal(t, types.StatusCompleted, legs[0].Status)

	// Once a per-leg header exists for the session, it wins over legacy rows.
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID:  uuid.NewString(),
		SessionID: "old-sess",
		ItemName:  "ADT-Router",
		Status:    types.StatusCompleted,
	}))
	legs, err = s.SessionTrace("old-sess")
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "ADT-Router", legs[0].ItemName)
}

func TestWriter_FireAndForget(t *testing.T) {
	s := newTestStore(t)
	w := NewWriter(s, 10)
	w.Start()

	w.WriteHeader(&types.MessageHeader{
		HeaderID:  "h1",
		SessionID: "sess1",
		ItemName:  "PAS-In",
		Status:    types.StatusCompleted,
	})
	w.Stop()

	h, err := s.GetHeader("h1")
	require.NoError(t, err)
	assert.Equal(t, "PAS-In", h.ItemName)
}

func TestReconciler_ChainsOrphanedLegs(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Minute)

	// A three-leg chain written without session IDs, plus one unrelated leg
	// outside the window.
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID: ids[0], ItemName: "PAS-In", Status: types.StatusCompleted, ReceivedAt: base,
	}))
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID: ids[1], ItemName: "ADT-Router", SourceItem: "PAS-In",
		Status: types.StatusCompleted, ReceivedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID: ids[2], ItemName: "EPR-Out", SourceItem: "ADT-Router",
		Status: types.StatusSent, ReceivedAt: base.Add(2 * time.Second),
	}))
	strayID := uuid.NewString()
	require.NoError(t, s.StoreHeader(&types.MessageHeader{
		HeaderID: strayID, ItemName: "ADT-Router", SourceItem: "PAS-In",
		Status: types.StatusCompleted, ReceivedAt: base.Add(5 * time.Minute),
	}))

	r := NewReconciler(s, ReconcilerConfig{Window: 30 * time.Second})
	require.NoError(t, r.ReconcileOnce())

	first, err := s.GetHeader(ids[0])
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	for _, id := range ids[1:] {
		h, err := s.GetHeader(id)
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, h.SessionID, "chained leg shares the seed's session")
	}

	stray, err := s.GetHeader(strayID)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, stray.SessionID, "leg outside the window starts its own session")
	assert.NotEmpty(t, stray.SessionID)
}
