//go:build integration

package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_SaveQueryCount(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	store, err := NewKVStore(ctx, js, "GOI_TEST_RECORDS")
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, typ := range []string{"session_started", "step_completed", "step_completed"} {
		rec := Record{
			Collection: CollectionEvents,
			ID:         "evt-" + string(rune('a'+i)),
			SessionID:  "sess.1",
			Type:       typ,
			Seq:        int64(i + 1),
			Data:       json.RawMessage(`{}`),
			CreatedAt:  now.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, store.Save(ctx, rec))
	}

	got, err := store.Query(ctx, Query{Collection: CollectionEvents, SessionID: "sess.1", Types: []string{"step_completed"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)

	n, err := store.Count(ctx, Query{Collection: CollectionEvents})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	byID, err := store.Query(ctx, Query{Collection: CollectionEvents, ID: "evt-a"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "session_started", byID[0].Type)
}
