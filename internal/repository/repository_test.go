package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loofy147/ledgerjournal/internal/codec"
	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/localdb"
	"github.com/loofy147/ledgerjournal/internal/repository"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
)

func newGoalRepo(t *testing.T) *repository.Repository[goal.State] {
	t.Helper()
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	aead := ledgercrypto.NewDefaultAEAD()
	masterKey, err := aead.GenerateKey()
	require.NoError(t, err)
	keystore := ledgercrypto.NewMemoryKeyStore()
	keyring := ledgercrypto.NewSingleMasterKeyring(aead, masterKey, keystore)

	appender := eventstore.NewAppender(db)
	snapshots := snapshotstore.New(db, aead)
	reg := codec.NewRegistry()

	return repository.New[goal.State]("goal", appender, snapshots, aead, keyring, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) {
			return goal.Apply(state, eventType, data)
		},
		func(id string) goal.State { return goal.State{ID: id} },
	)
}

func TestRepositoryLoadSaveRoundTrip(t *testing.T) {
	repo := newGoalRepo(t)
	ctx := context.Background()

	loaded, err := repo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.Equal(t, 0, loaded.Version)

	newState, err := goal.Apply(loaded.State, goal.EventCreated, marshal(t, goal.CreatedPayload{Title: "Learn Go", Target: 10}))
	require.NoError(t, err)

	_, err = repo.Save(ctx, "goal-A", loaded.Version, loaded.Key, []repository.PendingEvent{
		{EventType: goal.EventCreated, Data: goal.CreatedPayload{Title: "Learn Go", Target: 10}, OccurredAt: time.Now(), ActorID: "actor-1"},
	}, newState)
	require.NoError(t, err)

	loaded2, err := repo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.Equal(t, 1, loaded2.Version)
	require.Equal(t, "Learn Go", loaded2.State.Title)
	require.Equal(t, 10, loaded2.State.Target)

	renamed, err := goal.Apply(loaded2.State, goal.EventRenamed, marshal(t, goal.RenamedPayload{Title: "Learn Go well"}))
	require.NoError(t, err)
	_, err = repo.Save(ctx, "goal-A", loaded2.Version, loaded2.Key, []repository.PendingEvent{
		{EventType: goal.EventRenamed, Data: goal.RenamedPayload{Title: "Learn Go well"}, OccurredAt: time.Now(), ActorID: "actor-1"},
	}, renamed)
	require.NoError(t, err)

	loaded3, err := repo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.Equal(t, 2, loaded3.Version)
	require.Equal(t, "Learn Go well", loaded3.State.Title)
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
