package snapshot_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loofy147/ledgerjournal/internal/codec"
	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/localdb"
	"github.com/loofy147/ledgerjournal/internal/projector/snapshot"
)

func TestSnapshotProjectorAppliesAndArchives(t *testing.T) {
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	aead := ledgercrypto.NewDefaultAEAD()
	masterKey, err := aead.GenerateKey()
	require.NoError(t, err)
	keystore := ledgercrypto.NewMemoryKeyStore()
	keyring := ledgercrypto.NewSingleMasterKeyring(aead, masterKey, keystore)
	reg := codec.NewRegistry()

	appender := eventstore.NewAppender(db)

	aggKey, err := aead.GenerateKey()
	require.NoError(t, err)
	ku, err := keyring.CreateInitialUpdate("goal-A", aggKey, eventstore.Event{}.OccurredAtTime())
	require.NoError(t, err)

	payload, err := reg.Encode(goal.EventCreated, goal.CreatedPayload{Title: "Learn Go", Target: 5})
	require.NoError(t, err)
	ciphertext, err := aead.Encrypt(payload, aggKey, ledgercrypto.BuildEventAAD("goal", "goal-A", goal.EventCreated, 1))
	require.NoError(t, err)
	epoch := ku.Epoch
	_, err = appender.AppendForAggregate(ctx, "goal", "goal-A", nil, []eventstore.Event{
		{ID: "e1", EventType: goal.EventCreated, PayloadEncrypted: ciphertext, Version: 1, ActorID: "actor", KeyringUpdate: ku.Ciphertext, Epoch: &epoch},
	})
	require.NoError(t, err)

	proj, err := snapshot.New[goal.State]("goal-snapshot", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		func(eventType string) bool { return eventType == goal.EventArchived },
	)
	require.NoError(t, err)

	events, err := appender.LoadTail(ctx, "goal", "goal-A", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, proj.ApplyEvent(ctx, events[0], cursor.EffectiveCursor{PendingCommitSequence: events[0].CommitSequence}, events[0].CommitSequence))

	items := proj.List()
	require.Len(t, items, 1)
	require.Equal(t, "Learn Go", items[0].Title)

	// Archive it: no longer listed, but still gettable.
	archivePayload, err := reg.Encode(goal.EventArchived, struct{}{})
	require.NoError(t, err)
	archiveCiphertext, err := aead.Encrypt(archivePayload, aggKey, ledgercrypto.BuildEventAAD("goal", "goal-A", goal.EventArchived, 2))
	require.NoError(t, err)
	one := 1
	_, err = appender.AppendForAggregate(ctx, "goal", "goal-A", &one, []eventstore.Event{
		{ID: "e2", EventType: goal.EventArchived, PayloadEncrypted: archiveCiphertext, Version: 2, ActorID: "actor"},
	})
	require.NoError(t, err)

	tail, err := appender.LoadTail(ctx, "goal", "goal-A", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.NoError(t, proj.ApplyEvent(ctx, tail[0], cursor.EffectiveCursor{PendingCommitSequence: tail[0].CommitSequence}, tail[0].CommitSequence))

	require.Empty(t, proj.List())
	got, ok := proj.Get("goal-A")
	require.True(t, ok)
	require.True(t, got.Archived)

	require.NoError(t, proj.Reset(ctx))
	require.Empty(t, proj.List())
	_, ok = proj.Get("goal-A")
	require.False(t, ok)
}
