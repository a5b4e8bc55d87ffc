package analytics_test

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
	"github.com/loofy147/ledgerjournal/internal/projector/analytics"
)

func classifyGoal(state goal.State) (string, bool) {
	if state.Target >= 10 {
		return "big", state.Archived
	}
	return "small", state.Archived
}

func TestAnalyticsProjectorTracksDeltasAndRemovesArchived(t *testing.T) {
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

	proj, err := analytics.New[goal.State]("goal-analytics", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		classifyGoal,
	)
	require.NoError(t, err)

	key, err := aead.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, keystore.SaveAggregateKey("goal-A", key))

	payload, err := reg.Encode(goal.EventCreated, goal.CreatedPayload{Title: "Big Goal", Target: 20})
	require.NoError(t, err)
	ciphertext, err := aead.Encrypt(payload, key, ledgercrypto.BuildEventAAD("goal", "goal-A", goal.EventCreated, 1))
	require.NoError(t, err)
	appended, err := appender.AppendForAggregate(ctx, "goal", "goal-A", nil, []eventstore.Event{
		{ID: "e1", EventType: goal.EventCreated, PayloadEncrypted: ciphertext, Version: 1, ActorID: "actor", OccurredAt: 1750000000000},
	})
	require.NoError(t, err)
	require.NoError(t, proj.ApplyEvent(ctx, appended[0], cursor.EffectiveCursor{PendingCommitSequence: appended[0].CommitSequence}, appended[0].CommitSequence))

	require.Equal(t, 1, proj.CategoryTotal("big"))

	archivePayload, err := reg.Encode(goal.EventArchived, struct{}{})
	require.NoError(t, err)
	archiveCiphertext, err := aead.Encrypt(archivePayload, key, ledgercrypto.BuildEventAAD("goal", "goal-A", goal.EventArchived, 2))
	require.NoError(t, err)
	one := 1
	appended2, err := appender.AppendForAggregate(ctx, "goal", "goal-A", &one, []eventstore.Event{
		{ID: "e2", EventType: goal.EventArchived, PayloadEncrypted: archiveCiphertext, Version: 2, ActorID: "actor", OccurredAt: 1750000000000},
	})
	require.NoError(t, err)
	require.NoError(t, proj.ApplyEvent(ctx, appended2[0], cursor.EffectiveCursor{PendingCommitSequence: appended2[0].CommitSequence}, appended2[0].CommitSequence))

	require.Equal(t, 0, proj.CategoryTotal("big"))

	require.NoError(t, proj.Reset(ctx))
	require.Equal(t, 0, proj.CategoryTotal("big"))
}
