package search_test

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
	"github.com/loofy147/ledgerjournal/internal/projector/search"
)

func TestSearchProjectorPrefixAndFuzzyMatch(t *testing.T) {
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

	proj, err := search.New[goal.State]("goal-search", "goal", db, aead, keyring, keystore, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
		func(state goal.State) []string { return []string{state.Title} },
		func(eventType string) bool { return eventType == goal.EventArchived },
		0.3,
	)
	require.NoError(t, err)
	require.NoError(t, proj.EnsureBuilt(ctx))

	// Seed two aggregates with their own keys, resolved directly through the keystore
	// (bypassing the keyring wrapper) so ApplyEvent's ResolveKeyForEvent call succeeds.
	for aggID, title := range map[string]string{"goal-A": "Learn Go", "goal-B": "Learn Rust"} {
		key, err := aead.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, keystore.SaveAggregateKey(aggID, key))
		payload, err := reg.Encode(goal.EventCreated, goal.CreatedPayload{Title: title, Target: 1})
		require.NoError(t, err)
		ciphertext, err := aead.Encrypt(payload, key, ledgercrypto.BuildEventAAD("goal", aggID, goal.EventCreated, 1))
		require.NoError(t, err)
		appended, err := appender.AppendForAggregate(ctx, "goal", aggID, nil, []eventstore.Event{
			{ID: "ev-" + aggID, EventType: goal.EventCreated, PayloadEncrypted: ciphertext, Version: 1, ActorID: "actor"},
		})
		require.NoError(t, err)
		require.NoError(t, proj.ApplyEvent(ctx, appended[0], cursor.EffectiveCursor{PendingCommitSequence: appended[0].CommitSequence}, appended[0].CommitSequence))
	}

	all := proj.Search("", nil)
	require.Len(t, all, 2)

	prefix := proj.Search("learn", nil)
	require.Len(t, prefix, 2)

	exact := proj.Search("rust", nil)
	require.Len(t, exact, 1)
	require.Equal(t, "goal-B", exact[0].ID)

	fuzzy := proj.Search("rusk", nil) // one substitution away from "rust"
	require.Len(t, fuzzy, 1)
	require.Equal(t, "goal-B", fuzzy[0].ID)
}
