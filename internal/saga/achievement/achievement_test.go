package achievement_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loofy147/ledgerjournal/internal/codec"
	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/domain/project"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/idempotency"
	"github.com/loofy147/ledgerjournal/internal/localdb"
	"github.com/loofy147/ledgerjournal/internal/repository"
	"github.com/loofy147/ledgerjournal/internal/saga/achievement"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
)

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestAchievementSagaAchievesAndUnachieves(t *testing.T) {
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
	snapshots := snapshotstore.New(db, aead)
	goalRepo := repository.New[goal.State]("goal", appender, snapshots, aead, keyring, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
	)
	idem := idempotency.New(db)
	dispatcher := achievement.NewGoalCommandDispatcher(goalRepo, idem)
	pm := achievement.New(aead, keyring, reg, dispatcher)

	// Create the goal through the repository so its key is wrapped
	// under the keyring the saga will later use to decrypt goal events.
	goalLoaded, err := goalRepo.Load(ctx, "goal-A")
	require.NoError(t, err)
	newGoalState, err := goal.Apply(goalLoaded.State, goal.EventCreated, marshal(t, goal.CreatedPayload{Title: "Ship it", Target: 1}))
	require.NoError(t, err)
	appendedGoal, err := goalRepo.Save(ctx, "goal-A", 0, nil, []repository.PendingEvent{
		{EventType: goal.EventCreated, Data: goal.CreatedPayload{Title: "Ship it", Target: 1}, OccurredAt: time.Now(), ActorID: "actor"},
	}, newGoalState)
	require.NoError(t, err)

	require.NoError(t, pm.ApplyEvent(ctx, appendedGoal[0], cursor.EffectiveCursor{PendingCommitSequence: appendedGoal[0].CommitSequence}, appendedGoal[0].CommitSequence))

	projKey, err := aead.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, keystore.SaveAggregateKey("project-1", projKey))

	createPayload, err := reg.Encode(project.EventCreated, project.CreatedPayload{Title: "Write docs", GoalID: strPtr("goal-A")})
	require.NoError(t, err)
	createCiphertext, err := aead.Encrypt(createPayload, projKey, ledgercrypto.BuildEventAAD("project", "project-1", project.EventCreated, 1))
	require.NoError(t, err)
	appendedProj, err := appender.AppendForAggregate(ctx, "project", "project-1", nil, []eventstore.Event{
		{ID: "proj-created", EventType: project.EventCreated, PayloadEncrypted: createCiphertext, Version: 1, ActorID: "actor"},
	})
	require.NoError(t, err)
	require.NoError(t, pm.ApplyEvent(ctx, appendedProj[0], cursor.EffectiveCursor{PendingCommitSequence: appendedProj[0].CommitSequence}, appendedProj[0].CommitSequence))

	statusPayload, err := reg.Encode(project.EventStatusTransitioned, project.StatusTransitionedPayload{Status: project.StatusCompleted})
	require.NoError(t, err)
	statusCiphertext, err := aead.Encrypt(statusPayload, projKey, ledgercrypto.BuildEventAAD("project", "project-1", project.EventStatusTransitioned, 2))
	require.NoError(t, err)
	one := 1
	appendedStatus, err := appender.AppendForAggregate(ctx, "project", "project-1", &one, []eventstore.Event{
		{ID: "proj-status", EventType: project.EventStatusTransitioned, PayloadEncrypted: statusCiphertext, Version: 2, ActorID: "actor"},
	})
	require.NoError(t, err)
	require.NoError(t, pm.ApplyEvent(ctx, appendedStatus[0], cursor.EffectiveCursor{PendingCommitSequence: appendedStatus[0].CommitSequence}, appendedStatus[0].CommitSequence))

	achieved, err := goalRepo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.True(t, achieved.State.Achieved)

	// A repeated delivery of the same completion event must not
	// re-dispatch AchieveGoal (idempotency key is stable per event).
	require.NoError(t, pm.ApplyEvent(ctx, appendedStatus[0], cursor.EffectiveCursor{PendingCommitSequence: appendedStatus[0].CommitSequence}, appendedStatus[0].CommitSequence))
	stillAchieved, err := goalRepo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.Equal(t, achieved.State.Version, stillAchieved.State.Version)

	// Re-opening the project (no longer completed) should unachieve.
	reopenPayload, err := reg.Encode(project.EventStatusTransitioned, project.StatusTransitionedPayload{Status: project.StatusInProgress})
	require.NoError(t, err)
	reopenCiphertext, err := aead.Encrypt(reopenPayload, projKey, ledgercrypto.BuildEventAAD("project", "project-1", project.EventStatusTransitioned, 3))
	require.NoError(t, err)
	two := 2
	appendedReopen, err := appender.AppendForAggregate(ctx, "project", "project-1", &two, []eventstore.Event{
		{ID: "proj-reopen", EventType: project.EventStatusTransitioned, PayloadEncrypted: reopenCiphertext, Version: 3, ActorID: "actor"},
	})
	require.NoError(t, err)
	require.NoError(t, pm.ApplyEvent(ctx, appendedReopen[0], cursor.EffectiveCursor{PendingCommitSequence: appendedReopen[0].CommitSequence}, appendedReopen[0].CommitSequence))

	unachieved, err := goalRepo.Load(ctx, "goal-A")
	require.NoError(t, err)
	require.False(t, unachieved.State.Achieved)
}

func TestAchievementSagaBootstrapReconciles(t *testing.T) {
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
	snapshots := snapshotstore.New(db, aead)
	goalRepo := repository.New[goal.State]("goal", appender, snapshots, aead, keyring, reg,
		func(state goal.State, eventType string, data json.RawMessage) (goal.State, error) { return goal.Apply(state, eventType, data) },
		func(id string) goal.State { return goal.State{ID: id} },
	)
	idem := idempotency.New(db)
	dispatcher := achievement.NewGoalCommandDispatcher(goalRepo, idem)

	goalLoaded, err := goalRepo.Load(ctx, "goal-B")
	require.NoError(t, err)
	newGoalState, err := goal.Apply(goalLoaded.State, goal.EventCreated, marshal(t, goal.CreatedPayload{Title: "Launch", Target: 1}))
	require.NoError(t, err)
	_, err = goalRepo.Save(ctx, "goal-B", 0, nil, []repository.PendingEvent{
		{EventType: goal.EventCreated, Data: goal.CreatedPayload{Title: "Launch", Target: 1}, OccurredAt: time.Now(), ActorID: "actor"},
	}, newGoalState)
	require.NoError(t, err)

	projKey, err := aead.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, keystore.SaveAggregateKey("project-2", projKey))

	createPayload, err := reg.Encode(project.EventCreated, project.CreatedPayload{Title: "Prep launch", GoalID: strPtr("goal-B")})
	require.NoError(t, err)
	createCiphertext, err := aead.Encrypt(createPayload, projKey, ledgercrypto.BuildEventAAD("project", "project-2", project.EventCreated, 1))
	require.NoError(t, err)
	_, err = appender.AppendForAggregate(ctx, "project", "project-2", nil, []eventstore.Event{
		{ID: "proj2-created", EventType: project.EventCreated, PayloadEncrypted: createCiphertext, Version: 1, ActorID: "actor"},
	})
	require.NoError(t, err)

	statusPayload, err := reg.Encode(project.EventStatusTransitioned, project.StatusTransitionedPayload{Status: project.StatusCompleted})
	require.NoError(t, err)
	statusCiphertext, err := aead.Encrypt(statusPayload, projKey, ledgercrypto.BuildEventAAD("project", "project-2", project.EventStatusTransitioned, 2))
	require.NoError(t, err)
	one := 1
	_, err = appender.AppendForAggregate(ctx, "project", "project-2", &one, []eventstore.Event{
		{ID: "proj2-status", EventType: project.EventStatusTransitioned, PayloadEncrypted: statusCiphertext, Version: 2, ActorID: "actor"},
	})
	require.NoError(t, err)

	// A fresh process manager with no in-memory state must bootstrap by
	// replaying the full goal+project history, then reconcile once,
	// dispatching AchieveGoal exactly as a live apply would have.
	pm := achievement.New(aead, keyring, reg, dispatcher)
	require.NoError(t, pm.Bootstrap(ctx, appender, db))

	achieved, err := goalRepo.Load(ctx, "goal-B")
	require.NoError(t, err)
	require.True(t, achieved.State.Achieved)
}

func strPtr(s string) *string { return &s }
