package projection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/localdb"
	"github.com/loofy147/ledgerjournal/internal/projection"
)

type recordingProcessor struct {
	applied   []string
	resetHits int
}

func (p *recordingProcessor) ApplyEvent(_ context.Context, event eventstore.Event, _ cursor.EffectiveCursor, _ int64) error {
	p.applied = append(p.applied, event.ID)
	return nil
}

func (p *recordingProcessor) Reset(context.Context) error {
	p.resetHits++
	p.applied = nil
	return nil
}

func TestRuntimeCommitSequenceOrderingIsAtLeastOnceAndResumable(t *testing.T) {
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	appender := eventstore.NewAppender(db)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		v := i + 1
		var kv *int
		if i > 0 {
			p := i
			kv = &p
		}
		_, err := appender.AppendForAggregate(ctx, "goal", "goal-A", kv, []eventstore.Event{
			{ID: id, EventType: "GoalCreated", PayloadEncrypted: []byte("ct"), Version: v, ActorID: "actor"},
		})
		require.NoError(t, err)
	}

	proc := &recordingProcessor{}
	rt := projection.NewRuntime("goal-snapshot", "goal", projection.OrderingCommitSequence, db, proc)
	rt.BatchSize = 2 // force a multi-batch run

	require.NoError(t, rt.Run(ctx))
	require.Equal(t, []string{"e1", "e2", "e3"}, proc.applied)

	// Running again with no new events applies nothing further.
	proc.applied = nil
	require.NoError(t, rt.Run(ctx))
	require.Empty(t, proc.applied)

	require.NoError(t, rt.RequestRebuild(ctx))
	require.Equal(t, 1, proc.resetHits)
	require.Equal(t, []string{"e1", "e2", "e3"}, proc.applied)
}

func TestRuntimeEffectiveTotalOrderingPrefersMappedEvents(t *testing.T) {
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	appender := eventstore.NewAppender(db)
	ctx := context.Background()

	_, err = appender.AppendForAggregate(ctx, "goal", "goal-A", nil, []eventstore.Event{
		{ID: "pending-1", EventType: "GoalCreated", PayloadEncrypted: []byte("ct"), Version: 1, ActorID: "actor"},
	})
	require.NoError(t, err)
	one := 1
	_, err = appender.AppendForAggregate(ctx, "goal", "goal-A", &one, []eventstore.Event{
		{ID: "pending-2", EventType: "GoalRenamed", PayloadEncrypted: []byte("ct"), Version: 2, ActorID: "actor"},
	})
	require.NoError(t, err)

	// pending-1 gets mapped to a remote global sequence as if ingested via sync.
	_, err = db.ExecContext(ctx, `INSERT INTO sync_event_map (event_id, global_seq, inserted_at) VALUES (?, ?, ?)`, "pending-1", 100, 0)
	require.NoError(t, err)

	proc := &recordingProcessor{}
	rt := projection.NewRuntime("goal-snapshot", "goal", projection.OrderingEffectiveTotal, db, proc)
	require.NoError(t, rt.Run(ctx))

	require.Equal(t, []string{"pending-1", "pending-2"}, proc.applied)
}
