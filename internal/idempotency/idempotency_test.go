package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loofy147/ledgerjournal/internal/localdb"
)

func TestRecordIsNoOpForSameMetadata(t *testing.T) {
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "goal-achieve:g1:e1", "AchieveGoal", "g1"))
	require.NoError(t, s.Record(ctx, "goal-achieve:g1:e1", "AchieveGoal", "g1"))
}

func TestRecordReuseWithDifferentMetadataFails(t *testing.T) {
	db, err := localdb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "goal-achieve:g1:e1", "AchieveGoal", "g1"))
	err = s.Record(ctx, "goal-achieve:g1:e1", "UnachieveGoal", "g1")
	require.ErrorIs(t, err, ErrReuse)

	err = s.Record(ctx, "goal-achieve:g1:e1", "AchieveGoal", "g2")
	require.ErrorIs(t, err, ErrReuse)
}
