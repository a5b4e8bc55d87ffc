package achievement

import (
	"context"
	"fmt"
	"time"

	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/idempotency"
	"github.com/loofy147/ledgerjournal/internal/repository"
)

// GoalCommandDispatcher is the CommandDispatcher that actually appends
// GoalAchieved/GoalUnachieved events, grounded on
// circulation/implementation.go's load-current-state-then-append shape
// (the same pattern internal/repository already generalizes).
type GoalCommandDispatcher struct {
	repo        *repository.Repository[goal.State]
	idempotency *idempotency.Store
}

func NewGoalCommandDispatcher(repo *repository.Repository[goal.State], idempotency *idempotency.Store) *GoalCommandDispatcher {
	return &GoalCommandDispatcher{repo: repo, idempotency: idempotency}
}

func (d *GoalCommandDispatcher) AchieveGoal(ctx context.Context, goalID string, knownVersion int, idempotencyKey string) error {
	return d.dispatch(ctx, goalID, knownVersion, idempotencyKey, "AchieveGoal", goal.EventAchieved)
}

func (d *GoalCommandDispatcher) UnachieveGoal(ctx context.Context, goalID string, knownVersion int, idempotencyKey string) error {
	return d.dispatch(ctx, goalID, knownVersion, idempotencyKey, "UnachieveGoal", goal.EventUnachieved)
}

// dispatch ignores the saga's own tracked version (knownVersion is kept
// only to key the caller's idempotency key) and instead loads the
// aggregate fresh, using its actual current version as the optimistic
// concurrency token: the process manager's in-memory goalState.Version
// can lag or be replayed out of step with the real aggregate, but
// repository.Load never can.
func (d *GoalCommandDispatcher) dispatch(ctx context.Context, goalID string, knownVersion int, idempotencyKey, commandType, eventType string) error {
	isNew, err := d.idempotency.TryRecord(ctx, idempotencyKey, commandType, goalID)
	if err != nil {
		return fmt.Errorf("achievement: %s idempotency: %w", commandType, err)
	}
	if !isNew {
		return nil
	}

	loaded, err := d.repo.Load(ctx, goalID)
	if err != nil {
		return fmt.Errorf("achievement: %s load: %w", commandType, err)
	}
	newState, err := goal.Apply(loaded.State, eventType, []byte("{}"))
	if err != nil {
		return fmt.Errorf("achievement: %s apply: %w", commandType, err)
	}
	_, err = d.repo.Save(ctx, goalID, loaded.Version, loaded.Key, []repository.PendingEvent{
		{EventType: eventType, Data: struct{}{}, OccurredAt: time.Now(), ActorID: "system:achievement-saga"},
	}, newState)
	if err != nil {
		return fmt.Errorf("achievement: %s save: %w", commandType, err)
	}
	return nil
}
