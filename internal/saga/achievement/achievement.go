// Package achievement implements the goal-achievement process manager
// of spec.md §4.8: it replays the goal and project event streams,
// tracks each goal's linked/completed project sets, and dispatches
// AchieveGoal/UnachieveGoal commands idempotently as that set changes.
package achievement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/domain/goal"
	"github.com/loofy147/ledgerjournal/internal/domain/project"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/projection"
)

// achievementProjectionID is the shared projectionId the two achievement
// Runtimes (one per aggregateType "goal"/"project") register their
// cursor under; projection_meta disambiguates them by aggregateType.
const achievementProjectionID = "achievement"

// Codec is the subset of codec.Registry the saga needs.
type Codec interface {
	Decode(eventType string, raw []byte, target any) error
}

// CommandDispatcher issues the goal-achievement commands. Implemented
// by GoalCommandDispatcher in this package, wiring internal/repository
// and internal/idempotency.
type CommandDispatcher interface {
	AchieveGoal(ctx context.Context, goalID string, knownVersion int, idempotencyKey string) error
	UnachieveGoal(ctx context.Context, goalID string, knownVersion int, idempotencyKey string) error
}

// goalState is the process manager's own view of one goal (spec.md
// §4.8), distinct from domain/goal.State which is the aggregate's own
// directly-owned fold.
type goalState struct {
	GoalID               string
	LinkedProjectIDs     map[string]struct{}
	CompletedProjectIDs  map[string]struct{}
	Achieved             bool
	Archived             bool
	AchievementRequested bool
	Version              int
}

func newGoalState(id string) *goalState {
	return &goalState{
		GoalID:              id,
		LinkedProjectIDs:    make(map[string]struct{}),
		CompletedProjectIDs: make(map[string]struct{}),
	}
}

// ProcessManager is a projection.Processor driven by two runtimes (one
// over aggregateType "goal", one over "project"); both feed the same
// instance since Event.AggregateType distinguishes the stream.
type ProcessManager struct {
	aead       ledgercrypto.CryptoServicePort
	keyring    ledgercrypto.KeyringManager
	codec      Codec
	dispatcher CommandDispatcher

	mu          sync.Mutex
	goals       map[string]*goalState
	projectGoal map[string]string // projectId -> goalId, tracked so GoalRemoved can find its old goal
	replaying   bool
}

func New(aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, codec Codec, dispatcher CommandDispatcher) *ProcessManager {
	return &ProcessManager{
		aead:        aead,
		keyring:     keyring,
		codec:       codec,
		dispatcher:  dispatcher,
		goals:       make(map[string]*goalState),
		projectGoal: make(map[string]string),
	}
}

// Bootstrap replays every known goal/project event with dispatch
// suppressed, then performs one reconciliation pass dispatching once
// per seen goal with forceRetry=true (spec.md §4.8). It then seeds each
// of the two achievement projection_meta cursors (one per aggregateType)
// to the tail it just replayed, so the projection.Runtimes constructed
// right after Bootstrap resume from there instead of redelivering this
// same history through ApplyEvent a second time with replaying=false.
func (p *ProcessManager) Bootstrap(ctx context.Context, appender *eventstore.Appender, db *sqlx.DB) error {
	events, err := appender.LoadAllByTypes(ctx, []string{"goal", "project"})
	if err != nil {
		return fmt.Errorf("achievement: bootstrap load: %w", err)
	}

	p.mu.Lock()
	p.replaying = true
	p.mu.Unlock()

	for _, e := range events {
		if err := p.ApplyEvent(ctx, e, cursor.EffectiveCursor{PendingCommitSequence: e.CommitSequence}, e.CommitSequence); err != nil {
			return fmt.Errorf("achievement: bootstrap replay %s: %w", e.ID, err)
		}
	}

	p.mu.Lock()
	p.replaying = false
	goalIDs := make([]string, 0, len(p.goals))
	for id := range p.goals {
		goalIDs = append(goalIDs, id)
	}
	p.mu.Unlock()

	for _, id := range goalIDs {
		if err := p.evaluate(ctx, id, "bootstrap", true); err != nil {
			return fmt.Errorf("achievement: bootstrap reconcile %s: %w", id, err)
		}
	}

	meta := projection.NewMetaStore(db)
	for _, aggregateType := range []string{"goal", "project"} {
		m, err := seedCursorAtTail(ctx, db, aggregateType)
		if err != nil {
			return fmt.Errorf("achievement: bootstrap seed cursor %s: %w", aggregateType, err)
		}
		if err := meta.Put(ctx, m); err != nil {
			return fmt.Errorf("achievement: bootstrap persist cursor %s: %w", aggregateType, err)
		}
	}
	return nil
}

// seedCursorAtTail computes the projection_meta row that a full
// OrderingEffectiveTotal Runtime.Run would have reached after consuming
// every event of aggregateType currently in the local store: the
// highest mapped global_seq and the highest still-unmapped
// commit_sequence, matching Runtime.loadBatch's own watermark semantics.
func seedCursorAtTail(ctx context.Context, db *sqlx.DB, aggregateType string) (projection.Meta, error) {
	var row struct {
		LastGlobalSeq        int64 `db:"last_global_seq"`
		LastPendingCommitSeq int64 `db:"last_pending_commit_seq"`
		LastCommitSequence   int64 `db:"last_commit_sequence"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT
			COALESCE(MAX(CASE WHEN m.global_seq IS NOT NULL THEN m.global_seq END), 0) AS last_global_seq,
			COALESCE(MAX(CASE WHEN m.global_seq IS NULL THEN e.commit_sequence END), 0) AS last_pending_commit_seq,
			COALESCE(MAX(e.commit_sequence), 0) AS last_commit_sequence
		FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE e.aggregate_type = ?
	`, aggregateType)
	if err != nil {
		return projection.Meta{}, err
	}
	return projection.Meta{
		ProjectionID:         achievementProjectionID,
		AggregateType:        aggregateType,
		Ordering:             projection.OrderingEffectiveTotal,
		LastGlobalSeq:        row.LastGlobalSeq,
		LastPendingCommitSeq: row.LastPendingCommitSeq,
		LastCommitSequence:   row.LastCommitSequence,
		Phase:                projection.PhaseIdle,
	}, nil
}

// ApplyEvent implements projection.Processor.
func (p *ProcessManager) ApplyEvent(ctx context.Context, event eventstore.Event, _ cursor.EffectiveCursor, _ int64) error {
	key, err := p.keyring.ResolveKeyForEvent(ledgercrypto.EventKeyRef{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Epoch:         event.Epoch,
		KeyringUpdate: event.KeyringUpdate,
	})
	if err != nil {
		return fmt.Errorf("achievement: resolve event key: %w", err)
	}
	plaintext, err := p.aead.Decrypt(event.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(event.AggregateType, event.AggregateID, event.EventType, event.Version))
	if err != nil {
		return fmt.Errorf("achievement: decrypt event: %w", err)
	}
	var data json.RawMessage
	if err := p.codec.Decode(event.EventType, plaintext, &data); err != nil {
		return fmt.Errorf("achievement: decode event: %w", err)
	}

	var affectedGoalID string
	p.mu.Lock()
	switch event.AggregateType {
	case "project":
		affectedGoalID = p.applyProjectEventLocked(event, data)
	case "goal":
		affectedGoalID = event.AggregateID
		p.applyGoalEventLocked(event, data)
	}
	replaying := p.replaying
	p.mu.Unlock()

	if replaying || affectedGoalID == "" {
		return nil
	}
	return p.evaluate(ctx, affectedGoalID, event.ID, false)
}

func (p *ProcessManager) applyProjectEventLocked(event eventstore.Event, data json.RawMessage) string {
	projectID := event.AggregateID
	switch event.EventType {
	case project.EventCreated:
		var payload project.CreatedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return ""
		}
		if payload.GoalID == nil {
			return ""
		}
		p.linkProjectLocked(projectID, *payload.GoalID)
		return *payload.GoalID
	case project.EventGoalAdded:
		var payload project.GoalAddedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return ""
		}
		p.linkProjectLocked(projectID, payload.GoalID)
		return payload.GoalID
	case project.EventGoalRemoved:
		prevGoalID, ok := p.projectGoal[projectID]
		if !ok {
			return ""
		}
		delete(p.projectGoal, projectID)
		if g, ok := p.goals[prevGoalID]; ok {
			delete(g.LinkedProjectIDs, projectID)
			delete(g.CompletedProjectIDs, projectID)
		}
		return prevGoalID
	case project.EventStatusTransitioned:
		var payload project.StatusTransitionedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return ""
		}
		goalID, ok := p.projectGoal[projectID]
		if !ok {
			return ""
		}
		g := p.goalLocked(goalID)
		if payload.Status == project.StatusCompleted {
			g.CompletedProjectIDs[projectID] = struct{}{}
		} else {
			delete(g.CompletedProjectIDs, projectID)
		}
		return goalID
	default:
		return ""
	}
}

func (p *ProcessManager) linkProjectLocked(projectID, goalID string) {
	p.projectGoal[projectID] = goalID
	g := p.goalLocked(goalID)
	g.LinkedProjectIDs[projectID] = struct{}{}
}

func (p *ProcessManager) goalLocked(goalID string) *goalState {
	g, ok := p.goals[goalID]
	if !ok {
		g = newGoalState(goalID)
		p.goals[goalID] = g
	}
	return g
}

func (p *ProcessManager) applyGoalEventLocked(event eventstore.Event, _ json.RawMessage) {
	g := p.goalLocked(event.AggregateID)
	if event.Version <= g.Version {
		// Already folded (redelivery of an already-applied goal event);
		// g.Version tracks the real aggregate version, not an event count.
		return
	}
	g.Version = event.Version
	switch event.EventType {
	case goal.EventArchived:
		g.Archived = true
		g.AchievementRequested = false
	case goal.EventAchieved:
		g.Achieved = true
	case goal.EventUnachieved:
		g.Achieved = false
	}
}

// evaluate implements the achieve/unachieve decision of spec.md §4.8.
func (p *ProcessManager) evaluate(ctx context.Context, goalID, triggerEventID string, forceRetry bool) error {
	p.mu.Lock()
	g, ok := p.goals[goalID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	allCompleted := len(g.LinkedProjectIDs) > 0
	for id := range g.LinkedProjectIDs {
		if _, done := g.CompletedProjectIDs[id]; !done {
			allCompleted = false
			break
		}
	}

	shouldAchieve := !g.Achieved && !g.Archived && len(g.LinkedProjectIDs) > 0 && allCompleted && g.Version > 0 && (!g.AchievementRequested || forceRetry)
	shouldUnachieve := !shouldAchieve && (g.Achieved || g.AchievementRequested) && !g.Archived && len(g.LinkedProjectIDs) > 0 && !allCompleted && g.Version > 0
	version := g.Version
	if shouldAchieve {
		g.AchievementRequested = true
	}
	p.mu.Unlock()

	if shouldAchieve {
		idemKey := fmt.Sprintf("goal-achieve:%s:%s", goalID, triggerEventID)
		if err := p.dispatcher.AchieveGoal(ctx, goalID, version, idemKey); err != nil {
			p.mu.Lock()
			g.AchievementRequested = false
			p.mu.Unlock()
			return fmt.Errorf("achievement: dispatch achieve: %w", err)
		}
		return nil
	}
	if shouldUnachieve {
		idemKey := fmt.Sprintf("goal-unachieve:%s:v%d", goalID, version)
		if err := p.dispatcher.UnachieveGoal(ctx, goalID, version, idemKey); err != nil {
			return fmt.Errorf("achievement: dispatch unachieve: %w", err)
		}
	}
	return nil
}

// Reset implements projection.Processor: onRebaseRequired clears the
// process-manager store entirely; the caller is expected to call
// Bootstrap again afterward.
func (p *ProcessManager) Reset(context.Context) error {
	p.mu.Lock()
	p.goals = make(map[string]*goalState)
	p.projectGoal = make(map[string]string)
	p.mu.Unlock()
	return nil
}
