// Package projection implements the per-aggregate-type projection
// runtime of spec.md §4.4: a durable-cursor scheduler that reads
// events in a chosen ordering and dispatches them to a
// ProjectionProcessor, supporting rebuild-on-rebase.
package projection

// Ordering selects how the runtime walks the event log.
type Ordering string

const (
	// OrderingCommitSequence reads one aggregate type's events in
	// local commit order only — used by projectors that do not need
	// to wait for sync (e.g. a purely local derived view).
	OrderingCommitSequence Ordering = "commitSequence"

	// OrderingEffectiveTotal reads mapped (synced) events ordered by
	// globalSequence first, then any still-pending events ordered by
	// commitSequence, matching cursor.Less.
	OrderingEffectiveTotal Ordering = "effectiveTotalOrder"
)

// Phase is the runtime's lifecycle state (spec.md §4.4).
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCatchingUp Phase = "catchingUp"
	PhaseRebuilding Phase = "rebuilding"
)

// DefaultBatchSize is spec.md §4.4's "size batchSize, default ≈250".
const DefaultBatchSize = 250
