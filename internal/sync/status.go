package sync

import "time"

// Phase is one of spec.md §4.9's SyncStatus tags.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhasePaused  Phase = "paused"
	PhaseError   Phase = "error"
)

// Direction distinguishes which loop is active while Phase ==
// PhaseSyncing.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Status is the sync engine's externally-observable state machine
// (spec.md §4.9): idle{lastSuccessAt}, syncing{direction},
// paused{reason}, or error{code, retryAt?}.
type Status struct {
	Phase         Phase
	Direction     Direction
	LastSuccessAt time.Time
	PauseReason   string
	ErrorCode     string
	RetryAt       time.Time
}

func IdleStatus(lastSuccessAt time.Time) Status {
	return Status{Phase: PhaseIdle, LastSuccessAt: lastSuccessAt}
}

func SyncingStatus(direction Direction) Status {
	return Status{Phase: PhaseSyncing, Direction: direction}
}

func PausedStatus(reason string) Status {
	return Status{Phase: PhasePaused, PauseReason: reason}
}

func ErrorStatus(code string, retryAt time.Time) Status {
	return Status{Phase: PhaseError, ErrorCode: code, RetryAt: retryAt}
}
