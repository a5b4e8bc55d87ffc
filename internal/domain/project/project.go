// Package project is the project aggregate, a tagged-sum reducer like
// internal/domain/goal. Project↔goal backreferences are tracked by
// internal/saga/achievement's process-manager state, not here.
package project

import "encoding/json"

const (
	EventCreated            = "ProjectCreated"
	EventGoalAdded          = "ProjectGoalAdded"
	EventGoalRemoved        = "ProjectGoalRemoved"
	EventStatusTransitioned = "ProjectStatusTransitioned"
	EventArchived           = "ProjectArchived"
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// State is the aggregate's own fold of its event stream.
type State struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	GoalID   *string `json:"goalId,omitempty"`
	Status   string  `json:"status"`
	Archived bool    `json:"archived"`
	Version  int     `json:"version"`
}

type CreatedPayload struct {
	Title  string  `json:"title"`
	GoalID *string `json:"goalId,omitempty"`
}

type GoalAddedPayload struct {
	GoalID string `json:"goalId"`
}

type StatusTransitionedPayload struct {
	Status string `json:"status"`
}

// Apply is the exhaustive reducer: an unrecognized event type leaves
// state unchanged (spec.md §9).
func Apply(state State, eventType string, data json.RawMessage) (State, error) {
	switch eventType {
	case EventCreated:
		var p CreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return state, err
		}
		state.Title = p.Title
		state.GoalID = p.GoalID
		state.Status = StatusInProgress
	case EventGoalAdded:
		var p GoalAddedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return state, err
		}
		state.GoalID = &p.GoalID
	case EventGoalRemoved:
		state.GoalID = nil
	case EventStatusTransitioned:
		var p StatusTransitionedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return state, err
		}
		state.Status = p.Status
	case EventArchived:
		state.Archived = true
	default:
		return state, nil
	}
	state.Version++
	return state, nil
}
