package codec

import (
	"encoding/json"
	"fmt"
)

// SnapshotEnvelope is the canonical pre-encryption shape of a
// snapshot's state, carrying its own version independent of the event
// payload envelope versioning.
type SnapshotEnvelope struct {
	SnapshotVersion int             `json:"snapshotVersion"`
	State           json.RawMessage `json:"state"`
}

func EncodeSnapshot(version int, state any) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal snapshot state: %w", err)
	}
	out, err := json.Marshal(SnapshotEnvelope{SnapshotVersion: version, State: raw})
	if err != nil {
		return nil, fmt.Errorf("codec: marshal snapshot envelope: %w", err)
	}
	return out, nil
}

func DecodeSnapshot(raw []byte, target any) (int, error) {
	var env SnapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("codec: unmarshal snapshot envelope: %w", err)
	}
	if err := json.Unmarshal(env.State, target); err != nil {
		return 0, fmt.Errorf("codec: unmarshal snapshot state: %w", err)
	}
	return env.SnapshotVersion, nil
}
