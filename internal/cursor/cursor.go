// Package cursor defines the EffectiveCursor shared by the snapshot
// store, projection runtime, and sync engine (spec.md §3).
package cursor

// EffectiveCursor orders synced events before pending ones: mapped
// events sort by GlobalSequence; pending events (GlobalSequence == 0)
// trail, ordered by PendingCommitSequence. The zero cursor is {0,0}.
type EffectiveCursor struct {
	GlobalSequence        int64 `json:"globalSequence"`
	PendingCommitSequence int64 `json:"pendingCommitSequence"`
}

// Zero is the cursor for an aggregate/projection that has consumed no
// events yet.
var Zero = EffectiveCursor{}

// Less reports whether a sorts strictly before b under the effective
// total order: globalSequence-mapped events first (ordered by that
// sequence), then pending events ordered by commit sequence.
func Less(a, b EffectiveCursor) bool {
	aMapped := a.GlobalSequence > 0
	bMapped := b.GlobalSequence > 0
	switch {
	case aMapped && bMapped:
		return a.GlobalSequence < b.GlobalSequence
	case aMapped && !bMapped:
		return true
	case !aMapped && bMapped:
		return false
	default:
		return a.PendingCommitSequence < b.PendingCommitSequence
	}
}

// Max returns whichever of a, b sorts later.
func Max(a, b EffectiveCursor) EffectiveCursor {
	if Less(a, b) {
		return b
	}
	return a
}
