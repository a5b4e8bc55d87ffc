package crypto

import "fmt"

// BuildEventAAD binds a payload ciphertext to its stream position
// (spec.md §6): "{aggregateType}|{aggregateId}|{eventType}|v{version}".
func BuildEventAAD(aggregateType, aggregateID, eventType string, version int) string {
	return fmt.Sprintf("%s|%s|%s|v%d", aggregateType, aggregateID, eventType, version)
}

// BuildSnapshotAAD binds a snapshot ciphertext to its aggregate and
// version: "{aggregateId}|snapshot|v{snapshotVersion}".
func BuildSnapshotAAD(aggregateID string, snapshotVersion int) string {
	return fmt.Sprintf("%s|snapshot|v%d", aggregateID, snapshotVersion)
}

// BuildProjectionCacheAAD binds a projection cache blob to its scope,
// version, and effective cursor.
func BuildProjectionCacheAAD(projectionID, scopeKey string, cacheVersion int, globalSeq, pendingCommitSeq int64) string {
	return fmt.Sprintf("%s|%s|v%d|gs%d|pc%d", projectionID, scopeKey, cacheVersion, globalSeq, pendingCommitSeq)
}

// BuildIndexArtifactAAD binds an index artifact blob analogously to
// the projection cache AAD.
func BuildIndexArtifactAAD(indexID, scopeKey string, artifactVersion int, globalSeq, pendingCommitSeq int64) string {
	return fmt.Sprintf("%s|%s|v%d|gs%d|pc%d", indexID, scopeKey, artifactVersion, globalSeq, pendingCommitSeq)
}

// BuildProcessManagerAAD binds process-manager state analogously.
func BuildProcessManagerAAD(pmID, scopeKey string, stateVersion int, globalSeq, pendingCommitSeq int64) string {
	return fmt.Sprintf("%s|%s|v%d|gs%d|pc%d", pmID, scopeKey, stateVersion, globalSeq, pendingCommitSeq)
}
