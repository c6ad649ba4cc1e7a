package syncengine

import "time"

// PushEnvelope is the response to a push: both partitions travel in one round trip.
type PushEnvelope struct {
	Applied   []ClientMutation
	Conflicts []ConflictRecord
	SyncToken string
	SyncedAt  time.Time
}

// PullEnvelope is the response to a successful pull.
type PullEnvelope struct {
	SyncToken string
	SyncedAt  time.Time
	Changes   Changeset
}

// BuildPushEnvelope assembles the push response from the processor's partitions.
func BuildPushEnvelope(result BatchResult, syncToken string, syncedAt time.Time) PushEnvelope {
	return PushEnvelope{
		Applied:   result.Applied(),
		Conflicts: result.Conflicts(),
		SyncToken: syncToken,
		SyncedAt:  syncedAt.UTC(),
	}
}

// BuildPullEnvelope assembles the pull response. Every kind carries non-nil lists.
func BuildPullEnvelope(changes Changeset, syncToken string, syncedAt time.Time) PullEnvelope {
	normalized := make(Changeset, len(changes))
	for kind, kindChanges := range changes {
		if kindChanges.Updated == nil {
			kindChanges.Updated = []ChangesetEntry{}
		}
		if kindChanges.Deleted == nil {
			kindChanges.Deleted = []string{}
		}
		normalized[kind] = kindChanges
	}
	return PullEnvelope{
		SyncToken: syncToken,
		SyncedAt:  syncedAt.UTC(),
		Changes:   normalized,
	}
}
