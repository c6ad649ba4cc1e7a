package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vettr/backend/internal/syncengine"
)

type pullRequestBody struct {
	LastSyncedAt string   `json:"last_synced_at"`
	Entities     []string `json:"entities"`
}

type pushRequestBody struct {
	Changes []mutationBody `json:"changes"`
}

type mutationBody struct {
	EntityKind      string          `json:"entity_kind"`
	Action          string          `json:"action"`
	RecordID        string          `json:"record_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp string          `json:"client_timestamp,omitempty"`
}

type changesetEntryBody struct {
	RecordID   string          `json:"record_id"`
	ModifiedAt string          `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

type kindChangesBody struct {
	Updated []changesetEntryBody `json:"updated"`
	Deleted []string             `json:"deleted"`
}

type pullResponseBody struct {
	SyncToken string                     `json:"sync_token"`
	SyncedAt  string                     `json:"synced_at"`
	Changes   map[string]kindChangesBody `json:"changes"`
}

type conflictBody struct {
	EntityKind      string          `json:"entity_kind"`
	RecordID        string          `json:"record_id"`
	Action          string          `json:"action"`
	ClientTimestamp *string         `json:"client_timestamp"`
	ServerTimestamp *string         `json:"server_timestamp"`
	ClientPayload   json.RawMessage `json:"client_payload"`
	ServerPayload   json.RawMessage `json:"server_payload"`
	Reason          string          `json:"reason"`
}

type pushResponseBody struct {
	Applied   []mutationBody `json:"applied"`
	Conflicts []conflictBody `json:"conflicts"`
	SyncToken string         `json:"sync_token"`
	SyncedAt  string         `json:"synced_at"`
}

type rateLimitedBody struct {
	Error                string  `json:"error"`
	Message              string  `json:"message"`
	Tier                 string  `json:"tier"`
	MinimumIntervalHours int     `json:"minimum_interval_hours"`
	HoursSinceLast       float64 `json:"hours_since_last"`
	HoursRemaining       int     `json:"hours_remaining"`
	LastSyncAt           string  `json:"last_sync_at"`
}

type attemptBody struct {
	AttemptID   string  `json:"attempt_id"`
	UserID      string  `json:"user_id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
	ItemsSynced int64   `json:"items_synced"`
	ErrorDetail *string `json:"error_detail"`
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func optionalTimestamp(value *time.Time) *string {
	if value == nil || value.IsZero() {
		return nil
	}
	formatted := formatTimestamp(*value)
	return &formatted
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// toClientMutations keeps unknown kinds and actions verbatim so the processor
// reports them as conflicts instead of the whole batch failing.
func toClientMutations(bodies []mutationBody) []syncengine.ClientMutation {
	mutations := make([]syncengine.ClientMutation, 0, len(bodies))
	for _, body := range bodies {
		kind := syncengine.EntityKind(strings.TrimSpace(body.EntityKind))
		if parsed, err := syncengine.ParseEntityKind(body.EntityKind); err == nil {
			kind = parsed
		}
		action := syncengine.Action(strings.TrimSpace(body.Action))
		if parsed, err := syncengine.ParseAction(body.Action); err == nil {
			action = parsed
		}
		// An unparseable timestamp is treated as missing, which update and delete reject.
		clientTimestamp, _ := parseTimestamp(body.ClientTimestamp)
		mutations = append(mutations, syncengine.ClientMutation{
			EntityKind:      kind,
			Action:          action,
			RecordID:        strings.TrimSpace(body.RecordID),
			Payload:         body.Payload,
			ClientTimestamp: clientTimestamp,
		})
	}
	return mutations
}

func newMutationBody(mutation syncengine.ClientMutation) mutationBody {
	body := mutationBody{
		EntityKind: mutation.EntityKind.String(),
		Action:     string(mutation.Action),
		RecordID:   mutation.RecordID,
		Payload:    mutation.Payload,
	}
	if !mutation.ClientTimestamp.IsZero() {
		body.ClientTimestamp = formatTimestamp(mutation.ClientTimestamp)
	}
	return body
}

func newConflictBody(conflict syncengine.ConflictRecord) conflictBody {
	body := conflictBody{
		EntityKind:      conflict.EntityKind.String(),
		RecordID:        conflict.RecordID,
		Action:          string(conflict.Action),
		ServerTimestamp: optionalTimestamp(conflict.ServerTimestamp),
		ClientPayload:   nullableJSON(conflict.ClientPayload),
		ServerPayload:   nullableJSON(conflict.ServerPayload),
		Reason:          conflict.Reason,
	}
	if !conflict.ClientTimestamp.IsZero() {
		body.ClientTimestamp = optionalTimestamp(&conflict.ClientTimestamp)
	}
	return body
}

func nullableJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func newPullResponseBody(envelope syncengine.PullEnvelope) pullResponseBody {
	changes := make(map[string]kindChangesBody, len(envelope.Changes))
	for kind, kindChanges := range envelope.Changes {
		updated := make([]changesetEntryBody, 0, len(kindChanges.Updated))
		for _, entry := range kindChanges.Updated {
			updated = append(updated, changesetEntryBody{
				RecordID:   entry.RecordID,
				ModifiedAt: formatTimestamp(entry.ModifiedAt),
				Payload:    nullableJSON(entry.Payload),
			})
		}
		deleted := kindChanges.Deleted
		if deleted == nil {
			deleted = []string{}
		}
		changes[kind.String()] = kindChangesBody{Updated: updated, Deleted: deleted}
	}
	return pullResponseBody{
		SyncToken: envelope.SyncToken,
		SyncedAt:  formatTimestamp(envelope.SyncedAt),
		Changes:   changes,
	}
}

func newPushResponseBody(envelope syncengine.PushEnvelope) pushResponseBody {
	applied := make([]mutationBody, 0, len(envelope.Applied))
	for _, mutation := range envelope.Applied {
		applied = append(applied, newMutationBody(mutation))
	}
	conflicts := make([]conflictBody, 0, len(envelope.Conflicts))
	for _, conflict := range envelope.Conflicts {
		conflicts = append(conflicts, newConflictBody(conflict))
	}
	return pushResponseBody{
		Applied:   applied,
		Conflicts: conflicts,
		SyncToken: envelope.SyncToken,
		SyncedAt:  formatTimestamp(envelope.SyncedAt),
	}
}

func newRateLimitedBody(rateErr *syncengine.RateGateError) rateLimitedBody {
	return rateLimitedBody{
		Error:                "sync_rate_limited",
		Message:              rateErr.Error(),
		Tier:                 string(rateErr.Tier),
		MinimumIntervalHours: rateErr.MinimumIntervalHours,
		HoursSinceLast:       rateErr.HoursSinceLast,
		HoursRemaining:       rateErr.HoursRemaining,
		LastSyncAt:           formatTimestamp(rateErr.LastSyncAt),
	}
}

func newAttemptBody(attempt syncengine.SyncAttempt) attemptBody {
	return attemptBody{
		AttemptID:   attempt.AttemptID,
		UserID:      attempt.UserID,
		Status:      string(attempt.Status),
		StartedAt:   formatTimestamp(attempt.StartedAt()),
		CompletedAt: optionalTimestamp(attempt.CompletedAt()),
		ItemsSynced: attempt.ItemsSynced,
		ErrorDetail: attempt.ErrorDetail,
	}
}
