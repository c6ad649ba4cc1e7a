package syncengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ChangesetBuilder computes server records modified since a client checkpoint.
type ChangesetBuilder struct {
	refs     ReferenceStore
	tracking ModificationTracking
	logger   *zap.Logger
}

// NewChangesetBuilder builds a changeset builder reading through refs.
func NewChangesetBuilder(refs ReferenceStore, tracking ModificationTracking, logger *zap.Logger) *ChangesetBuilder {
	if logger == nil {
		logger = noOpLogger
	}
	return &ChangesetBuilder{refs: refs, tracking: tracking, logger: logger}
}

// Build selects, per requested kind, the records modified at or after checkpoint.
// The bound is inclusive: a client re-receives records modified exactly at its
// checkpoint and replaces them by id. Stock snapshots and filings are global;
// alert rules are scoped to userID.
func (b *ChangesetBuilder) Build(ctx context.Context, userID UserID, kinds []EntityKind, checkpoint time.Time) (Changeset, error) {
	normalized, err := normalizeKinds(kinds)
	if err != nil {
		return nil, err
	}
	changeset := make(Changeset, len(normalized))
	for _, kind := range normalized {
		entries, err := b.entriesFor(ctx, userID, kind, checkpoint)
		if err != nil {
			return nil, err
		}
		changeset[kind] = KindChanges{
			Updated: entries,
			Deleted: []string{},
		}
	}
	b.logger.Debug("changeset built",
		zap.String("user_id", userID.String()),
		zap.Time("checkpoint", checkpoint),
		zap.Int64("items", changeset.ItemCount()))
	return changeset, nil
}

func (b *ChangesetBuilder) entriesFor(ctx context.Context, userID UserID, kind EntityKind, checkpoint time.Time) ([]ChangesetEntry, error) {
	switch kind {
	case EntityKindStockSnapshot:
		snapshots, err := b.refs.StockSnapshotsSince(ctx, checkpoint)
		if err != nil {
			return nil, fmt.Errorf("load %s changes: %w", kind, err)
		}
		return collectEntries(kind, snapshots, StockSnapshot.entry)
	case EntityKindFiling:
		filings, err := b.refs.FilingsSince(ctx, checkpoint)
		if err != nil {
			return nil, fmt.Errorf("load %s changes: %w", kind, err)
		}
		return collectEntries(kind, filings, Filing.entry)
	case EntityKindAlertRule:
		rules, err := b.refs.AlertRulesSince(ctx, userID, checkpoint, b.tracking)
		if err != nil {
			return nil, fmt.Errorf("load %s changes: %w", kind, err)
		}
		return collectEntries(kind, rules, func(rule AlertRule) (ChangesetEntry, error) {
			return rule.entry(b.tracking)
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityKind, kind)
	}
}

func collectEntries[T any](kind EntityKind, records []T, project func(T) (ChangesetEntry, error)) ([]ChangesetEntry, error) {
	entries := make([]ChangesetEntry, 0, len(records))
	for _, record := range records {
		entry, err := project(record)
		if err != nil {
			return nil, fmt.Errorf("project %s entry: %w", kind, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
