package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("syncengine: invalid user id")
	// ErrUnsupportedEntityKind indicates an entity kind outside the closed set.
	ErrUnsupportedEntityKind = errors.New("syncengine: unsupported entity kind")
	// ErrUnsupportedAction indicates a mutation action outside create/update/delete.
	ErrUnsupportedAction = errors.New("syncengine: unsupported action")
	// ErrUnknownTier indicates a subscription tier with no pull interval configured.
	ErrUnknownTier = errors.New("syncengine: unknown subscription tier")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Tier is a subscription level gating pull frequency.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// ParseTier normalizes raw input into a known Tier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
}

// Account is the authenticated identity every engine call operates on.
type Account struct {
	UserID UserID
	Tier   Tier
}

// Action enumerates client mutation verbs.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction normalizes raw input into a known Action.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAction, raw)
	}
}

// AttemptStatus tracks a sync attempt from pending to a terminal state.
type AttemptStatus string

const (
	AttemptStatusPending AttemptStatus = "pending"
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// Terminal reports whether the status closes an attempt.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSuccess || s == AttemptStatusFailed
}

// AttemptID identifies a single audited pull.
type AttemptID string

// String returns the underlying identifier.
func (id AttemptID) String() string {
	return string(id)
}

// SyncAttempt is one row of the append-only pull audit trail.
type SyncAttempt struct {
	AttemptID     string        `gorm:"column:attempt_id;primaryKey;size:64;not null"`
	UserID        string        `gorm:"column:user_id;size:190;not null;index:idx_sync_attempts_user_status,priority:1"`
	Status        AttemptStatus `gorm:"column:status;size:16;not null;index:idx_sync_attempts_user_status,priority:2"`
	StartedAtMs   int64         `gorm:"column:started_at_ms;not null;index:idx_sync_attempts_user_status,priority:3"`
	CompletedAtMs *int64        `gorm:"column:completed_at_ms"`
	ItemsSynced   int64         `gorm:"column:items_synced;not null;default:0"`
	ErrorDetail   *string       `gorm:"column:error_detail;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (SyncAttempt) TableName() string {
	return "sync_attempts"
}

// StartedAt returns the attempt start as a UTC time.
func (a SyncAttempt) StartedAt() time.Time {
	return fromUnixMilli(a.StartedAtMs)
}

// CompletedAt returns the terminal timestamp, or nil while pending.
func (a SyncAttempt) CompletedAt() *time.Time {
	if a.CompletedAtMs == nil {
		return nil
	}
	completed := fromUnixMilli(*a.CompletedAtMs)
	return &completed
}

// StockSnapshot is the server-authoritative market view of a listed company.
type StockSnapshot struct {
	Ticker      string         `gorm:"column:ticker;primaryKey;size:32;not null"`
	Exchange    string         `gorm:"column:exchange;size:16;not null;default:''"`
	CompanyName string         `gorm:"column:company_name;size:255;not null;default:''"`
	Sector      string         `gorm:"column:sector;size:128;not null;default:''"`
	MarketCap   *float64       `gorm:"column:market_cap"`
	Price       *float64       `gorm:"column:price"`
	PriceChange *float64       `gorm:"column:price_change"`
	VettrScore  *int64         `gorm:"column:vettr_score"`
	Extras      datatypes.JSON `gorm:"column:extras_json"`
	UpdatedAtMs int64          `gorm:"column:updated_at_ms;not null;index:idx_stock_snapshots_updated"`
}

// TableName provides the explicit table binding for GORM.
func (StockSnapshot) TableName() string {
	return "stock_snapshots"
}

// Filing is a server-authoritative regulatory filing or press release.
type Filing struct {
	FilingID    string `gorm:"column:filing_id;primaryKey;size:64;not null"`
	Ticker      string `gorm:"column:ticker;size:32;not null;index"`
	FilingType  string `gorm:"column:filing_type;size:64;not null"`
	Title       string `gorm:"column:title;size:512;not null;default:''"`
	Summary     string `gorm:"column:summary;type:text;not null;default:''"`
	IsMaterial  bool   `gorm:"column:is_material;not null;default:false"`
	FiledAtMs   int64  `gorm:"column:filed_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_filings_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Filing) TableName() string {
	return "filings"
}

// AlertRule is a user-owned notification rule, the only client-mutable kind.
//
// The (user_id, stock_ticker, rule_type) triple is the logical identity of a
// rule; a duplicate create violates idx_alert_rules_identity. Rule ids are
// keyed per user, so two users may hold the same client-generated id.
type AlertRule struct {
	UserID      string         `gorm:"column:user_id;primaryKey;size:190;not null;uniqueIndex:idx_alert_rules_identity,priority:1;index:idx_alert_rules_user_created,priority:1"`
	RuleID      string         `gorm:"column:rule_id;primaryKey;size:64;not null"`
	StockTicker string         `gorm:"column:stock_ticker;size:32;not null;uniqueIndex:idx_alert_rules_identity,priority:2"`
	RuleType    string         `gorm:"column:rule_type;size:64;not null;uniqueIndex:idx_alert_rules_identity,priority:3"`
	Condition   datatypes.JSON `gorm:"column:condition_json"`
	Frequency   string         `gorm:"column:frequency;size:32;not null;default:'instant'"`
	IsActive    bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAtMs int64          `gorm:"column:created_at_ms;not null;index:idx_alert_rules_user_created,priority:2"`
	UpdatedAtMs int64          `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (AlertRule) TableName() string {
	return "alert_rules"
}

// Models lists every table the engine owns, for schema migration.
func Models() []any {
	return []any{&SyncAttempt{}, &StockSnapshot{}, &Filing{}, &AlertRule{}}
}

// ChangesetEntry is a read-only projection of a server record for the pull path.
type ChangesetEntry struct {
	Kind       EntityKind
	RecordID   string
	ModifiedAt time.Time
	Payload    json.RawMessage
}

// KindChanges groups changeset entries of one kind. Deleted is always empty:
// no entity kind supports tombstones yet.
type KindChanges struct {
	Updated []ChangesetEntry
	Deleted []string
}

// Changeset maps each requested kind to its changes since the checkpoint.
type Changeset map[EntityKind]KindChanges

// ItemCount totals updated and deleted entries across kinds.
func (c Changeset) ItemCount() int64 {
	var total int64
	for _, changes := range c {
		total += int64(len(changes.Updated) + len(changes.Deleted))
	}
	return total
}

// ClientMutation is a single client-originated change submitted on push.
// RecordID is empty for creates.
type ClientMutation struct {
	EntityKind      EntityKind
	Action          Action
	RecordID        string
	Payload         json.RawMessage
	ClientTimestamp time.Time
}

// ConflictRecord describes a mutation the client must reconcile and may resubmit.
type ConflictRecord struct {
	EntityKind      EntityKind
	RecordID        string
	Action          Action
	ClientTimestamp time.Time
	ServerTimestamp *time.Time
	ClientPayload   json.RawMessage
	ServerPayload   json.RawMessage
	Reason          string
}

func toUnixMilli(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromUnixMilli(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
