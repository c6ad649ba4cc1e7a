package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityKind names a synchronizable record family.
type EntityKind string

const (
	EntityKindStockSnapshot EntityKind = "stock_snapshot"
	EntityKindFiling        EntityKind = "filing"
	EntityKindAlertRule     EntityKind = "alert_rule"
)

type kindPolicy struct {
	serverAuthoritative bool
}

// kindPolicies is the closed set of entity kinds. Adding a kind here without a
// matching changeset query and mutation handler fails service construction.
var kindPolicies = map[EntityKind]kindPolicy{
	EntityKindStockSnapshot: {serverAuthoritative: true},
	EntityKindFiling:        {serverAuthoritative: true},
	EntityKindAlertRule:     {serverAuthoritative: false},
}

var orderedEntityKinds = []EntityKind{
	EntityKindStockSnapshot,
	EntityKindFiling,
	EntityKindAlertRule,
}

// AllEntityKinds returns every known kind in a stable order.
func AllEntityKinds() []EntityKind {
	return append([]EntityKind(nil), orderedEntityKinds...)
}

// ParseEntityKind normalizes raw input into a known EntityKind.
func ParseEntityKind(raw string) (EntityKind, error) {
	kind := EntityKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := kindPolicies[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEntityKind, raw)
	}
	return kind, nil
}

// Known reports whether the kind belongs to the closed set.
func (k EntityKind) Known() bool {
	_, ok := kindPolicies[k]
	return ok
}

// ServerAuthoritative reports whether clients may only read the kind.
// Unknown kinds are treated as read-only.
func (k EntityKind) ServerAuthoritative() bool {
	policy, ok := kindPolicies[k]
	if !ok {
		return true
	}
	return policy.serverAuthoritative
}

// String returns the wire name of the kind.
func (k EntityKind) String() string {
	return string(k)
}

// normalizeKinds deduplicates the requested kinds, defaulting to all kinds.
func normalizeKinds(requested []EntityKind) ([]EntityKind, error) {
	if len(requested) == 0 {
		return AllEntityKinds(), nil
	}
	seen := make(map[EntityKind]struct{}, len(requested))
	kinds := make([]EntityKind, 0, len(requested))
	for _, kind := range requested {
		if !kind.Known() {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityKind, kind)
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// ModificationTracking selects which alert_rule column stands in for
// "last modified" in changesets and conflict checks.
type ModificationTracking int

const (
	// TrackCreation compares against created_at. An update never refreshes
	// the effective modification time, so stale-writer conflicts are only
	// detected against the original creation.
	TrackCreation ModificationTracking = iota
	// TrackUpdates compares against updated_at, which every applied update refreshes.
	TrackUpdates
)

func (t ModificationTracking) modifiedAt(rule AlertRule) time.Time {
	if t == TrackUpdates && rule.UpdatedAtMs > 0 {
		return fromUnixMilli(rule.UpdatedAtMs)
	}
	return fromUnixMilli(rule.CreatedAtMs)
}

func (t ModificationTracking) column() string {
	if t == TrackUpdates {
		return "updated_at_ms"
	}
	return "created_at_ms"
}

type stockSnapshotView struct {
	Ticker      string          `json:"ticker"`
	Exchange    string          `json:"exchange"`
	CompanyName string          `json:"company_name"`
	Sector      string          `json:"sector"`
	MarketCap   *float64        `json:"market_cap"`
	Price       *float64        `json:"price"`
	PriceChange *float64        `json:"price_change"`
	VettrScore  *int64          `json:"vettr_score"`
	Extras      json.RawMessage `json:"extras,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (snapshot StockSnapshot) entry() (ChangesetEntry, error) {
	view := stockSnapshotView{
		Ticker:      snapshot.Ticker,
		Exchange:    snapshot.Exchange,
		CompanyName: snapshot.CompanyName,
		Sector:      snapshot.Sector,
		MarketCap:   snapshot.MarketCap,
		Price:       snapshot.Price,
		PriceChange: snapshot.PriceChange,
		VettrScore:  snapshot.VettrScore,
		UpdatedAt:   fromUnixMilli(snapshot.UpdatedAtMs),
	}
	if len(snapshot.Extras) > 0 {
		view.Extras = json.RawMessage(snapshot.Extras)
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return ChangesetEntry{}, err
	}
	return ChangesetEntry{
		Kind:       EntityKindStockSnapshot,
		RecordID:   snapshot.Ticker,
		ModifiedAt: view.UpdatedAt,
		Payload:    payload,
	}, nil
}

type filingView struct {
	FilingID   string    `json:"filing_id"`
	Ticker     string    `json:"ticker"`
	FilingType string    `json:"filing_type"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	IsMaterial bool      `json:"is_material"`
	FiledAt    time.Time `json:"filed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (filing Filing) entry() (ChangesetEntry, error) {
	view := filingView{
		FilingID:   filing.FilingID,
		Ticker:     filing.Ticker,
		FilingType: filing.FilingType,
		Title:      filing.Title,
		Summary:    filing.Summary,
		IsMaterial: filing.IsMaterial,
		FiledAt:    fromUnixMilli(filing.FiledAtMs),
		UpdatedAt:  fromUnixMilli(filing.UpdatedAtMs),
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return ChangesetEntry{}, err
	}
	return ChangesetEntry{
		Kind:       EntityKindFiling,
		RecordID:   filing.FilingID,
		ModifiedAt: view.UpdatedAt,
		Payload:    payload,
	}, nil
}

type alertRuleView struct {
	ID          string          `json:"id"`
	StockTicker string          `json:"stock_ticker"`
	RuleType    string          `json:"rule_type"`
	Condition   json.RawMessage `json:"condition,omitempty"`
	Frequency   string          `json:"frequency"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

func (rule AlertRule) payload() (json.RawMessage, error) {
	view := alertRuleView{
		ID:          rule.RuleID,
		StockTicker: rule.StockTicker,
		RuleType:    rule.RuleType,
		Frequency:   rule.Frequency,
		IsActive:    rule.IsActive,
		CreatedAt:   fromUnixMilli(rule.CreatedAtMs),
	}
	if len(rule.Condition) > 0 {
		view.Condition = json.RawMessage(rule.Condition)
	}
	if rule.UpdatedAtMs > 0 {
		updated := fromUnixMilli(rule.UpdatedAtMs)
		view.UpdatedAt = &updated
	}
	return json.Marshal(view)
}

func (rule AlertRule) entry(tracking ModificationTracking) (ChangesetEntry, error) {
	payload, err := rule.payload()
	if err != nil {
		return ChangesetEntry{}, err
	}
	return ChangesetEntry{
		Kind:       EntityKindAlertRule,
		RecordID:   rule.RuleID,
		ModifiedAt: tracking.modifiedAt(rule),
		Payload:    payload,
	}, nil
}
