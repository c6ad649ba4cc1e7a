package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	ReasonReadOnlyEntity          = "read-only entity"
	ReasonNotFound                = "not found or deleted"
	ReasonModifiedAfterClientEdit = "modified on server after client change"
	ReasonModifiedAfterClientDrop = "modified on server after client delete"

	defaultAlertFrequency = "instant"
	maxTickerLength       = 32
	maxRuleTypeLength     = 64
	maxFrequencyLength    = 32
	maxRecordIDLength     = 64
)

var (
	errMissingRecordID        = errors.New("record_id is required")
	errMissingClientTimestamp = errors.New("client_timestamp is required")
	errPayloadNotObject       = errors.New("payload must be a JSON object")
	errMissingTicker          = errors.New("stock_ticker is required")
	errMissingRuleType        = errors.New("rule_type is required")
)

// MutationResult is the outcome of one mutation: applied or conflict, never both.
type MutationResult struct {
	applied  *ClientMutation
	conflict *ConflictRecord
}

func appliedResult(mutation ClientMutation) MutationResult {
	return MutationResult{applied: &mutation}
}

func conflictResult(conflict ConflictRecord) MutationResult {
	return MutationResult{conflict: &conflict}
}

// IsConflict reports whether the mutation needs client reconciliation.
func (r MutationResult) IsConflict() bool {
	return r.conflict != nil
}

// Applied returns the applied mutation, if any.
func (r MutationResult) Applied() (ClientMutation, bool) {
	if r.applied == nil {
		return ClientMutation{}, false
	}
	return *r.applied, true
}

// Conflict returns the conflict record, if any.
func (r MutationResult) Conflict() (ConflictRecord, bool) {
	if r.conflict == nil {
		return ConflictRecord{}, false
	}
	return *r.conflict, true
}

// BatchResult keeps per-mutation outcomes in submission order.
type BatchResult struct {
	Results []MutationResult
}

// Applied returns the applied partition in submission order.
func (b BatchResult) Applied() []ClientMutation {
	applied := make([]ClientMutation, 0, len(b.Results))
	for _, result := range b.Results {
		if mutation, ok := result.Applied(); ok {
			applied = append(applied, mutation)
		}
	}
	return applied
}

// Conflicts returns the conflict partition in submission order.
func (b BatchResult) Conflicts() []ConflictRecord {
	conflicts := make([]ConflictRecord, 0)
	for _, result := range b.Results {
		if conflict, ok := result.Conflict(); ok {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts
}

// kindHandler owns the mutation strategy for one entity kind.
type kindHandler interface {
	handle(ctx context.Context, userID UserID, mutation ClientMutation) MutationResult
}

// MutationProcessorConfig describes the dependencies of a MutationProcessor.
type MutationProcessorConfig struct {
	Rules      RuleStore
	Clock      func() time.Time
	IDProvider IDProvider
	Tracking   ModificationTracking
	Logger     *zap.Logger
}

// MutationProcessor classifies and applies client mutations one at a time.
type MutationProcessor struct {
	handlers map[EntityKind]kindHandler
	logger   *zap.Logger
}

// NewMutationProcessor wires a handler for every known entity kind.
func NewMutationProcessor(cfg MutationProcessorConfig) (*MutationProcessor, error) {
	if cfg.Rules == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	handlers := make(map[EntityKind]kindHandler, len(orderedEntityKinds))
	for _, kind := range orderedEntityKinds {
		if kind.ServerAuthoritative() {
			handlers[kind] = readOnlyHandler{}
			continue
		}
		switch kind {
		case EntityKindAlertRule:
			handlers[kind] = &alertRuleHandler{
				rules:      cfg.Rules,
				clock:      clock,
				idProvider: cfg.IDProvider,
				tracking:   cfg.Tracking,
			}
		default:
			return nil, fmt.Errorf("%w: no mutation handler for %q", ErrUnsupportedEntityKind, kind)
		}
	}
	return &MutationProcessor{handlers: handlers, logger: logger}, nil
}

// Apply processes mutations sequentially in submission order. Each mutation
// stands alone: nothing is rolled back when a later one conflicts, so a client
// resubmitting the same batch sees earlier creates re-conflict on uniqueness
// and earlier deletes no-op.
func (p *MutationProcessor) Apply(ctx context.Context, userID UserID, mutations []ClientMutation) BatchResult {
	result := BatchResult{Results: make([]MutationResult, 0, len(mutations))}
	for _, mutation := range mutations {
		outcome := p.applyOne(ctx, userID, mutation)
		if conflict, ok := outcome.Conflict(); ok {
			p.logger.Info("sync mutation conflict",
				zap.String("user_id", userID.String()),
				zap.String("entity_kind", mutation.EntityKind.String()),
				zap.String("action", string(mutation.Action)),
				zap.String("record_id", conflict.RecordID),
				zap.String("reason", conflict.Reason))
		}
		result.Results = append(result.Results, outcome)
	}
	return result
}

func (p *MutationProcessor) applyOne(ctx context.Context, userID UserID, mutation ClientMutation) (outcome MutationResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("sync mutation panicked",
				zap.String("user_id", userID.String()),
				zap.String("entity_kind", mutation.EntityKind.String()),
				zap.Any("panic", recovered))
			outcome = conflictResult(newConflict(mutation, fmt.Sprintf("internal error: %v", recovered)))
		}
	}()

	handler, ok := p.handlers[mutation.EntityKind]
	if !ok {
		return conflictResult(newConflict(mutation, fmt.Sprintf("%v: %q", ErrUnsupportedEntityKind, mutation.EntityKind)))
	}
	return handler.handle(ctx, userID, mutation)
}

func newConflict(mutation ClientMutation, reason string) ConflictRecord {
	return ConflictRecord{
		EntityKind:      mutation.EntityKind,
		RecordID:        mutation.RecordID,
		Action:          mutation.Action,
		ClientTimestamp: mutation.ClientTimestamp,
		ClientPayload:   mutation.Payload,
		Reason:          reason,
	}
}

// readOnlyHandler rejects every mutation of a server-authoritative kind without touching the store.
type readOnlyHandler struct{}

func (readOnlyHandler) handle(_ context.Context, _ UserID, mutation ClientMutation) MutationResult {
	return conflictResult(newConflict(mutation, ReasonReadOnlyEntity))
}

type alertRuleHandler struct {
	rules      RuleStore
	clock      func() time.Time
	idProvider IDProvider
	tracking   ModificationTracking
}

func (h *alertRuleHandler) handle(ctx context.Context, userID UserID, mutation ClientMutation) MutationResult {
	switch mutation.Action {
	case ActionCreate:
		return h.create(ctx, userID, mutation)
	case ActionUpdate:
		return h.update(ctx, userID, mutation)
	case ActionDelete:
		return h.delete(ctx, userID, mutation)
	default:
		return conflictResult(newConflict(mutation, fmt.Sprintf("%v: %q", ErrUnsupportedAction, mutation.Action)))
	}
}

func (h *alertRuleHandler) create(ctx context.Context, userID UserID, mutation ClientMutation) MutationResult {
	input, err := decodeAlertRuleInput(mutation.Payload)
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	ruleID, err := h.ruleIDFor(mutation)
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	nowMs := toUnixMilli(h.clock())
	rule := &AlertRule{
		RuleID:      ruleID,
		UserID:      userID.String(),
		StockTicker: input.stockTicker,
		RuleType:    input.ruleType,
		Condition:   input.condition,
		Frequency:   input.frequency,
		IsActive:    input.isActive,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}
	if err := h.rules.InsertAlertRule(ctx, rule); err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	applied := mutation
	applied.RecordID = ruleID
	return appliedResult(applied)
}

// ruleIDFor keeps a client-generated id so later mutations in the same batch
// can address the new rule; otherwise the server mints one.
func (h *alertRuleHandler) ruleIDFor(mutation ClientMutation) (string, error) {
	if strings.TrimSpace(mutation.RecordID) == "" {
		return h.idProvider.NewID()
	}
	return boundedText("record_id", mutation.RecordID, maxRecordIDLength)
}

func (h *alertRuleHandler) update(ctx context.Context, userID UserID, mutation ClientMutation) MutationResult {
	if conflict, ok := requireTarget(mutation); !ok {
		return conflictResult(conflict)
	}

	existing, err := h.rules.FindAlertRule(ctx, userID, mutation.RecordID)
	if errors.Is(err, ErrRecordNotFound) {
		return conflictResult(newConflict(mutation, ReasonNotFound))
	}
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	if conflict, stale := h.staleAgainst(existing, mutation, ReasonModifiedAfterClientEdit); stale {
		return conflictResult(conflict)
	}

	fields, err := decodeAlertRuleFields(mutation.Payload)
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}

	fields[columnUpdatedAt] = toUnixMilli(h.clock())
	err = h.rules.UpdateAlertRule(ctx, userID, mutation.RecordID, fields)
	if errors.Is(err, ErrRecordNotFound) {
		return conflictResult(newConflict(mutation, ReasonNotFound))
	}
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	return appliedResult(mutation)
}

func (h *alertRuleHandler) delete(ctx context.Context, userID UserID, mutation ClientMutation) MutationResult {
	if conflict, ok := requireTarget(mutation); !ok {
		return conflictResult(conflict)
	}

	existing, err := h.rules.FindAlertRule(ctx, userID, mutation.RecordID)
	if errors.Is(err, ErrRecordNotFound) {
		return appliedResult(mutation)
	}
	if err != nil {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	if conflict, stale := h.staleAgainst(existing, mutation, ReasonModifiedAfterClientDrop); stale {
		return conflictResult(conflict)
	}

	err = h.rules.DeleteAlertRule(ctx, userID, mutation.RecordID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return conflictResult(newConflict(mutation, err.Error()))
	}
	return appliedResult(mutation)
}

// staleAgainst reports a conflict when the server record was modified after
// the client captured its change.
func (h *alertRuleHandler) staleAgainst(existing AlertRule, mutation ClientMutation, reason string) (ConflictRecord, bool) {
	serverModifiedAt := h.tracking.modifiedAt(existing)
	if !serverModifiedAt.After(mutation.ClientTimestamp.UTC().Truncate(time.Millisecond)) {
		return ConflictRecord{}, false
	}
	conflict := newConflict(mutation, reason)
	conflict.ServerTimestamp = &serverModifiedAt
	if payload, err := existing.payload(); err == nil {
		conflict.ServerPayload = payload
	}
	return conflict, true
}

func requireTarget(mutation ClientMutation) (ConflictRecord, bool) {
	if strings.TrimSpace(mutation.RecordID) == "" {
		return newConflict(mutation, errMissingRecordID.Error()), false
	}
	if mutation.ClientTimestamp.IsZero() {
		return newConflict(mutation, errMissingClientTimestamp.Error()), false
	}
	return ConflictRecord{}, true
}

type alertRuleInput struct {
	stockTicker string
	ruleType    string
	condition   datatypes.JSON
	frequency   string
	isActive    bool
}

type alertRulePayload struct {
	StockTicker *string         `json:"stock_ticker"`
	RuleType    *string         `json:"rule_type"`
	Condition   json.RawMessage `json:"condition"`
	Frequency   *string         `json:"frequency"`
	IsActive    *bool           `json:"is_active"`
}

func decodeAlertRulePayload(raw json.RawMessage) (alertRulePayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return alertRulePayload{}, errPayloadNotObject
	}
	var payload alertRulePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return alertRulePayload{}, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
}

func decodeAlertRuleInput(raw json.RawMessage) (alertRuleInput, error) {
	payload, err := decodeAlertRulePayload(raw)
	if err != nil {
		return alertRuleInput{}, err
	}
	input := alertRuleInput{
		frequency: defaultAlertFrequency,
		isActive:  true,
	}
	if payload.StockTicker == nil {
		return alertRuleInput{}, errMissingTicker
	}
	if input.stockTicker, err = normalizeTicker(*payload.StockTicker); err != nil {
		return alertRuleInput{}, err
	}
	if payload.RuleType == nil {
		return alertRuleInput{}, errMissingRuleType
	}
	if input.ruleType, err = boundedText("rule_type", *payload.RuleType, maxRuleTypeLength); err != nil {
		return alertRuleInput{}, err
	}
	if hasJSONValue(payload.Condition) {
		input.condition = datatypes.JSON(payload.Condition)
	}
	if payload.Frequency != nil {
		if input.frequency, err = boundedText("frequency", *payload.Frequency, maxFrequencyLength); err != nil {
			return alertRuleInput{}, err
		}
	}
	if payload.IsActive != nil {
		input.isActive = *payload.IsActive
	}
	return input, nil
}

// decodeAlertRuleFields maps the fields present in an update payload onto
// columns. Absent fields keep their server values; unknown fields are ignored.
func decodeAlertRuleFields(raw json.RawMessage) (map[string]any, error) {
	payload, err := decodeAlertRulePayload(raw)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if payload.StockTicker != nil {
		ticker, err := normalizeTicker(*payload.StockTicker)
		if err != nil {
			return nil, err
		}
		fields["stock_ticker"] = ticker
	}
	if payload.RuleType != nil {
		ruleType, err := boundedText("rule_type", *payload.RuleType, maxRuleTypeLength)
		if err != nil {
			return nil, err
		}
		fields["rule_type"] = ruleType
	}
	if payload.Condition != nil {
		if hasJSONValue(payload.Condition) {
			fields["condition_json"] = datatypes.JSON(payload.Condition)
		} else {
			fields["condition_json"] = nil
		}
	}
	if payload.Frequency != nil {
		frequency, err := boundedText("frequency", *payload.Frequency, maxFrequencyLength)
		if err != nil {
			return nil, err
		}
		fields["frequency"] = frequency
	}
	if payload.IsActive != nil {
		fields["is_active"] = *payload.IsActive
	}
	return fields, nil
}

func normalizeTicker(raw string) (string, error) {
	ticker, err := boundedText("stock_ticker", strings.ToUpper(raw), maxTickerLength)
	if err != nil {
		return "", err
	}
	return ticker, nil
}

func boundedText(field, raw string, limit int) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", field)
	}
	if len(trimmed) > limit {
		return "", fmt.Errorf("%s exceeds %d characters", field, limit)
	}
	return trimmed, nil
}

func hasJSONValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
