package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	fieldUserID              = "user_id"
	fieldRuleID              = "rule_id"
	fieldAttemptID           = "attempt_id"
	fieldStatus              = "status"
	columnUpdatedAt          = "updated_at_ms"
	columnStartedAt          = "started_at_ms"
	queryUserRule            = fieldUserID + " = ? AND " + fieldRuleID + " = ?"
	queryUserStatus          = fieldUserID + " = ? AND " + fieldStatus + " = ?"
	queryPendingAttempt      = fieldAttemptID + " = ? AND " + fieldStatus + " = ?"
	queryStalePending        = fieldStatus + " = ? AND " + columnStartedAt + " < ?"
	orderStartedDesc         = columnStartedAt + " DESC"
	postgresUniqueViolation  = "23505"
	postgresDialectName      = "postgres"
	sqliteUniqueViolationMsg = "UNIQUE constraint failed"
)

var (
	// ErrRecordNotFound indicates a point lookup matched no row.
	ErrRecordNotFound = errors.New("syncengine: record not found")
	// ErrStoreUnavailable marks failures of the persistence layer.
	ErrStoreUnavailable = errors.New("syncengine: store unavailable")
	// ErrAttemptNotPending indicates a second terminal update for one attempt.
	ErrAttemptNotPending = errors.New("syncengine: attempt is not pending")
)

// ConstraintViolation reports an insert or update rejected by a uniqueness constraint.
// Its message is the database's own constraint message.
type ConstraintViolation struct {
	cause error
}

func (v *ConstraintViolation) Error() string {
	return v.cause.Error()
}

func (v *ConstraintViolation) Unwrap() error {
	return v.cause
}

// RuleStore is the point-access surface the mutation processor needs for alert rules.
type RuleStore interface {
	InsertAlertRule(ctx context.Context, rule *AlertRule) error
	FindAlertRule(ctx context.Context, userID UserID, ruleID string) (AlertRule, error)
	UpdateAlertRule(ctx context.Context, userID UserID, ruleID string, fields map[string]any) error
	DeleteAlertRule(ctx context.Context, userID UserID, ruleID string) error
}

// ReferenceStore is the timestamp-range scan surface the changeset builder needs.
type ReferenceStore interface {
	StockSnapshotsSince(ctx context.Context, since time.Time) ([]StockSnapshot, error)
	FilingsSince(ctx context.Context, since time.Time) ([]Filing, error)
	AlertRulesSince(ctx context.Context, userID UserID, since time.Time, tracking ModificationTracking) ([]AlertRule, error)
}

// AttemptStore persists the sync attempt ledger.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, attempt *SyncAttempt) error
	FinishAttempt(ctx context.Context, attemptID AttemptID, status AttemptStatus, itemsSynced int64, errorDetail *string, completedAt time.Time) error
	LastSuccessfulAttempt(ctx context.Context, userID UserID) (*SyncAttempt, error)
	LatestPendingAttempt(ctx context.Context, userID UserID) (*SyncAttempt, error)
	ListAttempts(ctx context.Context, userID UserID, limit int) ([]SyncAttempt, error)
	ExpirePendingAttempts(ctx context.Context, startedBefore time.Time, errorDetail string, completedAt time.Time) (int64, error)
	// WithinUserLock runs fn in one transaction while holding a per-user lock.
	// fn must use the store it receives and must not re-enter WithinUserLock.
	WithinUserLock(ctx context.Context, userID UserID, fn func(AttemptStore) error) error
}

// GormStore implements RuleStore, ReferenceStore and AttemptStore over GORM.
type GormStore struct {
	db    *gorm.DB
	locks *userLocks
}

// NewGormStore binds a store to the provided database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, locks: newUserLocks()}
}

func (s *GormStore) InsertAlertRule(ctx context.Context, rule *AlertRule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return classifyWriteError(err)
	}
	return nil
}

func (s *GormStore) FindAlertRule(ctx context.Context, userID UserID, ruleID string) (AlertRule, error) {
	var rule AlertRule
	err := s.db.WithContext(ctx).
		Where(queryUserRule, userID.String(), ruleID).
		Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AlertRule{}, ErrRecordNotFound
	}
	if err != nil {
		return AlertRule{}, err
	}
	return rule, nil
}

func (s *GormStore) UpdateAlertRule(ctx context.Context, userID UserID, ruleID string, fields map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&AlertRule{}).
		Where(queryUserRule, userID.String(), ruleID).
		Updates(fields)
	if result.Error != nil {
		return classifyWriteError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) DeleteAlertRule(ctx context.Context, userID UserID, ruleID string) error {
	result := s.db.WithContext(ctx).
		Where(queryUserRule, userID.String(), ruleID).
		Delete(&AlertRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) StockSnapshotsSince(ctx context.Context, since time.Time) ([]StockSnapshot, error) {
	var snapshots []StockSnapshot
	err := s.db.WithContext(ctx).
		Where(columnUpdatedAt+" >= ?", checkpointMilli(since)).
		Order(columnUpdatedAt + " ASC").
		Order("ticker ASC").
		Find(&snapshots).Error
	return snapshots, err
}

func (s *GormStore) FilingsSince(ctx context.Context, since time.Time) ([]Filing, error) {
	var filings []Filing
	err := s.db.WithContext(ctx).
		Where(columnUpdatedAt+" >= ?", checkpointMilli(since)).
		Order(columnUpdatedAt + " ASC").
		Order("filing_id ASC").
		Find(&filings).Error
	return filings, err
}

func (s *GormStore) AlertRulesSince(ctx context.Context, userID UserID, since time.Time, tracking ModificationTracking) ([]AlertRule, error) {
	column := tracking.column()
	var rules []AlertRule
	err := s.db.WithContext(ctx).
		Where(fieldUserID+" = ? AND "+column+" >= ?", userID.String(), checkpointMilli(since)).
		Order(column + " ASC").
		Order(fieldRuleID + " ASC").
		Find(&rules).Error
	return rules, err
}

// checkpointMilli rounds a checkpoint up to the next stored millisecond so a
// sub-millisecond checkpoint never matches records stamped before it.
func checkpointMilli(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	millis := since.UnixMilli()
	if since.After(time.UnixMilli(millis)) {
		millis++
	}
	return millis
}

func (s *GormStore) InsertAttempt(ctx context.Context, attempt *SyncAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

func (s *GormStore) FinishAttempt(ctx context.Context, attemptID AttemptID, status AttemptStatus, itemsSynced int64, errorDetail *string, completedAt time.Time) error {
	completedAtMs := toUnixMilli(completedAt)
	result := s.db.WithContext(ctx).
		Model(&SyncAttempt{}).
		Where(queryPendingAttempt, attemptID.String(), AttemptStatusPending).
		Updates(map[string]any{
			fieldStatus:       status,
			"items_synced":    itemsSynced,
			"error_detail":    errorDetail,
			"completed_at_ms": completedAtMs,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAttemptNotPending
	}
	return nil
}

func (s *GormStore) LastSuccessfulAttempt(ctx context.Context, userID UserID) (*SyncAttempt, error) {
	return s.latestAttempt(ctx, userID, AttemptStatusSuccess)
}

func (s *GormStore) LatestPendingAttempt(ctx context.Context, userID UserID) (*SyncAttempt, error) {
	return s.latestAttempt(ctx, userID, AttemptStatusPending)
}

func (s *GormStore) latestAttempt(ctx context.Context, userID UserID, status AttemptStatus) (*SyncAttempt, error) {
	var attempt SyncAttempt
	err := s.db.WithContext(ctx).
		Where(queryUserStatus, userID.String(), status).
		Order(orderStartedDesc).
		Take(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *GormStore) ListAttempts(ctx context.Context, userID UserID, limit int) ([]SyncAttempt, error) {
	var attempts []SyncAttempt
	err := s.db.WithContext(ctx).
		Where(fieldUserID+" = ?", userID.String()).
		Order(orderStartedDesc).
		Order(fieldAttemptID + " DESC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

func (s *GormStore) ExpirePendingAttempts(ctx context.Context, startedBefore time.Time, errorDetail string, completedAt time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&SyncAttempt{}).
		Where(queryStalePending, AttemptStatusPending, toUnixMilli(startedBefore)).
		Updates(map[string]any{
			fieldStatus:       AttemptStatusFailed,
			"error_detail":    errorDetail,
			"completed_at_ms": toUnixMilli(completedAt),
		})
	return result.RowsAffected, result.Error
}

func (s *GormStore) WithinUserLock(ctx context.Context, userID UserID, fn func(AttemptStore) error) error {
	unlock := s.locks.lock(userID.String())
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == postgresDialectName {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID.String()).Error; err != nil {
				return err
			}
		}
		return fn(&GormStore{db: tx, locks: s.locks})
	})
}

func classifyWriteError(err error) error {
	if isUniqueViolation(err) {
		return &ConstraintViolation{cause: err}
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return strings.Contains(err.Error(), sqliteUniqueViolationMsg)
}

// userLocks hands out one mutex per user id and drops it when unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu      sync.Mutex
	holders int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &userLock{}
		l.locks[key] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
