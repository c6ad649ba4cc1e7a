package syncengine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

type failingIDProvider struct {
	err error
}

func (p failingIDProvider) NewID() (string, error) {
	return "", p.err
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vettr_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type testServiceOptions struct {
	tracking   ModificationTracking
	pendingTTL time.Duration
	idProvider IDProvider
	logger     *zap.Logger
}

func newTestService(t *testing.T, opts testServiceOptions) (*Service, *gorm.DB, *manualClock) {
	t.Helper()

	db := newTestDatabase(t)
	clock := newManualClock(baseTime)
	idProvider := opts.idProvider
	if idProvider == nil {
		idProvider = &sequenceIDProvider{prefix: "id"}
	}
	service, err := NewService(ServiceConfig{
		Database:          db,
		Clock:             clock.Now,
		IDProvider:        idProvider,
		Logger:            opts.logger,
		PendingAttemptTTL: opts.pendingTTL,
		Tracking:          opts.tracking,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	return service, db, clock
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode json: %v", err)
	}
	return encoded
}

func seedAlertRule(t *testing.T, db *gorm.DB, rule AlertRule) AlertRule {
	t.Helper()
	if rule.Frequency == "" {
		rule.Frequency = defaultAlertFrequency
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("failed to seed alert rule: %v", err)
	}
	return rule
}

func seedStockSnapshot(t *testing.T, db *gorm.DB, ticker string, updatedAt time.Time) StockSnapshot {
	t.Helper()
	price := 12.5
	snapshot := StockSnapshot{
		Ticker:      ticker,
		Exchange:    "TSXV",
		CompanyName: ticker + " Resources",
		Sector:      "Mining",
		Price:       &price,
		UpdatedAtMs: toUnixMilli(updatedAt),
	}
	if err := db.Create(&snapshot).Error; err != nil {
		t.Fatalf("failed to seed stock snapshot: %v", err)
	}
	return snapshot
}

func seedFiling(t *testing.T, db *gorm.DB, filingID, ticker string, updatedAt time.Time) Filing {
	t.Helper()
	filing := Filing{
		FilingID:    filingID,
		Ticker:      ticker,
		FilingType:  "press_release",
		Title:       "Drill results",
		IsMaterial:  true,
		FiledAtMs:   toUnixMilli(updatedAt),
		UpdatedAtMs: toUnixMilli(updatedAt),
	}
	if err := db.Create(&filing).Error; err != nil {
		t.Fatalf("failed to seed filing: %v", err)
	}
	return filing
}

func seedAttempt(t *testing.T, db *gorm.DB, attempt SyncAttempt) SyncAttempt {
	t.Helper()
	if err := db.Create(&attempt).Error; err != nil {
		t.Fatalf("failed to seed attempt: %v", err)
	}
	return attempt
}

func loadAttempts(t *testing.T, db *gorm.DB, userID UserID) []SyncAttempt {
	t.Helper()
	var attempts []SyncAttempt
	if err := db.Where("user_id = ?", userID.String()).Order("started_at_ms ASC").Find(&attempts).Error; err != nil {
		t.Fatalf("failed to load attempts: %v", err)
	}
	return attempts
}

func loadAlertRule(t *testing.T, db *gorm.DB, ruleID string) (AlertRule, bool) {
	t.Helper()
	var rules []AlertRule
	if err := db.Where("rule_id = ?", ruleID).Limit(1).Find(&rules).Error; err != nil {
		t.Fatalf("failed to load alert rule: %v", err)
	}
	if len(rules) == 0 {
		return AlertRule{}, false
	}
	return rules[0], true
}

// failQueriesOn makes every query against table fail with err.
func failQueriesOn(t *testing.T, db *gorm.DB, table string, err error) {
	t.Helper()
	name := "test:fail_" + table
	registerErr := db.Callback().Query().Before("gorm:query").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(err)
		}
	})
	if registerErr != nil {
		t.Fatalf("failed to register failing callback: %v", registerErr)
	}
}

// panicQueriesOn makes every query against table panic.
func panicQueriesOn(t *testing.T, db *gorm.DB, table string) {
	t.Helper()
	name := "test:panic_" + table
	registerErr := db.Callback().Query().Before("gorm:query").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			panic("simulated crash reading " + table)
		}
	})
	if registerErr != nil {
		t.Fatalf("failed to register panicking callback: %v", registerErr)
	}
}
