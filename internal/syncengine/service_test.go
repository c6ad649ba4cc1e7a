package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: &sequenceIDProvider{}})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "sync.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestZeroServiceReportsMissingDatabase(t *testing.T) {
	var service Service
	_, err := service.Pull(context.Background(), Account{UserID: "user-1", Tier: TierFree}, PullRequest{})
	if !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	_, err = service.Push(context.Background(), "user-1", nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sync.push.missing_database" {
		t.Fatalf("expected push missing database code, got %v", err)
	}
}

func TestServicePullReturnsChangesAndRecordsSuccess(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	seedStockSnapshot(t, db, "ABC", baseTime.Add(-time.Hour))
	seedFiling(t, db, "filing-1", "ABC", baseTime.Add(-time.Hour))
	seedAlertRule(t, db, AlertRule{RuleID: "rule-1", UserID: userID.String(), StockTicker: "ABC", RuleType: "price_above", IsActive: true, CreatedAtMs: toUnixMilli(baseTime.Add(-time.Hour))})

	envelope, err := service.Pull(context.Background(), Account{UserID: userID, Tier: TierPro}, PullRequest{})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if envelope.SyncToken == "" {
		t.Fatalf("expected sync token")
	}
	if !envelope.SyncedAt.Equal(baseTime) {
		t.Fatalf("unexpected synced at %s", envelope.SyncedAt)
	}
	if envelope.Changes.ItemCount() != 3 {
		t.Fatalf("expected 3 items, got %d", envelope.Changes.ItemCount())
	}

	attempts := loadAttempts(t, db, userID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Status != AttemptStatusSuccess || attempts[0].ItemsSynced != 3 {
		t.Fatalf("unexpected attempt %#v", attempts[0])
	}
	if attempts[0].AttemptID == envelope.SyncToken {
		t.Fatalf("sync token must be distinct from the attempt id")
	}
}

func TestServicePullHonorsCheckpointAndKinds(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	seedStockSnapshot(t, db, "OLD", baseTime.Add(-48*time.Hour))
	seedStockSnapshot(t, db, "NEW", baseTime.Add(-time.Hour))
	seedFiling(t, db, "filing-1", "NEW", baseTime.Add(-time.Hour))

	envelope, err := service.Pull(context.Background(), Account{UserID: userID, Tier: TierFree}, PullRequest{
		LastSyncedAt: baseTime.Add(-24 * time.Hour),
		Entities:     []EntityKind{EntityKindStockSnapshot},
	})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(envelope.Changes) != 1 {
		t.Fatalf("expected only stock snapshots, got %d kinds", len(envelope.Changes))
	}
	snapshots := envelope.Changes[EntityKindStockSnapshot].Updated
	if len(snapshots) != 1 || snapshots[0].RecordID != "NEW" {
		t.Fatalf("unexpected snapshots %#v", snapshots)
	}
}

func TestServicePullRateLimitsWithinInterval(t *testing.T) {
	logger, logs := newObservedLogger()
	service, db, clock := newTestService(t, testServiceOptions{logger: logger})
	userID := mustUserID(t, "user-1")
	account := Account{UserID: userID, Tier: TierFree}

	if _, err := service.Pull(context.Background(), account, PullRequest{}); err != nil {
		t.Fatalf("unexpected first pull error: %v", err)
	}
	clock.Advance(time.Hour)

	_, err := service.Pull(context.Background(), account, PullRequest{})
	var rateErr *RateGateError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected rate gate error, got %v", err)
	}
	if rateErr.MinimumIntervalHours != 24 || rateErr.HoursRemaining != 23 || rateErr.HoursSinceLast != 1.0 {
		t.Fatalf("unexpected rate gate details %#v", rateErr)
	}
	if len(loadAttempts(t, db, userID)) != 1 {
		t.Fatalf("rejected pulls must not be recorded")
	}
	if logs.FilterMessage("sync pull rate limited").Len() != 1 {
		t.Fatalf("expected rate limit log entry")
	}

	clock.Advance(23 * time.Hour)
	if _, err := service.Pull(context.Background(), account, PullRequest{}); err != nil {
		t.Fatalf("expected pull after the interval, got %v", err)
	}
}

func TestServicePullRejectsInvalidInput(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})

	_, err := service.Pull(context.Background(), Account{UserID: " ", Tier: TierFree}, PullRequest{})
	if !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}
	_, err = service.Pull(context.Background(), Account{UserID: "user-1", Tier: TierFree}, PullRequest{Entities: []EntityKind{"portfolio"}})
	if !errors.Is(err, ErrUnsupportedEntityKind) {
		t.Fatalf("expected unsupported kind, got %v", err)
	}
	_, err = service.Pull(context.Background(), Account{UserID: "user-1", Tier: "gold"}, PullRequest{})
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier, got %v", err)
	}
	if len(loadAttempts(t, db, "user-1")) != 0 {
		t.Fatalf("invalid requests must not be recorded")
	}
}

func TestServicePullMarksAttemptFailedOnStoreError(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	failQueriesOn(t, db, "filings", errors.New("filings offline"))

	_, err := service.Pull(context.Background(), Account{UserID: userID, Tier: TierFree}, PullRequest{})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sync.pull.store_unavailable" {
		t.Fatalf("unexpected error code for %v", err)
	}

	attempts := loadAttempts(t, db, userID)
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Status != AttemptStatusFailed {
		t.Fatalf("expected failed attempt, got %s", attempts[0].Status)
	}
	if attempts[0].ErrorDetail == nil || *attempts[0].ErrorDetail == "" {
		t.Fatalf("expected error detail")
	}
	if attempts[0].CompletedAt() == nil {
		t.Fatalf("failed attempt must be completed")
	}
}

func TestServicePullFailureDoesNotConsumeInterval(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	account := Account{UserID: mustUserID(t, "user-1"), Tier: TierFree}
	if err := db.Migrator().DropTable(&Filing{}); err != nil {
		t.Fatalf("failed to drop filings: %v", err)
	}
	if _, err := service.Pull(context.Background(), account, PullRequest{}); err == nil {
		t.Fatalf("expected pull to fail without the filings table")
	}
	if err := db.AutoMigrate(&Filing{}); err != nil {
		t.Fatalf("failed to restore filings: %v", err)
	}
	if _, err := service.Pull(context.Background(), account, PullRequest{}); err != nil {
		t.Fatalf("expected retry after failure to be allowed, got %v", err)
	}
}

func TestServicePullMarksAttemptFailedOnPanic(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	panicQueriesOn(t, db, "stock_snapshots")

	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_, _ = service.Pull(context.Background(), Account{UserID: userID, Tier: TierFree}, PullRequest{})
	}()

	attempts := loadAttempts(t, db, userID)
	if len(attempts) != 1 || attempts[0].Status != AttemptStatusFailed {
		t.Fatalf("expected a failed attempt after panic, got %#v", attempts)
	}
}

func TestServicePullCompletesAttemptAfterCancellation(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := errors.New("client went away")
	registerErr := db.Callback().Query().Before("gorm:query").Register("test:cancel_filings", func(tx *gorm.DB) {
		if tx.Statement.Table == "filings" {
			cancel()
			_ = tx.AddError(cancelled)
		}
	})
	if registerErr != nil {
		t.Fatalf("failed to register callback: %v", registerErr)
	}

	if _, err := service.Pull(ctx, Account{UserID: userID, Tier: TierFree}, PullRequest{}); err == nil {
		t.Fatalf("expected cancelled pull to fail")
	}
	attempts := loadAttempts(t, db, userID)
	if len(attempts) != 1 || attempts[0].Status != AttemptStatusFailed {
		t.Fatalf("expected cancelled pull to be recorded as failed, got %#v", attempts)
	}
}

func TestServicePullRejectsWhilePending(t *testing.T) {
	service, db, clock := newTestService(t, testServiceOptions{pendingTTL: 5 * time.Minute})
	userID := mustUserID(t, "user-1")
	account := Account{UserID: userID, Tier: TierPremium}
	seedAttempt(t, db, SyncAttempt{AttemptID: "in-flight", UserID: userID.String(), Status: AttemptStatusPending, StartedAtMs: toUnixMilli(baseTime)})

	clock.Advance(time.Minute)
	if _, err := service.Pull(context.Background(), account, PullRequest{}); !errors.Is(err, ErrPullInProgress) {
		t.Fatalf("expected pull in progress, got %v", err)
	}

	clock.Advance(10 * time.Minute)
	if _, err := service.Pull(context.Background(), account, PullRequest{}); err != nil {
		t.Fatalf("expected stale pending attempt to be ignored, got %v", err)
	}
}

func TestServiceConcurrentPullsAllowOnlyOne(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	account := Account{UserID: userID, Tier: TierFree}

	const pullers = 8
	var (
		wait      sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
		failures  []error
	)
	for index := 0; index < pullers; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			_, err := service.Pull(context.Background(), account, PullRequest{})
			mu.Lock()
			defer mu.Unlock()
			var rateErr *RateGateError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &rateErr), errors.Is(err, ErrPullInProgress):
				rejected++
			default:
				failures = append(failures, err)
			}
		}()
	}
	wait.Wait()

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if successes != 1 || rejected != pullers-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d rejections", successes, rejected)
	}
	if len(loadAttempts(t, db, userID)) != 1 {
		t.Fatalf("expected exactly one recorded attempt")
	}
}

func TestServicePushAppliesAndReportsConflicts(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")

	mutations := []ClientMutation{
		{
			EntityKind:      EntityKindAlertRule,
			Action:          ActionCreate,
			Payload:         json.RawMessage(`{"stock_ticker":"abc","rule_type":"price_above"}`),
			ClientTimestamp: baseTime,
		},
		{EntityKind: EntityKindStockSnapshot, Action: ActionUpdate, RecordID: "ABC", ClientTimestamp: baseTime},
	}
	envelope, err := service.Push(context.Background(), userID, mutations)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if envelope.SyncToken == "" {
		t.Fatalf("expected sync token")
	}
	if len(envelope.Applied) != 1 || len(envelope.Conflicts) != 1 {
		t.Fatalf("unexpected partitions %d/%d", len(envelope.Applied), len(envelope.Conflicts))
	}
	if envelope.Conflicts[0].Reason != ReasonReadOnlyEntity {
		t.Fatalf("unexpected conflict reason %q", envelope.Conflicts[0].Reason)
	}
	if _, ok := loadAlertRule(t, db, envelope.Applied[0].RecordID); !ok {
		t.Fatalf("expected created rule to be stored")
	}
	if len(loadAttempts(t, db, userID)) != 0 {
		t.Fatalf("pushes must not be recorded in the pull ledger")
	}
}

func TestServicePushFailsWithoutToken(t *testing.T) {
	service, db, _ := newTestService(t, testServiceOptions{idProvider: failingIDProvider{err: errors.New("entropy exhausted")}})
	userID := mustUserID(t, "user-1")

	_, err := service.Push(context.Background(), userID, []ClientMutation{
		{EntityKind: EntityKindAlertRule, Action: ActionCreate, Payload: json.RawMessage(`{"stock_ticker":"ABC","rule_type":"price_above"}`), ClientTimestamp: baseTime},
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sync.push.id_generation_failed" {
		t.Fatalf("expected id generation failure, got %v", err)
	}
	var count int64
	if err := db.Model(&AlertRule{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rules: %v", err)
	}
	if count != 0 {
		t.Fatalf("no mutation may be applied when the token cannot be minted")
	}
}

func TestServiceListAttempts(t *testing.T) {
	service, _, clock := newTestService(t, testServiceOptions{})
	userID := mustUserID(t, "user-1")
	account := Account{UserID: userID, Tier: TierPremium}

	for index := 0; index < 3; index++ {
		if _, err := service.Pull(context.Background(), account, PullRequest{}); err != nil {
			t.Fatalf("unexpected pull error: %v", err)
		}
		clock.Advance(5 * time.Hour)
	}

	attempts, err := service.ListAttempts(context.Background(), userID, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if !attempts[0].StartedAt().After(attempts[1].StartedAt()) {
		t.Fatalf("expected newest first")
	}
}

func TestServiceExpiresAbandonedAttempts(t *testing.T) {
	logger, logs := newObservedLogger()
	service, db, clock := newTestService(t, testServiceOptions{logger: logger})
	userID := mustUserID(t, "user-1")
	seedAttempt(t, db, SyncAttempt{AttemptID: "crashed", UserID: userID.String(), Status: AttemptStatusPending, StartedAtMs: toUnixMilli(baseTime)})
	clock.Advance(time.Hour)

	expired, err := service.ExpireAbandonedAttempts(context.Background())
	if err != nil {
		t.Fatalf("unexpected expire error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired attempt, got %d", expired)
	}
	attempts := loadAttempts(t, db, userID)
	if attempts[0].Status != AttemptStatusFailed || attempts[0].ErrorDetail == nil || *attempts[0].ErrorDetail != abandonedAttemptDetail {
		t.Fatalf("unexpected expired attempt %#v", attempts[0])
	}
	if logs.FilterMessage("expired abandoned sync attempts").Len() != 1 {
		t.Fatalf("expected expiry log entry")
	}
}
