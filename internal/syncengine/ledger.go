package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAttemptListLimit = 50
	maxAttemptListLimit     = 500
	abandonedAttemptDetail  = "abandoned before completion"
)

var errNonTerminalOutcome = errors.New("syncengine: attempt outcome must be success or failed")

// AttemptOutcome is the single terminal update applied to an attempt.
type AttemptOutcome struct {
	Status      AttemptStatus
	ItemsSynced int64
	Err         error
}

// SucceededOutcome records a pull that delivered itemsSynced entries.
func SucceededOutcome(itemsSynced int64) AttemptOutcome {
	return AttemptOutcome{Status: AttemptStatusSuccess, ItemsSynced: itemsSynced}
}

// FailedOutcome records a pull that failed with err.
func FailedOutcome(err error) AttemptOutcome {
	return AttemptOutcome{Status: AttemptStatusFailed, Err: err}
}

// Ledger is the append-only history of pull attempts.
type Ledger struct {
	attempts   AttemptStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewLedger builds a ledger writing through attempts.
func NewLedger(attempts AttemptStore, clock func() time.Time, idProvider IDProvider, logger *zap.Logger) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{attempts: attempts, clock: clock, idProvider: idProvider, logger: logger}
}

// BeginAttempt inserts a pending attempt and returns its id.
func (l *Ledger) BeginAttempt(ctx context.Context, userID UserID) (AttemptID, error) {
	return l.beginWith(ctx, l.attempts, userID)
}

func (l *Ledger) beginWith(ctx context.Context, attempts AttemptStore, userID UserID) (AttemptID, error) {
	rawID, err := l.idProvider.NewID()
	if err != nil {
		return "", err
	}
	attempt := &SyncAttempt{
		AttemptID:   rawID,
		UserID:      userID.String(),
		Status:      AttemptStatusPending,
		StartedAtMs: toUnixMilli(l.clock()),
	}
	if err := attempts.InsertAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.logger.Debug("sync attempt started",
		zap.String("attempt_id", rawID),
		zap.String("user_id", userID.String()))
	return AttemptID(rawID), nil
}

// CompleteAttempt applies the terminal update. A second call for the same
// attempt returns ErrAttemptNotPending.
func (l *Ledger) CompleteAttempt(ctx context.Context, attemptID AttemptID, outcome AttemptOutcome) error {
	if !outcome.Status.Terminal() {
		return errNonTerminalOutcome
	}
	var detail *string
	if outcome.Status == AttemptStatusFailed {
		message := "unknown failure"
		if outcome.Err != nil {
			message = outcome.Err.Error()
		}
		detail = &message
	}
	items := outcome.ItemsSynced
	if outcome.Status == AttemptStatusFailed {
		items = 0
	}
	err := l.attempts.FinishAttempt(ctx, attemptID, outcome.Status, items, detail, l.clock())
	if errors.Is(err, ErrAttemptNotPending) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.logger.Debug("sync attempt completed",
		zap.String("attempt_id", attemptID.String()),
		zap.String("status", string(outcome.Status)),
		zap.Int64("items_synced", items))
	return nil
}

// ListAttempts returns the user's attempts newest first, for support diagnostics.
func (l *Ledger) ListAttempts(ctx context.Context, userID UserID, limit int) ([]SyncAttempt, error) {
	if limit <= 0 {
		limit = defaultAttemptListLimit
	}
	if limit > maxAttemptListLimit {
		limit = maxAttemptListLimit
	}
	attempts, err := l.attempts.ListAttempts(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return attempts, nil
}

// ExpireAbandoned marks attempts pending for longer than ttl as failed.
func (l *Ledger) ExpireAbandoned(ctx context.Context, ttl time.Duration) (int64, error) {
	now := l.clock()
	expired, err := l.attempts.ExpirePendingAttempts(ctx, now.Add(-ttl), abandonedAttemptDetail, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return expired, nil
}
