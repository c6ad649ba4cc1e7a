package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPendingAttemptTTL = 5 * time.Minute

	opServiceNew       = "sync.service.new"
	opPull             = "sync.pull"
	opPush             = "sync.push"
	opListAttempts     = "sync.list_attempts"
	opExpireAbandoned  = "sync.expire_abandoned"
	reasonMissingDB    = "missing_database"
	reasonMissingIDs   = "missing_id_provider"
	reasonInvalidUser  = "invalid_user_id"
	reasonInvalidKind  = "invalid_entity_kind"
	reasonStoreFailure = "store_unavailable"
	reasonIDFailure    = "id_generation_failed"
	reasonProcessor    = "processor_init_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrPullInProgress rejects a pull while another pull for the same user is still pending.
	ErrPullInProgress = errors.New("syncengine: pull already in progress")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the sync Service.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	TierPolicy        TierPolicy
	PendingAttemptTTL time.Duration
	Tracking          ModificationTracking
}

// PullRequest is the engine-facing shape of a pull.
// A zero LastSyncedAt requests everything; empty Entities requests every kind.
type PullRequest struct {
	LastSyncedAt time.Time
	Entities     []EntityKind
}

// Service runs the pull and push flows.
type Service struct {
	store      *GormStore
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	pendingTTL time.Duration
	gate       *FrequencyGate
	ledger     *Ledger
	builder    *ChangesetBuilder
	processor  *MutationProcessor
}

// NewService wires the gate, ledger, changeset builder and mutation processor over one store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pendingTTL := cfg.PendingAttemptTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingAttemptTTL
	}

	store := NewGormStore(cfg.Database)
	processor, err := NewMutationProcessor(MutationProcessorConfig{
		Rules:      store,
		Clock:      clock,
		IDProvider: cfg.IDProvider,
		Tracking:   cfg.Tracking,
		Logger:     logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, reasonProcessor, err)
	}

	return &Service{
		store:      store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		pendingTTL: pendingTTL,
		gate:       NewFrequencyGate(store, cfg.TierPolicy, clock),
		ledger:     NewLedger(store, clock, cfg.IDProvider, logger),
		builder:    NewChangesetBuilder(store, cfg.Tracking, logger),
		processor:  processor,
	}, nil
}

// Pull gates, audits and builds a changeset for the account.
//
// The attempt row is always completed: a build failure, an id failure or a
// panic marks it failed before the error (or panic) propagates. Completion
// uses a context detached from the caller's cancellation.
func (s *Service) Pull(ctx context.Context, account Account, request PullRequest) (envelope PullEnvelope, err error) {
	if !s.ready() {
		s.logError(opPull, reasonMissingDB, errMissingDatabase)
		return PullEnvelope{}, newServiceError(opPull, reasonMissingDB, errMissingDatabase)
	}
	userID, err := NewUserID(account.UserID.String())
	if err != nil {
		return PullEnvelope{}, newServiceError(opPull, reasonInvalidUser, err)
	}
	kinds, err := normalizeKinds(request.Entities)
	if err != nil {
		return PullEnvelope{}, newServiceError(opPull, reasonInvalidKind, err)
	}

	attemptID, err := s.reserveAttempt(ctx, userID, account.Tier)
	if err != nil {
		return PullEnvelope{}, err
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		recovered := recover()
		cause := err
		if recovered != nil {
			cause = fmt.Errorf("panic during pull: %v", recovered)
		}
		if completeErr := s.ledger.CompleteAttempt(context.WithoutCancel(ctx), attemptID, FailedOutcome(cause)); completeErr != nil {
			s.logError(opPull, "attempt_complete_failed", completeErr,
				zap.String("user_id", userID.String()),
				zap.String("attempt_id", attemptID.String()))
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	changes, buildErr := s.builder.Build(ctx, userID, kinds, request.LastSyncedAt)
	if buildErr != nil {
		s.logError(opPull, reasonStoreFailure, buildErr,
			zap.String("user_id", userID.String()),
			zap.String("attempt_id", attemptID.String()))
		return PullEnvelope{}, newServiceError(opPull, reasonStoreFailure, fmt.Errorf("%w: %w", ErrStoreUnavailable, buildErr))
	}

	syncToken, tokenErr := s.idProvider.NewID()
	if tokenErr != nil {
		s.logError(opPull, reasonIDFailure, tokenErr, zap.String("user_id", userID.String()))
		return PullEnvelope{}, newServiceError(opPull, reasonIDFailure, tokenErr)
	}

	if completeErr := s.ledger.CompleteAttempt(context.WithoutCancel(ctx), attemptID, SucceededOutcome(changes.ItemCount())); completeErr != nil {
		s.logError(opPull, "attempt_complete_failed", completeErr,
			zap.String("user_id", userID.String()),
			zap.String("attempt_id", attemptID.String()))
		return PullEnvelope{}, newServiceError(opPull, reasonStoreFailure, completeErr)
	}
	completed = true

	s.logger.Info("sync pull completed",
		zap.String("user_id", userID.String()),
		zap.String("tier", string(account.Tier)),
		zap.String("attempt_id", attemptID.String()),
		zap.Int64("items_synced", changes.ItemCount()))

	return BuildPullEnvelope(changes, syncToken, s.clock()), nil
}

// reserveAttempt runs the frequency gate and inserts the pending attempt in
// one transaction under the user lock, so concurrent pulls cannot both pass.
func (s *Service) reserveAttempt(ctx context.Context, userID UserID, tier Tier) (AttemptID, error) {
	var attemptID AttemptID
	err := s.store.WithinUserLock(ctx, userID, func(attempts AttemptStore) error {
		if err := s.gate.allowPullWith(ctx, attempts, userID, tier); err != nil {
			return err
		}
		pending, err := attempts.LatestPendingAttempt(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if pending != nil && s.clock().Sub(pending.StartedAt()) < s.pendingTTL {
			return ErrPullInProgress
		}
		attemptID, err = s.ledger.beginWith(ctx, attempts, userID)
		return err
	})
	if err == nil {
		return attemptID, nil
	}

	var rateErr *RateGateError
	switch {
	case errors.As(err, &rateErr):
		s.logger.Info("sync pull rate limited",
			zap.String("user_id", userID.String()),
			zap.String("tier", string(tier)),
			zap.Int("hours_remaining", rateErr.HoursRemaining))
		return "", rateErr
	case errors.Is(err, ErrPullInProgress):
		s.logger.Info("sync pull already in progress", zap.String("user_id", userID.String()))
		return "", err
	case errors.Is(err, ErrUnknownTier):
		return "", newServiceError(opPull, "unknown_tier", err)
	default:
		s.logError(opPull, reasonStoreFailure, err, zap.String("user_id", userID.String()))
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return "", newServiceError(opPull, reasonStoreFailure, err)
	}
}

// Push applies client mutations in order. Conflicts are part of the envelope,
// not errors; an error is returned only when the call itself cannot run.
func (s *Service) Push(ctx context.Context, userID UserID, mutations []ClientMutation) (PushEnvelope, error) {
	if !s.ready() {
		s.logError(opPush, reasonMissingDB, errMissingDatabase)
		return PushEnvelope{}, newServiceError(opPush, reasonMissingDB, errMissingDatabase)
	}
	validated, err := NewUserID(userID.String())
	if err != nil {
		return PushEnvelope{}, newServiceError(opPush, reasonInvalidUser, err)
	}
	syncToken, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPush, reasonIDFailure, err, zap.String("user_id", validated.String()))
		return PushEnvelope{}, newServiceError(opPush, reasonIDFailure, err)
	}

	result := s.processor.Apply(ctx, validated, mutations)
	envelope := BuildPushEnvelope(result, syncToken, s.clock())

	s.logger.Info("sync push completed",
		zap.String("user_id", validated.String()),
		zap.Int("applied", len(envelope.Applied)),
		zap.Int("conflicts", len(envelope.Conflicts)))
	return envelope, nil
}

// ListAttempts exposes the audit trail read-only.
func (s *Service) ListAttempts(ctx context.Context, userID UserID, limit int) ([]SyncAttempt, error) {
	if !s.ready() {
		s.logError(opListAttempts, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListAttempts, reasonMissingDB, errMissingDatabase)
	}
	validated, err := NewUserID(userID.String())
	if err != nil {
		return nil, newServiceError(opListAttempts, reasonInvalidUser, err)
	}
	attempts, err := s.ledger.ListAttempts(ctx, validated, limit)
	if err != nil {
		s.logError(opListAttempts, reasonStoreFailure, err, zap.String("user_id", validated.String()))
		return nil, newServiceError(opListAttempts, reasonStoreFailure, err)
	}
	return attempts, nil
}

// ExpireAbandonedAttempts fails attempts left pending past the pending TTL,
// such as those of a process that died mid-pull.
func (s *Service) ExpireAbandonedAttempts(ctx context.Context) (int64, error) {
	if !s.ready() {
		return 0, newServiceError(opExpireAbandoned, reasonMissingDB, errMissingDatabase)
	}
	expired, err := s.ledger.ExpireAbandoned(ctx, s.pendingTTL)
	if err != nil {
		s.logError(opExpireAbandoned, reasonStoreFailure, err)
		return 0, newServiceError(opExpireAbandoned, reasonStoreFailure, err)
	}
	if expired > 0 {
		s.logger.Warn("expired abandoned sync attempts", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) ready() bool {
	return s != nil && s.store != nil && s.processor != nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}
