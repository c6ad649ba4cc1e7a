package syncengine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// TierPolicy maps each subscription tier to its minimum interval between successful pulls.
type TierPolicy map[Tier]time.Duration

// DefaultTierPolicy returns the stock pull intervals: free 24h, pro 12h, premium 4h.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		TierFree:    24 * time.Hour,
		TierPro:     12 * time.Hour,
		TierPremium: 4 * time.Hour,
	}
}

// MinimumInterval returns the configured interval for the tier.
func (p TierPolicy) MinimumInterval(tier Tier) (time.Duration, error) {
	interval, ok := p[tier]
	if !ok || interval < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return interval, nil
}

// RateGateError rejects a pull attempted before the tier's minimum interval elapsed.
// Every field is meant to be surfaced to the client verbatim.
type RateGateError struct {
	Tier                 Tier
	MinimumIntervalHours int
	HoursSinceLast       float64
	HoursRemaining       int
	LastSyncAt           time.Time
}

func (e *RateGateError) Error() string {
	return fmt.Sprintf("sync rate limited: tier %s allows one pull every %dh, last pull %.1fh ago, retry in %dh",
		e.Tier, e.MinimumIntervalHours, e.HoursSinceLast, e.HoursRemaining)
}

// RetryAfter is the remaining wait rounded up to whole hours.
func (e *RateGateError) RetryAfter() time.Duration {
	return time.Duration(e.HoursRemaining) * time.Hour
}

// evaluate applies the policy to the most recent successful attempt.
func (p TierPolicy) evaluate(tier Tier, last *SyncAttempt, now time.Time) error {
	minimum, err := p.MinimumInterval(tier)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	lastSyncAt := last.StartedAt()
	since := now.Sub(lastSyncAt)
	if since < 0 {
		since = 0
	}
	if since >= minimum {
		return nil
	}
	return &RateGateError{
		Tier:                 tier,
		MinimumIntervalHours: int(minimum / time.Hour),
		HoursSinceLast:       math.Round(since.Hours()*10) / 10,
		HoursRemaining:       int(math.Ceil((minimum - since).Hours())),
		LastSyncAt:           lastSyncAt,
	}
}

// FrequencyGate decides whether a user may pull again.
type FrequencyGate struct {
	attempts AttemptStore
	policy   TierPolicy
	clock    func() time.Time
}

// NewFrequencyGate builds a gate reading the ledger through attempts.
func NewFrequencyGate(attempts AttemptStore, policy TierPolicy, clock func() time.Time) *FrequencyGate {
	if policy == nil {
		policy = DefaultTierPolicy()
	}
	if clock == nil {
		clock = time.Now
	}
	return &FrequencyGate{attempts: attempts, policy: policy, clock: clock}
}

// AllowPull returns nil when a pull is allowed, or a *RateGateError.
// On its own the check is advisory; Service.Pull runs it under the user lock.
func (g *FrequencyGate) AllowPull(ctx context.Context, userID UserID, tier Tier) error {
	return g.allowPullWith(ctx, g.attempts, userID, tier)
}

func (g *FrequencyGate) allowPullWith(ctx context.Context, attempts AttemptStore, userID UserID, tier Tier) error {
	last, err := attempts.LastSuccessfulAttempt(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return g.policy.evaluate(tier, last, g.clock().UTC())
}
