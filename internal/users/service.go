package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vettr/backend/internal/auth"
	"github.com/vettr/backend/internal/syncengine"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier or tier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims into the account the sync engine operates on.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

type cachedAccount struct {
	userID string
	tier   syncengine.Tier
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveAccount returns the canonical user id and subscription tier for the session.
// A tier asserted by the token wins and is remembered; tokens without one fall
// back to the remembered tier, then to free.
func (s *Service) ResolveAccount(ctx context.Context, claims auth.SessionClaims) (syncengine.Account, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return syncengine.Account{}, ErrInvalidIdentity
	}
	claimedTier, err := parseClaimedTier(claims.SubscriptionTier)
	if err != nil {
		return syncengine.Account{}, err
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if account, ok := cached.(cachedAccount); ok && (claimedTier == "" || claimedTier == account.tier) {
			return buildAccount(account)
		}
	}

	var identity Identity
	err = s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		tier := claimedTier
		if tier == "" {
			tier = syncengine.TierFree
		}
		identity = Identity{
			Provider:         provider,
			Subject:          subject,
			UserID:           subject,
			Email:            normalize(claims.UserEmail),
			DisplayName:      normalize(claims.UserDisplayName),
			SubscriptionTier: string(tier),
			LastSeenAt:       s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return syncengine.Account{}, err
		}
	case err != nil:
		return syncengine.Account{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if claimedTier != "" && string(claimedTier) != identity.SubscriptionTier {
			updates["subscription_tier"] = string(claimedTier)
			identity.SubscriptionTier = string(claimedTier)
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return syncengine.Account{}, err
		}
	}

	tier, err := syncengine.ParseTier(identity.SubscriptionTier)
	if err != nil {
		tier = syncengine.TierFree
	}
	account := cachedAccount{userID: identity.UserID, tier: tier}
	s.cache.Store(cacheKey, account)
	return buildAccount(account)
}

func buildAccount(account cachedAccount) (syncengine.Account, error) {
	userID, err := syncengine.NewUserID(account.userID)
	if err != nil {
		return syncengine.Account{}, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	return syncengine.Account{UserID: userID, Tier: account.tier}, nil
}

func parseClaimedTier(raw string) (syncengine.Tier, error) {
	if normalize(raw) == "" {
		return "", nil
	}
	tier, err := syncengine.ParseTier(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	return tier, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
