package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vettr/backend/internal/auth"
	"github.com/vettr/backend/internal/syncengine"
	"gorm.io/gorm"
)

func newTestUsersService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveAccountStripsProviderPrefix(t *testing.T) {
	service, db := newTestUsersService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	account, err := service.ResolveAccount(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if account.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", account.UserID)
	}
	if account.Tier != syncengine.TierFree {
		t.Fatalf("expected default free tier, got %q", account.Tier)
	}

	account, err = service.ResolveAccount(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if account.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", account.UserID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity, got %d", count)
	}
}

func TestResolveAccountRemembersClaimedTier(t *testing.T) {
	service, db := newTestUsersService(t)
	ctx := context.Background()

	account, err := service.ResolveAccount(ctx, auth.SessionClaims{UserID: "user-1", SubscriptionTier: "Premium"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if account.Tier != syncengine.TierPremium {
		t.Fatalf("expected premium tier, got %q", account.Tier)
	}

	account, err = service.ResolveAccount(ctx, auth.SessionClaims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if account.Tier != syncengine.TierPremium {
		t.Fatalf("expected remembered premium tier, got %q", account.Tier)
	}

	account, err = service.ResolveAccount(ctx, auth.SessionClaims{UserID: "user-1", SubscriptionTier: "pro"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if account.Tier != syncengine.TierPro {
		t.Fatalf("expected downgrade to pro, got %q", account.Tier)
	}
	var stored Identity
	if err := db.Where("subject = ?", "user-1").First(&stored).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if stored.SubscriptionTier != "pro" {
		t.Fatalf("expected stored tier pro, got %q", stored.SubscriptionTier)
	}
}

func TestResolveAccountRejectsInvalidClaims(t *testing.T) {
	service, _ := newTestUsersService(t)

	if _, err := service.ResolveAccount(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity for empty claims, got %v", err)
	}
	_, err := service.ResolveAccount(context.Background(), auth.SessionClaims{UserID: "user-1", SubscriptionTier: "platinum"})
	if !errors.Is(err, ErrInvalidIdentity) || !errors.Is(err, syncengine.ErrUnknownTier) {
		t.Fatalf("expected unknown tier to be rejected, got %v", err)
	}
}
