package database

import (
	"errors"
	"time"

	"github.com/vettr/backend/internal/syncengine"
	"github.com/vettr/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAlertRuleUpdatedAt = "2025-03-01_backfill_alert_rule_updated_at"
	migrationDefaultIdentityTier        = "2025-03-01_default_identity_subscription_tier"
	migrationAlertRuleUserScopedKey     = "2025-03-10_alert_rule_user_scoped_key"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationBackfillAlertRuleUpdatedAt, apply: backfillAlertRuleUpdatedAt},
		{name: migrationDefaultIdentityTier, apply: defaultIdentityTier},
		{name: migrationAlertRuleUserScopedKey, apply: alertRuleUserScopedKey},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillAlertRuleUpdatedAt seeds updated_at from created_at for rules
// written before the column existed.
func backfillAlertRuleUpdatedAt(db *gorm.DB) error {
	return db.Model(&syncengine.AlertRule{}).
		Where("updated_at_ms = 0").
		Update("updated_at_ms", gorm.Expr("created_at_ms")).Error
}

func defaultIdentityTier(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("subscription_tier IS NULL OR subscription_tier = ''").
		Update("subscription_tier", string(syncengine.TierFree)).Error
}

// alertRuleUserScopedKey moves alert_rules onto the (user_id, rule_id) key.
// SQLite tables are created with that key by AutoMigrate and cannot have a
// primary key altered in place, so only PostgreSQL is rewritten.
func alertRuleUserScopedKey(db *gorm.DB) error {
	if db.Dialector.Name() != DriverPostgres {
		return nil
	}
	return db.Exec("ALTER TABLE alert_rules DROP CONSTRAINT IF EXISTS alert_rules_pkey, ADD PRIMARY KEY (user_id, rule_id)").Error
}
