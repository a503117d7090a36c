package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAttachmentURLHash = "2026-04-14_backfill_attachment_url_hash"
	migrationCanonicalizeStatuses      = "2026-05-02_canonicalize_work_order_statuses"
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
	migrations := []migrationDefinition{
		{name: migrationBackfillAttachmentURLHash, apply: backfillAttachmentURLHash},
		{name: migrationCanonicalizeStatuses, apply: canonicalizeWorkOrderStatuses},
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillAttachmentURLHash fills the natural key of attachments written
// before the hash column existed.
func backfillAttachmentURLHash(db *gorm.DB) error {
	var attachments []workorders.Attachment
	if err := db.Where("url_hash = ? OR url_hash IS NULL", "").Find(&attachments).Error; err != nil {
		return err
	}
	for _, attachment := range attachments {
		if err := db.Model(&workorders.Attachment{}).
			Where("id = ?", attachment.ID).
			Update("url_hash", workorders.AttachmentURLHash(attachment.URL)).Error; err != nil {
			return err
		}
	}
	return nil
}

// canonicalizeWorkOrderStatuses rewrites status aliases such as "closed"
// onto the canonical names of the embedded policy.
func canonicalizeWorkOrderStatuses(db *gorm.DB) error {
	policy, err := workorders.DefaultPolicy()
	if err != nil {
		return err
	}
	var statuses []string
	if err := db.Model(&workorders.WorkOrder{}).Distinct("status").Pluck("status", &statuses).Error; err != nil {
		return err
	}
	for _, status := range statuses {
		canonical, known := policy.NormalizeStatus(status)
		if !known || canonical == status {
			continue
		}
		if err := db.Model(&workorders.WorkOrder{}).
			Where("status = ?", status).
			Update("status", canonical).Error; err != nil {
			return err
		}
	}
	return nil
}
