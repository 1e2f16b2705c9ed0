package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchItemsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_batch_items",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchItemModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_order ON batch_items (batch_id, order_index)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_status ON batch_items (batch_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_items_lead_batch ON batch_items (lead_id, batch_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchItemModel{})
		},
	}
}
