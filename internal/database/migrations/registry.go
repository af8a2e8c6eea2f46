package migrations

import (
	"gorm.io/gorm"

	"github.com/adscribe/adscribe/internal/models"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the initial schema: jobs, stage_status,
// module_outputs, subscribers, and the task queue table.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Initial schema",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Job{},
				&models.StageRecord{},
				&models.ModuleOutput{},
				&models.Subscriber{},
				&models.Task{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.Task{},
				&models.Subscriber{},
				&models.ModuleOutput{},
				&models.StageRecord{},
				&models.Job{},
			)
		},
	}
}
