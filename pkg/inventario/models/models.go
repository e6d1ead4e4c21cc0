package models

import "gorm.io/gorm"

// AllModels returns all models for migration
// Note: Laboratory and User must be migrated before the tables that reference them
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Laboratory{},
		&Equipment{},
		&Software{},
		&AgentAPIKey{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
