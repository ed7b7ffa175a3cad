package postgres

import "gorm.io/gorm"

// ContextScope returns a GORM scope that filters by context_id. An empty
// id leaves the query unfiltered.
func ContextScope(contextID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if contextID == "" {
			return db
		}
		return db.Where("context_id = ?", contextID)
	}
}
