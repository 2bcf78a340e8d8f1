package sqlutil

import (
	"database/sql"

	"github.com/google/uuid"
)

// Helper functions for converting between Go types and sql.Null* types

// FromSqlInt32 converts sql.NullInt32 to Go int pointer
func FromSqlInt32(val sql.NullInt32) *int {
	if !val.Valid {
		return nil
	}
	i := int(val.Int32)
	return &i
}

// ToNullUUID converts a Go UUID pointer to uuid.NullUUID
func ToNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{Valid: false}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// FromNullUUID converts uuid.NullUUID to Go UUID pointer
func FromNullUUID(val uuid.NullUUID) *uuid.UUID {
	if !val.Valid {
		return nil
	}
	return &val.UUID
}
