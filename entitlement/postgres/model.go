package postgres

import (
	"database/sql"
	"errors"
)

const (
	entitlementTable = "iap_entitlements"
	stateTable       = "iap_entitlement_state"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + entitlementTable + ` (
		"productId" TEXT PRIMARY KEY,
		"createdAt" TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
		"id"        INTEGER PRIMARY KEY CHECK ("id" = 1),
		"lastError" TEXT,
		"version"   BIGINT NOT NULL DEFAULT 0,
		"updatedAt" TIMESTAMPTZ NOT NULL
	)`,
	`INSERT INTO ` + stateTable + ` ("id", "version", "updatedAt")
		VALUES (1, 0, NOW())
		ON CONFLICT ("id") DO NOTHING`,
}

// stateModel maps to the single row of the iap_entitlement_state table
type stateModel struct {
	LastError sql.NullString `db:"lastError"`
	Version   int64          `db:"version"`
}

func toNullString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func fromNullString(s sql.NullString) error {
	if !s.Valid {
		return nil
	}
	return errors.New(s.String)
}
