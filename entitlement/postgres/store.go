package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"

	"github.com/code-payments/iapkit/entitlement"
)

type pgStore struct {
	db *sqlx.DB
}

// NewInPostgres returns a Store backed by the pgx driver. Row locks on the
// state table serialize concurrent writers across processes.
func NewInPostgres(db *sql.DB) entitlement.Store {
	return &pgStore{
		db: sqlx.NewDb(db, "pgx"),
	}
}

// EnsureSchema creates the entitlement tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) reset() {
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `DELETE FROM `+entitlementTable)
	if err != nil {
		panic(err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE `+stateTable+` SET "lastError" = NULL, "version" = 0, "updatedAt" = $1 WHERE "id" = 1`, time.Now())
	if err != nil {
		panic(err)
	}
}

func (s *pgStore) MarkPurchased(ctx context.Context, productID string) error {
	if productID == "" {
		return entitlement.ErrInvalidProductID
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+entitlementTable+` ("productId", "createdAt")
		VALUES ($1, $2)
	`, productID, now)
	if isUniqueViolation(err) {
		// Already purchased; the failed insert aborted the transaction.
		_ = tx.Rollback()
		return nil
	} else if err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE `+stateTable+` SET "version" = "version" + 1, "updatedAt" = $1 WHERE "id" = 1
	`, now)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *pgStore) RecordError(ctx context.Context, err error) error {
	_, execErr := s.db.ExecContext(ctx, `
		UPDATE `+stateTable+` SET "lastError" = $1, "version" = "version" + 1, "updatedAt" = $2 WHERE "id" = 1
	`, toNullString(err), time.Now())
	return execErr
}

func (s *pgStore) IsPurchased(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM `+entitlementTable+` WHERE "productId" = $1)`, productID)
	return exists, err
}

func (s *pgStore) HasAnyEntitlement(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM `+entitlementTable+`)`)
	return exists, err
}

func (s *pgStore) Snapshot(ctx context.Context) (*entitlement.Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var ids []string
	err = tx.SelectContext(ctx, &ids, `SELECT "productId" FROM `+entitlementTable)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	var state stateModel
	err = tx.GetContext(ctx, &state, `SELECT "lastError", "version" FROM `+stateTable+` WHERE "id" = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("entitlement state row is missing, was EnsureSchema run?")
	} else if err != nil {
		return nil, err
	}

	return &entitlement.Snapshot{
		ProductIDs: ids,
		LastError:  fromNullString(state.LastError),
		Version:    uint64(state.Version),
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
