// Copyright (c) 2026 LabGate. All rights reserved.

// PostgreSQL implementation of the account [Store].
//
// # Architecture
//
// The repository is strictly separated from domain logic. It implements the
// domain-defined [Store] interface using the [pgxpool.Pool] connection manager.
//
// # Error Mapping
//
// Storage-specific errors (like pgx.ErrNoRows) are mapped to domain-friendly
// [apperr.AppError] types via [dberr.Wrap] to avoid leaking storage details.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/dberr"
)

// accountColumns is the canonical SELECT column list, kept in one place so
// every query scans the same shape.
const accountColumns = `
	id, email, passwordhash, role,
	approved, approvedat, approvedby,
	wechatopenid, wechatunionid, wechatnickname, wechatavatar,
	sessionepoch, activedeviceid,
	createdat, updatedat`

// PostgresStore implements the [Store] interface using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL implementation of the account [Store].
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// scanAccount reads one account row from any pgx row source.
func scanAccount(row pgx.Row) (*Account, error) {
	acct := &Account{}
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.PasswordHash,
		&acct.Role,
		&acct.Approved,
		&acct.ApprovedAt,
		&acct.ApprovedBy,
		&acct.WeChatOpenID,
		&acct.WeChatUnionID,
		&acct.WeChatNickname,
		&acct.WeChatAvatar,
		&acct.SessionEpoch,
		&acct.ActiveDeviceID,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Create persists a new account record into the users.account table.
func (store *PostgresStore) Create(ctx context.Context, acct *Account) error {
	const query = `
		INSERT INTO users.account (
			id, email, passwordhash, role,
			approved, approvedat, approvedby,
			wechatopenid, wechatunionid, wechatnickname, wechatavatar,
			sessionepoch, activedeviceid,
			createdat, updatedat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	_, err := store.pool.Exec(ctx, query,
		acct.ID,
		acct.Email,
		acct.PasswordHash,
		acct.Role,
		acct.Approved,
		acct.ApprovedAt,
		acct.ApprovedBy,
		acct.WeChatOpenID,
		acct.WeChatUnionID,
		acct.WeChatNickname,
		acct.WeChatAvatar,
		acct.SessionEpoch,
		acct.ActiveDeviceID,
		acct.CreatedAt,
		acct.UpdatedAt,
	)

	if err != nil {
		return dberr.Wrap(err, "account_store_create")
	}

	return nil
}

// FindByID retrieves an account record by its unique ID.
func (store *PostgresStore) FindByID(ctx context.Context, id string) (*Account, error) {
	query := "SELECT " + accountColumns + " FROM users.account WHERE id = $1"

	acct, err := scanAccount(store.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Account")
		}
		return nil, dberr.Wrap(err, "account_store_find_by_id")
	}

	return acct, nil
}

// FindByEmail retrieves an account record by its unique email address.
func (store *PostgresStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	query := "SELECT " + accountColumns + " FROM users.account WHERE email = $1"

	acct, err := scanAccount(store.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Account")
		}
		return nil, dberr.Wrap(err, "account_store_find_by_email")
	}

	return acct, nil
}

// FindByProviderIdentity retrieves the account linked to a WeChat identity,
// trying the openid first and falling back to the unionid.
func (store *PostgresStore) FindByProviderIdentity(ctx context.Context, openID, unionID string) (*Account, error) {
	const byOpenID = "SELECT " + accountColumns + " FROM users.account WHERE wechatopenid = $1"

	acct, err := scanAccount(store.pool.QueryRow(ctx, byOpenID, openID))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, dberr.Wrap(err, "account_store_find_by_openid")
	}

	// Fallback: the same person can arrive via a different WeChat surface
	// (QR web vs official account); they share the unionid.
	if unionID == "" {
		return nil, apperr.NotFound("Account")
	}

	const byUnionID = "SELECT " + accountColumns + " FROM users.account WHERE wechatunionid = $1"

	acct, err = scanAccount(store.pool.QueryRow(ctx, byUnionID, unionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Account")
		}
		return nil, dberr.Wrap(err, "account_store_find_by_unionid")
	}

	return acct, nil
}

// UpdateLinkedProfile refreshes the WeChat identity fields of an account.
//
// The identity columns (openid, unionid) fill in only when previously empty:
// the surface that first linked the account owns them, and a unionid-fallback
// login from another surface must not overwrite the recorded openid. The
// profile columns take fresh values, but a nil input (failed profile fetch)
// never erases data already recorded.
func (store *PostgresStore) UpdateLinkedProfile(ctx context.Context, id string, openID, unionID, nickname, avatarURL *string) error {
	const query = `
		UPDATE users.account
		SET wechatopenid   = COALESCE(wechatopenid, $2),
		    wechatunionid  = COALESCE(wechatunionid, $3),
		    wechatnickname = COALESCE($4, wechatnickname),
		    wechatavatar   = COALESCE($5, wechatavatar),
		    updatedat      = NOW()
		WHERE id = $1`

	tag, err := store.pool.Exec(ctx, query, id, openID, unionID, nickname, avatarURL)
	if err != nil {
		return dberr.Wrap(err, "account_store_update_linked_profile")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Account")
	}

	return nil
}

// RecordLogin advances the session epoch and pins the active device.
//
// # Atomicity
//
// The increment and the device pin happen in one UPDATE on one row, so two
// concurrent logins serialize on the row lock and each observes a distinct
// epoch. Whichever commits last owns the session.
func (store *PostgresStore) RecordLogin(ctx context.Context, id, deviceID string) (int64, error) {
	const query = `
		UPDATE users.account
		SET sessionepoch = sessionepoch + 1,
		    activedeviceid = $2,
		    updatedat = NOW()
		WHERE id = $1
		RETURNING sessionepoch`

	var newEpoch int64
	err := store.pool.QueryRow(ctx, query, id, deviceID).Scan(&newEpoch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.NotFound("Account")
		}
		return 0, dberr.Wrap(err, "account_store_record_login")
	}

	return newEpoch, nil
}

// SetApproved marks an account as approved by the given administrator.
//
// The `approved = FALSE` guard makes a repeated approval a no-op instead of
// rewriting the original approval timestamp and approver.
func (store *PostgresStore) SetApproved(ctx context.Context, id, approverID string) error {
	const query = `
		UPDATE users.account
		SET approved = TRUE, approvedat = NOW(), approvedby = $2, updatedat = NOW()
		WHERE id = $1 AND approved = FALSE`

	tag, err := store.pool.Exec(ctx, query, id, approverID)
	if err != nil {
		return dberr.Wrap(err, "account_store_set_approved")
	}

	if tag.RowsAffected() == 0 {
		// Either the account is already approved (fine) or it doesn't exist.
		if _, err := store.FindByID(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// List returns a page of accounts, newest first, optionally filtered by
// approval state, together with the total matching count.
func (store *PostgresStore) List(ctx context.Context, approved *bool, limit, offset int) ([]*Account, int, error) {
	whereClause := ""
	countArgs := []any{}
	listArgs := []any{}

	if approved != nil {
		whereClause = " WHERE approved = $1"
		countArgs = append(countArgs, *approved)
		listArgs = append(listArgs, *approved)
	}

	countQuery := "SELECT COUNT(*) FROM users.account" + whereClause

	var total int
	if err := store.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, dberr.Wrap(err, "account_store_list_count")
	}

	listQuery := fmt.Sprintf(
		"SELECT %s FROM users.account%s ORDER BY createdat DESC LIMIT $%d OFFSET $%d",
		accountColumns, whereClause, len(listArgs)+1, len(listArgs)+2,
	)
	listArgs = append(listArgs, limit, offset)

	rows, err := store.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, dberr.Wrap(err, "account_store_list")
	}
	defer rows.Close()

	accounts := make([]*Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, 0, dberr.Wrap(err, "account_store_list_scan")
		}
		accounts = append(accounts, acct)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, dberr.Wrap(err, "account_store_list_rows")
	}

	return accounts, total, nil
}
