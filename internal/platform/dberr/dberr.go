// Copyright (c) 2026 LabGate. All rights reserved.

// Package dberr provides a bridge between low-level database errors and
// higher-level application errors.
package dberr

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labgate/labgate/internal/platform/apperr"
)

var (
	// ErrNotFound is a standard error returned when a queried row doesn't exist.
	ErrNotFound = apperr.NotFound("Resource")
)

// Wrap inspects a database error and wraps it into a meaningful [apperr.AppError].
// It hides internal database details from the client while classifying the error type.
//
// # Classification
//
//   - pgx.ErrNoRows            → NOT_FOUND
//   - SQLSTATE 23505 (unique)  → CONFLICT, keyed on the violated constraint
//   - anything else            → INTERNAL_ERROR (cause retained for logs)
func Wrap(err error, action string) error {
	if err == nil {
		return nil
	}

	// 1. Not Found mapping
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	// 2. Uniqueness invariants (email, provider identity) surface as Conflict
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == pgerrcode.UniqueViolation {
		return apperr.Conflict(conflictMessage(pgError.ConstraintName)).WithCause(err)
	}

	// 3. Unknown query errors become Internal Server Errors
	return apperr.Internal(err)
}

// conflictMessage maps a violated constraint to a client-safe message.
//
// The constraint names match data/migrations/0001_create_account.up.sql.
func conflictMessage(constraint string) string {
	switch constraint {
	case "account_email_key":
		return "Email is already registered"
	case "account_wechatopenid_key":
		return "This WeChat identity is already linked to an account"
	default:
		return "Resource already exists"
	}
}
