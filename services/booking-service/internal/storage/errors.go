package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// SQLSTATE codes that are worth retrying.
var transientCodes = map[string]bool{
	"55P03": true, // lock_not_available
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
	"08000": true,
	"08003": true,
	"08006": true,
}

// classify maps driver errors onto the booking error taxonomy. Domain errors pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsDomain(err) {
		return err
	}
	if errors.Is(err, ledger.ErrIdentityChanged) {
		return model.Invalid("booking", "%s", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return &model.TransientStorageError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return &model.TransientStorageError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
