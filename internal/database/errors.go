package database

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pump-contract-engine/internal/errs"
)

// mapError converts a pgx error into the engine's error taxonomy.
// Callers retry on Transient only; Conflict and NotFound are decisions,
// not failures.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.KindNotFound, err, "%s", op)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTransient, err, "%s", op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Wrap(errs.KindTransient, err, "%s", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return errs.Wrap(errs.KindConflict, err, "%s", op)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return errs.Wrap(errs.KindTransient, err, "%s", op)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
			return errs.Wrap(errs.KindTransient, err, "%s", op)
		case pgErr.Code == "57P03": // cannot_connect_now
			return errs.Wrap(errs.KindTransient, err, "%s", op)
		}
	}

	if pgconn.SafeToRetry(err) {
		return errs.Wrap(errs.KindTransient, err, "%s", op)
	}

	return errs.Wrap(errs.KindFatal, err, "%s", op)
}
