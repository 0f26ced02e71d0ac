package eventstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// ErrDuplicateKey is returned when a commit collides with an existing event
// id. The gateway resolves it into a duplicate or an invariant violation.
var ErrDuplicateKey = errors.New("duplicate key violation")

// Postgres error codes the store maps onto ledger errors
const (
	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// classifyError maps driver errors onto ledger errors.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		}
	}
	return err
}
