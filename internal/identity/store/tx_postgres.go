package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	dErrors "reconcile/pkg/domain-errors"
	"reconcile/pkg/platform/sentinel"
)

// SQLSTATE codes PostgreSQL raises when a serializable transaction cannot
// commit and must be replayed by the caller.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresTx runs units of work as SERIALIZABLE transactions. Concurrent
// resolutions touching overlapping clusters surface as serialization
// failures, reported to callers as sentinel.ErrConflict so they replay the
// whole unit instead of patching partial state.
type PostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresTxRunner wraps a database pool in a serializable transaction
// boundary.
func NewPostgresTxRunner(db *sql.DB) *PostgresTx {
	return &PostgresTx{db: db}
}

func (t *PostgresTx) RunInTx(ctx context.Context, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(NewPostgresTx(tx)); err != nil {
		return translateConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return translateConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// translateConflict maps serialization failures onto the conflict sentinel.
// Other errors pass through untouched.
func translateConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %v", sentinel.ErrConflict, err)
		}
	}
	return err
}

var _ Tx = (*PostgresTx)(nil)
