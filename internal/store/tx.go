package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransientConflict marks an error as retryable by the transactional
// executor. Collaborators can wrap it to request a retry of the attempt.
var ErrTransientConflict = errors.New("transient conflict")

type txKey struct{}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// RunInTransaction executes work inside a database transaction, retrying the
// whole attempt on transient conflicts (serialization failures, deadlocks).
// Every retry re-invokes work from scratch; all mutations of a failed attempt
// are rolled back first. With requiresNew=false an already-bound transaction
// is joined instead of opening a nested one.
func (s *Store) RunInTransaction(ctx context.Context, readOnly, requiresNew bool, work func(ctx context.Context) error) error {
	if !requiresNew && txFrom(ctx) != nil {
		return work(ctx)
	}

	opts := pgx.TxOptions{}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}

	maxAttempts := s.maxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx, err := s.pool.BeginTx(ctx, opts)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		err = work(context.WithValue(ctx, txKey{}, tx))
		if err != nil {
			_ = tx.Rollback(ctx)
			if !retryable(err) {
				return err
			}
			lastErr = err
		} else {
			err = tx.Commit(ctx)
			if err == nil {
				return nil
			}
			if !retryable(err) {
				return fmt.Errorf("commit: %w", err)
			}
			lastErr = err
		}

		if attempt < maxAttempts {
			time.Sleep(backoffWithJitter(s.backoffInitial, s.backoffMax, attempt))
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

// retryable classifies transient conflicts per Postgres SQLSTATE.
func retryable(err error) bool {
	if errors.Is(err, ErrTransientConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
