package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/security"
)

// Store wraps pgxpool for the Postgres-backed collaborators: the person
// directory, the authorization service, and the audit-log query.
type Store struct {
	pool *pgxpool.Pool

	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query below
// runs against the transaction bound to the context when there is one.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:           pool,
		maxRetries:     cfg.TxMaxRetries,
		backoffInitial: cfg.TxBackoffInitial,
		backoffMax:     cfg.TxBackoffMax,
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) db(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// ListUsernames returns every known person, ordered by username.
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT username FROM persons ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		usernames = append(usernames, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return usernames, nil
}

// LastActivityByUser reduces the audit log of one application to the latest
// activity instant per user. userPath selects the username inside the entry
// payload; datePath optionally selects an embedded activity timestamp,
// falling back to the entry's recorded_at.
func (s *Store) LastActivityByUser(ctx context.Context, application, userPath, datePath string) (map[string]time.Time, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if datePath != "" {
		rows, err = s.db(ctx).Query(ctx, `
			SELECT payload #>> $2 AS username,
			       MAX(COALESCE((payload #>> $3)::timestamptz, recorded_at)) AS last_active
			FROM audit_entries
			WHERE application = $1 AND payload #>> $2 IS NOT NULL
			GROUP BY 1
		`, application, pathSegments(userPath), pathSegments(datePath))
	} else {
		rows, err = s.db(ctx).Query(ctx, `
			SELECT payload #>> $2 AS username, MAX(recorded_at) AS last_active
			FROM audit_entries
			WHERE application = $1 AND payload #>> $2 IS NOT NULL
			GROUP BY 1
		`, application, pathSegments(userPath))
	}
	if err != nil {
		return nil, fmt.Errorf("query audit activity: %w", err)
	}
	defer rows.Close()

	activity := make(map[string]time.Time)
	for rows.Next() {
		var username string
		var lastActive time.Time
		if err := rows.Scan(&username, &lastActive); err != nil {
			return nil, fmt.Errorf("scan audit activity: %w", err)
		}
		activity[username] = lastActive.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit activity: %w", err)
	}
	return activity, nil
}

// pathSegments converts a selector like "/login/userName" into the text array
// Postgres expects for the #>> operator.
func pathSegments(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// IsAuthorized reports whether the user currently holds an authorized seat.
func (s *Store) IsAuthorized(ctx context.Context, username string) (bool, error) {
	var ok bool
	err := s.db(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM authorizations WHERE username = $1 AND state = 'authorized')
	`, username).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check authorized %q: %w", username, err)
	}
	return ok, nil
}

// IsDeauthorized reports whether the user has been explicitly deauthorized.
func (s *Store) IsDeauthorized(ctx context.Context, username string) (bool, error) {
	var ok bool
	err := s.db(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM authorizations WHERE username = $1 AND state = 'deauthorized')
	`, username).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check deauthorized %q: %w", username, err)
	}
	return ok, nil
}

// Deauthorize revokes the user's authorized seat. The acting identity from the
// context is recorded on the row. Fails if the user is not currently
// authorized, which aborts the enclosing transaction attempt.
func (s *Store) Deauthorize(ctx context.Context, username string) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE authorizations
		SET state = 'deauthorized', deauthorized_at = NOW(), deauthorized_by = $2, updated_at = NOW()
		WHERE username = $1 AND state = 'authorized'
	`, username, security.RunAs(ctx))
	if err != nil {
		return fmt.Errorf("deauthorize %q: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deauthorize %q: user is not authorized", username)
	}
	return nil
}

// CountAuthorizedUsers returns the number of users holding an authorized seat.
func (s *Store) CountAuthorizedUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM authorizations WHERE state = 'authorized'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count authorized users: %w", err)
	}
	return n, nil
}

// IsAdminAccount reports whether the account is administrator-class.
func (s *Store) IsAdminAccount(ctx context.Context, username string) (bool, error) {
	return s.personFlag(ctx, username, "is_admin")
}

// IsGuestAccount reports whether the account is guest-class.
func (s *Store) IsGuestAccount(ctx context.Context, username string) (bool, error) {
	return s.personFlag(ctx, username, "is_guest")
}

func (s *Store) personFlag(ctx context.Context, username, column string) (bool, error) {
	// column is one of two fixed identifiers, never user input.
	var flag bool
	err := s.db(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM persons WHERE username = $1`, column), username,
	).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s for %q: %w", column, username, err)
	}
	return flag, nil
}
