package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const leaseSchema = `
CREATE TABLE IF NOT EXISTS editlock_leases (
	account_id        text        NOT NULL,
	item_id           text        NOT NULL,
	user_id           text        NOT NULL,
	user_login        text        NOT NULL DEFAULT '',
	user_display_name text        NOT NULL DEFAULT '',
	window_id         text        NOT NULL,
	visible           boolean     NOT NULL DEFAULT false,
	locked_at         timestamptz NOT NULL,
	expires_at        timestamptz NOT NULL,
	PRIMARY KEY (account_id, item_id)
);
CREATE INDEX IF NOT EXISTS editlock_leases_expires_at ON editlock_leases (expires_at);
`

const leaseColumns = `account_id, item_id, user_id, user_login, user_display_name, window_id, visible, locked_at, expires_at`

// The conflict branch only fires for a renewal or an expired holder; a live
// lease from another window leaves the row untouched and returns nothing.
const acquireSQL = `
INSERT INTO editlock_leases AS l (` + leaseColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (account_id, item_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	user_login = EXCLUDED.user_login,
	user_display_name = EXCLUDED.user_display_name,
	visible = EXCLUDED.visible,
	locked_at = CASE
		WHEN l.window_id = EXCLUDED.window_id AND l.expires_at > EXCLUDED.locked_at THEN l.locked_at
		ELSE EXCLUDED.locked_at
	END,
	window_id = EXCLUDED.window_id,
	expires_at = EXCLUDED.expires_at
WHERE l.window_id = EXCLUDED.window_id OR l.expires_at <= EXCLUDED.locked_at
RETURNING ` + leaseColumns

const upsertSQL = `
INSERT INTO editlock_leases (` + leaseColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (account_id, item_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	user_login = EXCLUDED.user_login,
	user_display_name = EXCLUDED.user_display_name,
	window_id = EXCLUDED.window_id,
	visible = EXCLUDED.visible,
	locked_at = EXCLUDED.locked_at,
	expires_at = EXCLUDED.expires_at`

// PostgresLeaseStore keeps leases in a Postgres table so several relay
// nodes share one lock table.
type PostgresLeaseStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresLeaseStore connects to dsn and creates the lease table when
// missing.
func OpenPostgresLeaseStore(ctx context.Context, dsn string) (*PostgresLeaseStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, leaseSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &PostgresLeaseStore{pool: pool}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (Lease, error) {
	var l Lease
	err := row.Scan(&l.AccountID, &l.ItemID, &l.User.ID, &l.User.Login, &l.User.DisplayName,
		&l.WindowID, &l.LockVisibleByInitiator, &l.LockedAt, &l.ExpiresAt)
	l.LockedAt = l.LockedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l, err
}

func leaseArgs(l Lease) []any {
	return []any{l.AccountID, l.ItemID, l.User.ID, l.User.Login, l.User.DisplayName,
		l.WindowID, l.LockVisibleByInitiator, l.LockedAt, l.ExpiresAt}
}

func collectLeases(rows pgx.Rows) ([]Lease, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lease, error) {
		return scanLease(row)
	})
}

func (p *PostgresLeaseStore) Acquire(ctx context.Context, req Lease) (Lease, bool, error) {
	var (
		out     Lease
		granted bool
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		lease, err := scanLease(tx.QueryRow(ctx, acquireSQL, leaseArgs(req)...))
		if err == nil {
			out, granted = lease, true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		out, err = scanLease(tx.QueryRow(ctx,
			`SELECT `+leaseColumns+` FROM editlock_leases WHERE account_id = $1 AND item_id = $2`,
			req.AccountID, req.ItemID))
		return err
	})
	if err != nil {
		return Lease{}, false, fmt.Errorf("postgres: acquire %s/%s: %w", req.AccountID, req.ItemID, err)
	}
	return out, granted, nil
}

func (p *PostgresLeaseStore) Override(ctx context.Context, req Lease) (Lease, bool, error) {
	var (
		prev    Lease
		hadPrev bool
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		lease, err := scanLease(tx.QueryRow(ctx,
			`SELECT `+leaseColumns+` FROM editlock_leases WHERE account_id = $1 AND item_id = $2 FOR UPDATE`,
			req.AccountID, req.ItemID))
		switch {
		case err == nil:
			prev, hadPrev = lease, !lease.Expired(req.LockedAt)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		_, err = tx.Exec(ctx, upsertSQL, leaseArgs(req)...)
		return err
	})
	if err != nil {
		return Lease{}, false, fmt.Errorf("postgres: override %s/%s: %w", req.AccountID, req.ItemID, err)
	}
	if !hadPrev {
		return Lease{}, false, nil
	}
	return prev, true, nil
}

func (p *PostgresLeaseStore) Release(ctx context.Context, accountID, itemID, windowID string) (Lease, bool, error) {
	lease, err := scanLease(p.pool.QueryRow(ctx,
		`DELETE FROM editlock_leases WHERE account_id = $1 AND item_id = $2 AND window_id = $3 RETURNING `+leaseColumns,
		accountID, itemID, windowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("postgres: release %s/%s: %w", accountID, itemID, err)
	}
	return lease, true, nil
}

func (p *PostgresLeaseStore) List(ctx context.Context, accountID string, now time.Time) ([]Lease, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+leaseColumns+` FROM editlock_leases WHERE account_id = $1 AND expires_at > $2 ORDER BY item_id`,
		accountID, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", accountID, err)
	}
	leases, err := collectLeases(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", accountID, err)
	}
	return leases, nil
}

func (p *PostgresLeaseStore) Expire(ctx context.Context, now time.Time) ([]Lease, error) {
	rows, err := p.pool.Query(ctx,
		`DELETE FROM editlock_leases WHERE expires_at <= $1 RETURNING `+leaseColumns, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire: %w", err)
	}
	leases, err := collectLeases(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire: %w", err)
	}
	return leases, nil
}

func (p *PostgresLeaseStore) Close() error {
	p.pool.Close()
	return nil
}
