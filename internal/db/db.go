package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"onix_miner/internal/types"
)

// DB is the Postgres ledger store.
// EnergyCap bounds energy on every user write (0 disables the bound).
type DB struct {
	Pool      *pgxpool.Pool
	EnergyCap float64
}

func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

func (d *DB) Migrate(ctx context.Context) error {
	sql := `
CREATE TABLE IF NOT EXISTS users (
  user_id BIGSERIAL PRIMARY KEY,
  email TEXT NOT NULL,
  username TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  balance DOUBLE PRECISION NOT NULL DEFAULT 0,
  energy DOUBLE PRECISION NOT NULL DEFAULT 0,
  level INT NOT NULL DEFAULT 1,
  hashrate_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
  is_mining BOOLEAN NOT NULL DEFAULT FALSE,
  last_update BIGINT NOT NULL DEFAULT 0,
  total_mined DOUBLE PRECISION NOT NULL DEFAULT 0,
  referral_code TEXT NOT NULL,
  referred_by BIGINT REFERENCES users(user_id),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE users ADD COLUMN IF NOT EXISTS wallet_address TEXT NOT NULL DEFAULT '';
ALTER TABLE users ADD COLUMN IF NOT EXISTS is_admin BOOLEAN NOT NULL DEFAULT FALSE;

CREATE UNIQUE INDEX IF NOT EXISTS users_email_uq ON users (lower(email));
CREATE UNIQUE INDEX IF NOT EXISTS users_username_uq ON users (lower(username));
CREATE UNIQUE INDEX IF NOT EXISTS users_referral_code_uq ON users (referral_code);
CREATE INDEX IF NOT EXISTS users_is_mining_idx ON users (is_mining);

CREATE TABLE IF NOT EXISTS referrals (
  id BIGSERIAL PRIMARY KEY,
  referrer_id BIGINT NOT NULL REFERENCES users(user_id),
  referred_id BIGINT NOT NULL UNIQUE REFERENCES users(user_id),
  earnings DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS referrals_referrer_idx ON referrals (referrer_id);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS upgrade_requests (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(user_id),
  tx_ref TEXT NOT NULL,
  amount DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  approved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS upgrade_requests_status_idx ON upgrade_requests (status, created_at DESC);
`
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

func (d *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr converts driver errors into the shared error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", types.ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

const userColumns = `user_id, email, username, password_hash, balance, energy, level, hashrate_multiplier,
  is_mining, last_update, total_mined, referral_code, referred_by, wallet_address, is_admin, created_at`

func scanUser(row pgx.Row) (types.User, error) {
	var u types.User
	err := row.Scan(
		&u.UserID, &u.Email, &u.Username, &u.PasswordHash, &u.Balance, &u.Energy, &u.Level, &u.HashrateMultiplier,
		&u.IsMining, &u.LastUpdate, &u.TotalMined, &u.ReferralCode, &u.ReferredBy, &u.WalletAddress, &u.IsAdmin, &u.CreatedAt,
	)
	return u, err
}

func (d *DB) GetUser(ctx context.Context, userID int64) (types.User, error) {
	u, err := scanUser(d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID))
	return u, mapErr(err)
}

// GetUserByIdentity looks a user up by email or username, case-insensitively.
func (d *DB) GetUserByIdentity(ctx context.Context, identity string) (types.User, error) {
	key := types.NormalizeIdentity(identity)
	if key == "" {
		return types.User{}, types.ErrNotFound
	}
	u, err := scanUser(d.Pool.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE lower(email)=$1 OR lower(username)=$1
ORDER BY user_id
LIMIT 1
`, key))
	return u, mapErr(err)
}

func (d *DB) GetUserByReferralCode(ctx context.Context, code string) (types.User, error) {
	if code == "" {
		return types.User{}, types.ErrNotFound
	}
	u, err := scanUser(d.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code=$1`, code))
	return u, mapErr(err)
}

// CreateUser inserts u and, when referrerID is set, the referral edge in the same transaction.
func (d *DB) CreateUser(ctx context.Context, u types.User, referrerID *int64) (types.User, error) {
	if err := u.Validate(d.EnergyCap); err != nil {
		return types.User{}, err
	}
	u.ReferredBy = referrerID
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
INSERT INTO users(email, username, password_hash, balance, energy, level, hashrate_multiplier,
  is_mining, last_update, total_mined, referral_code, referred_by, wallet_address, is_admin)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING user_id, created_at
`, u.Email, u.Username, u.PasswordHash, u.Balance, u.Energy, u.Level, u.HashrateMultiplier,
			u.IsMining, u.LastUpdate, u.TotalMined, u.ReferralCode, u.ReferredBy, u.WalletAddress, u.IsAdmin,
		).Scan(&u.UserID, &u.CreatedAt); err != nil {
			return err
		}
		if referrerID == nil {
			return nil
		}
		_, err := tx.Exec(ctx, `INSERT INTO referrals(referrer_id, referred_id) VALUES($1, $2)`, *referrerID, u.UserID)
		return err
	})
	if err != nil {
		return types.User{}, mapErr(err)
	}
	return u, nil
}

// UpdateUser locks the row, applies fn to it and writes the mutable fields back.
// If fn returns an error nothing is written and that error is returned.
func (d *DB) UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error) {
	var out types.User
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		u, err := d.updateUserTx(ctx, tx, userID, fn)
		out = u
		return err
	})
	if err != nil {
		return types.User{}, err
	}
	return out, nil
}

// AccrueUser is UpdateUser for a mining window: fn returns the referral
// commission, which is credited to the referrer's balance and the edge in the
// same transaction. The miner row is locked before the referrer row.
func (d *DB) AccrueUser(ctx context.Context, userID int64, fn func(u *types.User) (float64, error)) (types.User, error) {
	var out types.User
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		var commission float64
		u, err := d.updateUserTx(ctx, tx, userID, func(u *types.User) error {
			var err error
			commission, err = fn(u)
			return err
		})
		if err != nil {
			return err
		}
		if u.ReferredBy != nil && commission > 0 {
			if err := creditReferralTx(ctx, tx, *u.ReferredBy, u.UserID, commission); err != nil {
				return err
			}
		}
		out = u
		return nil
	})
	if err != nil {
		return types.User{}, err
	}
	return out, nil
}

func (d *DB) updateUserTx(ctx context.Context, tx pgx.Tx, userID int64, fn func(u *types.User) error) (types.User, error) {
	u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1 FOR UPDATE`, userID))
	if err != nil {
		return types.User{}, mapErr(err)
	}
	if err := fn(&u); err != nil {
		return types.User{}, err
	}
	if err := u.Validate(d.EnergyCap); err != nil {
		return types.User{}, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE users
SET balance=$1, energy=$2, level=$3, hashrate_multiplier=$4, is_mining=$5,
    last_update=$6, total_mined=$7, wallet_address=$8, is_admin=$9
WHERE user_id=$10
`, u.Balance, u.Energy, u.Level, u.HashrateMultiplier, u.IsMining,
		u.LastUpdate, u.TotalMined, u.WalletAddress, u.IsAdmin, userID); err != nil {
		return types.User{}, err
	}
	return u, nil
}

func (d *DB) ListUsersByMiningFlag(ctx context.Context, mining bool) ([]types.User, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE is_mining=$1 ORDER BY user_id`, mining)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (d *DB) ListUsers(ctx context.Context, limit int64) ([]types.User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := d.Pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, user_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]types.User, error) {
	out := make([]types.User, 0, 64)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (d *DB) SumTotalMined(ctx context.Context) (float64, error) {
	var total float64
	err := d.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(total_mined), 0) FROM users`).Scan(&total)
	return total, err
}

// creditReferralTx adds amount to the referrer's balance and to the edge earnings.
func creditReferralTx(ctx context.Context, tx pgx.Tx, referrerID, referredID int64, amount float64) error {
	var bal float64
	if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE user_id=$1 FOR UPDATE`, referrerID).Scan(&bal); err != nil {
		return fmt.Errorf("referrer %d: %w", referrerID, mapErr(err))
	}
	tag, err := tx.Exec(ctx, `UPDATE referrals SET earnings=earnings+$1 WHERE referrer_id=$2 AND referred_id=$3`, amount, referrerID, referredID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral edge %d->%d: %w", referrerID, referredID, types.ErrNotFound)
	}
	_, err = tx.Exec(ctx, `UPDATE users SET balance=$1 WHERE user_id=$2`, bal+amount, referrerID)
	return err
}

func (d *DB) ListReferrals(ctx context.Context, referrerID int64) ([]types.ReferralEdge, error) {
	rows, err := d.Pool.Query(ctx, `
SELECT r.referrer_id, r.referred_id, u.username, r.earnings, r.created_at
FROM referrals r
JOIN users u ON u.user_id = r.referred_id
WHERE r.referrer_id=$1
ORDER BY r.created_at DESC
`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ReferralEdge, 0, 16)
	for rows.Next() {
		var e types.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &e.Username, &e.Earnings, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nowUTC() time.Time { return time.Now().UTC() }
