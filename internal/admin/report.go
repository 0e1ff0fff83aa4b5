package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"onix_miner/internal/types"
)

// Reader serves the admin listings.
type Reader interface {
	ListUsers(ctx context.Context, limit int64) ([]types.User, error)
	ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error)
	Summary(ctx context.Context) (Summary, error)
}

// Summary is the admin dashboard header.
type Summary struct {
	Users           int64   `json:"users" db:"users"`
	Miners          int64   `json:"miners" db:"miners"`
	TotalBalance    float64 `json:"total_balance" db:"total_balance"`
	TotalMined      float64 `json:"total_mined" db:"total_mined"`
	PendingUpgrades int64   `json:"pending_upgrades" db:"pending_upgrades"`
}

// Report reads admin listings over its own lib/pq pool.
type Report struct {
	db *sqlx.DB
}

func Open(ctx context.Context, databaseURL string) (*Report, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect reporting db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Report{db: db}, nil
}

func NewReport(db *sqlx.DB) *Report {
	return &Report{db: db}
}

func (r *Report) Close() error {
	return r.db.Close()
}

// ListUsers returns the newest users first. limit is clamped to (0, 1000].
func (r *Report) ListUsers(ctx context.Context, limit int64) ([]types.User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	users := []types.User{}
	err := r.db.SelectContext(ctx, &users, `
SELECT user_id, email, username, password_hash, balance, energy, level, hashrate_multiplier,
       is_mining, last_update, total_mined, referral_code, referred_by, wallet_address, is_admin, created_at
FROM users
ORDER BY created_at DESC, user_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (r *Report) ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error) {
	reqs := []types.UpgradeRequest{}
	err := r.db.SelectContext(ctx, &reqs, `
SELECT r.id, r.user_id, u.username, r.tx_ref, r.amount, r.status, r.created_at, r.approved_at
FROM upgrade_requests r
JOIN users u ON u.user_id = r.user_id
WHERE ($1 = '' OR r.status = $1)
ORDER BY r.created_at DESC, r.id DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list upgrade requests: %w", err)
	}
	return reqs, nil
}

func (r *Report) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.db.GetContext(ctx, &s, `
SELECT
  COUNT(*) AS users,
  COUNT(*) FILTER (WHERE is_mining) AS miners,
  COALESCE(SUM(balance), 0) AS total_balance,
  COALESCE(SUM(total_mined), 0) AS total_mined,
  (SELECT COUNT(*) FROM upgrade_requests WHERE status = 'pending') AS pending_upgrades
FROM users`)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load summary: %w", err)
	}
	return s, nil
}

// StoreLister is the ledger subset StoreReader reads from.
type StoreLister interface {
	ListUsers(ctx context.Context, limit int64) ([]types.User, error)
	ListUsersByMiningFlag(ctx context.Context, mining bool) ([]types.User, error)
	ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error)
	SumTotalMined(ctx context.Context) (float64, error)
}

// StoreReader serves admin listings straight from the ledger store. Used
// when no reporting database is configured (in-memory mode).
type StoreReader struct {
	Store StoreLister
}

func (s StoreReader) ListUsers(ctx context.Context, limit int64) ([]types.User, error) {
	return s.Store.ListUsers(ctx, limit)
}

func (s StoreReader) ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error) {
	return s.Store.ListUpgradeRequests(ctx, status)
}

func (s StoreReader) Summary(ctx context.Context) (Summary, error) {
	miners, err := s.Store.ListUsersByMiningFlag(ctx, true)
	if err != nil {
		return Summary{}, err
	}
	idle, err := s.Store.ListUsersByMiningFlag(ctx, false)
	if err != nil {
		return Summary{}, err
	}
	pending, err := s.Store.ListUpgradeRequests(ctx, types.UpgradePending)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{
		Users:           int64(len(miners) + len(idle)),
		Miners:          int64(len(miners)),
		PendingUpgrades: int64(len(pending)),
	}
	for _, u := range miners {
		out.TotalBalance += u.Balance
	}
	for _, u := range idle {
		out.TotalBalance += u.Balance
	}
	if out.TotalMined, err = s.Store.SumTotalMined(ctx); err != nil {
		return Summary{}, err
	}
	return out, nil
}
