package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"onix_miner/internal/types"
)

func (d *DB) CreateUpgradeRequest(ctx context.Context, userID int64, txRef string, amount float64) (types.UpgradeRequest, error) {
	r := types.UpgradeRequest{UserID: userID, TxRef: txRef, Amount: amount, Status: types.UpgradePending}
	err := d.Pool.QueryRow(ctx, `
INSERT INTO upgrade_requests(user_id, tx_ref, amount, status)
VALUES($1, $2, $3, 'pending')
RETURNING id, created_at
`, userID, txRef, amount).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return types.UpgradeRequest{}, mapErr(err)
	}
	return r, nil
}

// ListUpgradeRequests returns requests newest first. An empty status lists all.
func (d *DB) ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error) {
	rows, err := d.Pool.Query(ctx, `
SELECT r.id, r.user_id, u.username, r.tx_ref, r.amount, r.status, r.created_at, r.approved_at
FROM upgrade_requests r
JOIN users u ON u.user_id = r.user_id
WHERE ($1 = '' OR r.status = $1)
ORDER BY r.created_at DESC, r.id DESC
`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.UpgradeRequest, 0, 32)
	for rows.Next() {
		var r types.UpgradeRequest
		var st string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.TxRef, &r.Amount, &st, &r.CreatedAt, &r.ApprovedAt); err != nil {
			return nil, err
		}
		r.Status = types.UpgradeStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApproveUpgradeRequest flips a pending request to approved and adds boost to the
// owner's multiplier. It reports applied=false when the request was already approved.
func (d *DB) ApproveUpgradeRequest(ctx context.Context, requestID int64, boost float64) (bool, error) {
	applied := false
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		var userID int64
		err := tx.QueryRow(ctx, `
UPDATE upgrade_requests
SET status='approved', approved_at=$1
WHERE id=$2 AND status='pending'
RETURNING user_id
`, nowUTC(), requestID).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM upgrade_requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return types.ErrNotFound
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET hashrate_multiplier=hashrate_multiplier+$1 WHERE user_id=$2`, boost, userID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
