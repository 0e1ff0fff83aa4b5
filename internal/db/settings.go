package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	return value, mapErr(err)
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO settings(key, value, updated_at)
VALUES($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
`, key, value)
	return err
}

// EnsureSettings seeds missing keys. Existing values are never overwritten.
func (d *DB) EnsureSettings(ctx context.Context, defaults map[string]string) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		for k, v := range defaults {
			if strings.TrimSpace(k) == "" {
				continue
			}
			if _, err := tx.Exec(ctx, `INSERT INTO settings(key, value) VALUES($1, $2) ON CONFLICT (key) DO NOTHING`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := d.Pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
