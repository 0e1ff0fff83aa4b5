package types

import (
	"strings"
	"time"
)

// User is a ledger row for one account.
// LastUpdate is wall-clock milliseconds of the last accrual (or mining start).
type User struct {
	UserID             int64     `json:"id" db:"user_id"`
	Email              string    `json:"email" db:"email"`
	Username           string    `json:"username" db:"username"`
	PasswordHash       string    `json:"-" db:"password_hash"`
	Balance            float64   `json:"balance" db:"balance"`
	Energy             float64   `json:"energy" db:"energy"`
	Level              int       `json:"level" db:"level"`
	HashrateMultiplier float64   `json:"hashrate_multiplier" db:"hashrate_multiplier"`
	IsMining           bool      `json:"is_mining" db:"is_mining"`
	LastUpdate         int64     `json:"last_update" db:"last_update"`
	TotalMined         float64   `json:"total_mined" db:"total_mined"`
	ReferralCode       string    `json:"referral_code" db:"referral_code"`
	ReferredBy         *int64    `json:"referred_by,omitempty" db:"referred_by"`
	WalletAddress      string    `json:"wallet_address" db:"wallet_address"`
	IsAdmin            bool      `json:"is_admin" db:"is_admin"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the fixed invariants a row must satisfy before it is written.
// A non-positive energyCap disables the upper energy bound.
func (u User) Validate(energyCap float64) error {
	switch {
	case u.Balance < 0:
		return Validationf("balance must be >= 0")
	case u.Energy < 0 || (energyCap > 0 && u.Energy > energyCap):
		return Validationf("energy %.4f outside [0, %.0f]", u.Energy, energyCap)
	case u.Level < 1:
		return Validationf("level must be >= 1")
	case u.HashrateMultiplier <= 0:
		return Validationf("hashrate multiplier must be > 0")
	case u.IsMining && u.Energy <= 0:
		return Validationf("mining with no energy")
	}
	return nil
}

// ReferralEdge links a referrer to a user they invited.
type ReferralEdge struct {
	ReferrerID int64     `json:"referrer_id" db:"referrer_id"`
	ReferredID int64     `json:"referred_id" db:"referred_id"`
	Username   string    `json:"username,omitempty" db:"username"`
	Earnings   float64   `json:"earnings" db:"earnings"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type UpgradeStatus string

const (
	UpgradePending  UpgradeStatus = "pending"
	UpgradeApproved UpgradeStatus = "approved"
)

// UpgradeRequest is a paid (off-ledger) multiplier upgrade awaiting admin review.
type UpgradeRequest struct {
	ID         int64         `json:"id" db:"id"`
	UserID     int64         `json:"user_id" db:"user_id"`
	Username   string        `json:"username,omitempty" db:"username"`
	TxRef      string        `json:"tx_id" db:"tx_ref"`
	Amount     float64       `json:"amount" db:"amount"`
	Status     UpgradeStatus `json:"status" db:"status"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	ApprovedAt *time.Time    `json:"approved_at,omitempty" db:"approved_at"`
}

// Global setting keys.
const (
	SettingBaseMiningRate   = "base_mining_rate"
	SettingDailyEmissionCap = "daily_emission_cap"
	SettingCurrentBlock     = "current_block"
	SettingTotalBurned      = "total_burned"
)

// Identity is the caller resolved by the session gateway.
type Identity struct {
	UserID int64
	Email  string
}

// NormalizeIdentity lowercases and trims an email or username for lookups.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
