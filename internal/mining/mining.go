package mining

import (
	"context"
	"fmt"
	"strings"
	"time"

	"onix_miner/internal/config"
	"onix_miner/internal/types"
)

// MiningManager owns the user-initiated mutations: start/stop and upgrades.
type MiningManager struct {
	store ControlLedger
	eco   config.Economy
	now   func() time.Time
}

func NewMiningManager(store ControlLedger, eco config.Economy) *MiningManager {
	return &MiningManager{store: store, eco: eco, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (mm *MiningManager) WithClock(now func() time.Time) *MiningManager {
	mm.now = now
	return mm
}

// PurchaseResult is returned by PurchaseMultiplier.
type PurchaseResult struct {
	Cost       float64 `json:"cost"`
	Balance    float64 `json:"balance"`
	Multiplier float64 `json:"hashrate_multiplier"`
}

// UpgradeQuote is the price of the next balance-funded multiplier step.
type UpgradeQuote struct {
	Current float64 `json:"current"`
	Next    float64 `json:"next"`
	Cost    float64 `json:"cost"`
}

// Start turns mining on and restarts the accrual window at now.
// A user that is already mining is returned unchanged.
func (mm *MiningManager) Start(ctx context.Context, userID int64) (types.User, error) {
	u, err := mm.store.UpdateUser(ctx, userID, func(u *types.User) error {
		if u.Energy <= 0 {
			return types.Validationf("no energy left, wait for it to refill")
		}
		if u.IsMining {
			return nil
		}
		u.IsMining = true
		u.LastUpdate = mm.now().UnixMilli()
		return nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("start mining: %w", err)
	}
	return u, nil
}

// Stop turns mining off. LastUpdate is kept so the next tick refills from the last accrual.
func (mm *MiningManager) Stop(ctx context.Context, userID int64) (types.User, error) {
	u, err := mm.store.UpdateUser(ctx, userID, func(u *types.User) error {
		u.IsMining = false
		return nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("stop mining: %w", err)
	}
	return u, nil
}

// Quote prices the next multiplier step for u.
func (mm *MiningManager) Quote(u types.User) UpgradeQuote {
	next := NextMultiplier(u.HashrateMultiplier, mm.eco.MultiplierStep)
	return UpgradeQuote{
		Current: u.HashrateMultiplier,
		Next:    next,
		Cost:    MultiplierCost(next, mm.eco.MultiplierCostFactor),
	}
}

// PurchaseMultiplier debits the step cost and raises the multiplier in one write.
func (mm *MiningManager) PurchaseMultiplier(ctx context.Context, userID int64) (PurchaseResult, error) {
	var res PurchaseResult
	u, err := mm.store.UpdateUser(ctx, userID, func(u *types.User) error {
		q := mm.Quote(*u)
		if u.Balance < q.Cost {
			return fmt.Errorf("%w: need %.0f ONIX, have %.4f", types.ErrInsufficientBalance, q.Cost, u.Balance)
		}
		u.Balance -= q.Cost
		u.HashrateMultiplier = q.Next
		res.Cost = q.Cost
		return nil
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("purchase multiplier: %w", err)
	}
	res.Balance = u.Balance
	res.Multiplier = u.HashrateMultiplier
	return res, nil
}

// RequestUpgrade records a pending paid upgrade. It has no balance effect.
func (mm *MiningManager) RequestUpgrade(ctx context.Context, userID int64, txRef string, amount float64) (types.UpgradeRequest, error) {
	txRef = strings.TrimSpace(txRef)
	switch {
	case txRef == "":
		return types.UpgradeRequest{}, types.Validationf("transaction id is required")
	case len(txRef) > 128:
		return types.UpgradeRequest{}, types.Validationf("transaction id is too long")
	case amount <= 0:
		return types.UpgradeRequest{}, types.Validationf("amount must be positive")
	}
	if _, err := mm.store.GetUser(ctx, userID); err != nil {
		return types.UpgradeRequest{}, fmt.Errorf("request upgrade: %w", err)
	}
	r, err := mm.store.CreateUpgradeRequest(ctx, userID, txRef, amount)
	if err != nil {
		return types.UpgradeRequest{}, fmt.Errorf("request upgrade: %w", err)
	}
	return r, nil
}

// ApproveUpgrade applies boost once per request. A non-positive boost uses the
// configured default. applied is false when the request was already approved.
func (mm *MiningManager) ApproveUpgrade(ctx context.Context, requestID int64, boost float64) (bool, error) {
	if requestID <= 0 {
		return false, types.Validationf("bad upgrade id")
	}
	if boost <= 0 {
		boost = mm.eco.USDTMultiplierBoost
	}
	applied, err := mm.store.ApproveUpgradeRequest(ctx, requestID, boost)
	if err != nil {
		return false, fmt.Errorf("approve upgrade %d: %w", requestID, err)
	}
	return applied, nil
}
