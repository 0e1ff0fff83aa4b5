package mining

import (
	"context"
	"time"

	"onix_miner/internal/types"
)

// Ledger is the storage the accrual engine needs.
type Ledger interface {
	GetUser(ctx context.Context, userID int64) (types.User, error)
	UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error)
	ListUsersByMiningFlag(ctx context.Context, mining bool) ([]types.User, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	EnsureSettings(ctx context.Context, defaults map[string]string) error
	// AccrueUser applies fn under the row lock and credits the commission fn
	// returns to the user's referrer in the same atomic write.
	AccrueUser(ctx context.Context, userID int64, fn func(u *types.User) (float64, error)) (types.User, error)
	SumTotalMined(ctx context.Context) (float64, error)
}

// ControlLedger is the storage used by the mining control and upgrade entrypoints.
type ControlLedger interface {
	GetUser(ctx context.Context, userID int64) (types.User, error)
	UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error)
	CreateUpgradeRequest(ctx context.Context, userID int64, txRef string, amount float64) (types.UpgradeRequest, error)
	ApproveUpgradeRequest(ctx context.Context, requestID int64, boost float64) (bool, error)
}

// Notifier receives the engine's pushes. Implementations must not block.
type Notifier interface {
	SendToUser(userID int64, msg types.DeltaMessage)
	BroadcastAll(msg types.StatsMessage)
}

// TickReport summarizes one tick for metrics.
type TickReport struct {
	Duration time.Duration
	Miners   int
	Refilled int
	Failures int
	Reward   float64
	Burned   float64
	Referral float64
	Stats    types.StatsMessage
}

// Recorder exports tick results. Optional.
type Recorder interface {
	ObserveTick(r TickReport)
}

// StatsSnapshotter persists the latest stats for replicas that do not run the engine. Optional.
type StatsSnapshotter interface {
	SaveStats(ctx context.Context, stats types.StatsMessage) error
}
