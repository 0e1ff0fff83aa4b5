package mining

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"onix_miner/internal/config"
	"onix_miner/internal/types"
)

// errSkip aborts an UpdateUser closure without writing; it is not a failure.
var errSkip = errors.New("skip")

// Engine is the tick-driven accrual loop. Only one tick runs at a time.
type Engine struct {
	store    Ledger
	notifier Notifier
	eco      config.Economy

	recorder  Recorder
	snapshots StatsSnapshotter

	inFlight    atomic.Bool
	lastStats   atomic.Value // types.StatsMessage
	lastBlockAt time.Time    // touched only inside a tick
}

func NewEngine(store Ledger, notifier Notifier, eco config.Economy) *Engine {
	e := &Engine{store: store, notifier: notifier, eco: eco}
	e.lastStats.Store(types.StatsMessage{Type: types.MessageGlobalStats, CurrentBlock: 1})
	return e
}

// WithRecorder attaches a metrics recorder.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// WithSnapshots attaches a stats snapshot store.
func (e *Engine) WithSnapshots(s StatsSnapshotter) *Engine {
	e.snapshots = s
	return e
}

// SettingDefaults are seeded on first boot.
func (e *Engine) SettingDefaults() map[string]string {
	return map[string]string{
		types.SettingBaseMiningRate:   formatFloat(e.eco.BaseMiningRate),
		types.SettingDailyEmissionCap: formatFloat(e.eco.DailyEmissionCap),
		types.SettingCurrentBlock:     "1",
		types.SettingTotalBurned:      "0",
	}
}

// Seed writes missing global settings without touching existing ones and loads
// the persisted block height and burn total into LastStats.
func (e *Engine) Seed(ctx context.Context) error {
	if err := e.store.EnsureSettings(ctx, e.SettingDefaults()); err != nil {
		return err
	}
	st := e.LastStats()
	if block, err := e.intSetting(ctx, types.SettingCurrentBlock, 1); err == nil {
		st.CurrentBlock = block
	}
	if burned, err := e.floatSetting(ctx, types.SettingTotalBurned, 0); err == nil {
		st.TotalBurned = burned
	}
	e.lastStats.Store(st)
	return nil
}

// LastStats returns the stats produced by the most recent tick.
func (e *Engine) LastStats() types.StatsMessage {
	return e.lastStats.Load().(types.StatsMessage)
}

// Run seeds settings and ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Seed(ctx); err != nil {
		log.Printf("engine: seed settings: %v", err)
	}
	log.Printf("engine: started (economy %s, tick %s)", e.eco.Version, e.eco.TickInterval)

	t := time.NewTicker(e.eco.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: stopped")
			return
		case now := <-t.C:
			e.Tick(ctx, now)
		}
	}
}

// Tick runs one accrual pass at now. It returns false without doing any work
// when another tick is still in flight.
func (e *Engine) Tick(ctx context.Context, now time.Time) bool {
	if !e.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer e.inFlight.Store(false)

	started := time.Now()
	nowMs := now.UnixMilli()
	rep := TickReport{}

	prev := e.LastStats()
	rate, err := e.floatSetting(ctx, types.SettingBaseMiningRate, e.eco.BaseMiningRate)
	if err != nil {
		log.Printf("engine: %v", err)
	}
	// On a read failure the counters are carried from the previous tick and not written back.
	totalBurned, burnedErr := e.floatSetting(ctx, types.SettingTotalBurned, 0)
	if burnedErr != nil {
		log.Printf("engine: %v", burnedErr)
		rep.Failures++
		totalBurned = prev.TotalBurned
	}
	block, blockErr := e.intSetting(ctx, types.SettingCurrentBlock, 1)
	if blockErr != nil {
		log.Printf("engine: %v", blockErr)
		rep.Failures++
		block = prev.CurrentBlock
	}

	miners, err := e.store.ListUsersByMiningFlag(ctx, true)
	if err != nil {
		log.Printf("engine: list miners: %v", err)
		rep.Failures++
	}
	for _, m := range miners {
		e.processMiner(ctx, m.UserID, rate, nowMs, &rep)
	}

	idle, err := e.store.ListUsersByMiningFlag(ctx, false)
	if err != nil {
		log.Printf("engine: list idle users: %v", err)
		rep.Failures++
	}
	for _, u := range idle {
		if u.Energy >= e.eco.EnergyCap {
			continue
		}
		e.processIdle(ctx, u.UserID, nowMs, &rep)
	}

	totalBurned += rep.Burned
	if rep.Burned > 0 && burnedErr == nil {
		if err := e.store.SetSetting(ctx, types.SettingTotalBurned, formatFloat(totalBurned)); err != nil {
			log.Printf("engine: save total_burned: %v", err)
			rep.Failures++
		}
	}

	if e.lastBlockAt.IsZero() {
		e.lastBlockAt = now
	} else if now.Sub(e.lastBlockAt) >= e.eco.BlockInterval {
		block++
		e.lastBlockAt = now
		if blockErr == nil {
			if err := e.store.SetSetting(ctx, types.SettingCurrentBlock, strconv.FormatInt(block, 10)); err != nil {
				log.Printf("engine: save current_block: %v", err)
				rep.Failures++
			}
		}
	}

	totalMined, err := e.store.SumTotalMined(ctx)
	if err != nil {
		log.Printf("engine: sum total_mined: %v", err)
		rep.Failures++
		totalMined = prev.TotalMined
	}

	stats := types.StatsMessage{
		Type:         types.MessageGlobalStats,
		Online:       rep.Miners,
		TotalMined:   totalMined,
		CurrentBlock: block,
		TotalBurned:  totalBurned,
	}
	e.lastStats.Store(stats)
	if e.notifier != nil {
		e.notifier.BroadcastAll(stats)
	}
	if e.snapshots != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := e.snapshots.SaveStats(sctx, stats); err != nil {
			log.Printf("engine: save stats snapshot: %v", err)
		}
		cancel()
	}

	rep.Duration = time.Since(started)
	rep.Stats = stats
	if e.recorder != nil {
		e.recorder.ObserveTick(rep)
	}
	return true
}

// processMiner accrues one miner. The referral commission commits together with
// the accrual, so a failure leaves both rows untouched for the next tick.
func (e *Engine) processMiner(ctx context.Context, userID int64, rate float64, nowMs int64, rep *TickReport) {
	var acc MinerAccrual
	mining := false
	u, err := e.store.AccrueUser(ctx, userID, func(u *types.User) (float64, error) {
		// The row may have changed between the scan and the lock.
		if !u.IsMining {
			return 0, errSkip
		}
		mining = true
		var ok bool
		acc, ok = AccrueMiner(u, e.eco, rate, nowMs)
		if !ok {
			return 0, errSkip
		}
		return acc.Commission, nil
	})
	if mining {
		rep.Miners++
	}
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		log.Printf("engine: accrue user %d: %v", userID, err)
		rep.Failures++
		return
	}

	rep.Reward += acc.Reward
	rep.Burned += acc.Burn
	if u.ReferredBy != nil {
		rep.Referral += acc.Commission
	}

	if e.notifier != nil {
		balance, energy, isMining := u.Balance, u.Energy, u.IsMining
		e.notifier.SendToUser(u.UserID, types.NewDeltaMessage(&balance, &energy, &isMining))
	}
}

func (e *Engine) processIdle(ctx context.Context, userID int64, nowMs int64, rep *TickReport) {
	u, err := e.store.UpdateUser(ctx, userID, func(u *types.User) error {
		if !RefillIdle(u, e.eco, nowMs) {
			return errSkip
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		log.Printf("engine: refill user %d: %v", userID, err)
		rep.Failures++
		return
	}
	rep.Refilled++
	if e.notifier != nil {
		energy := u.Energy
		e.notifier.SendToUser(u.UserID, types.NewDeltaMessage(nil, &energy, nil))
	}
}

// floatSetting returns def when key is absent.
func (e *Engine) floatSetting(ctx context.Context, key string, def float64) (float64, error) {
	raw, err := e.store.GetSetting(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s %q: %w", key, raw, err)
	}
	return v, nil
}

func (e *Engine) intSetting(ctx context.Context, key string, def int64) (int64, error) {
	raw, err := e.store.GetSetting(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s %q: %w", key, raw, err)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
