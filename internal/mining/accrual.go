package mining

import (
	"math"

	"onix_miner/internal/config"
	"onix_miner/internal/types"
)

// MinerAccrual is the outcome of one accrual step for an active miner.
type MinerAccrual struct {
	Elapsed    float64
	Reward     float64
	Burn       float64
	Net        float64
	Commission float64
}

// ElapsedSeconds returns the non-negative time between lastMs and nowMs in seconds.
func ElapsedSeconds(nowMs, lastMs int64) float64 {
	e := float64(nowMs-lastMs) / 1000
	if e < 0 {
		return 0
	}
	return e
}

// AccrueMiner applies one window of mining to u. It returns false and leaves u
// untouched when less than a second has passed.
//
// Reward covers the whole window even if energy ran out part way through.
func AccrueMiner(u *types.User, eco config.Economy, rate float64, nowMs int64) (MinerAccrual, bool) {
	elapsed := ElapsedSeconds(nowMs, u.LastUpdate)
	if elapsed < 1 {
		return MinerAccrual{}, false
	}

	newEnergy := math.Max(0, u.Energy-elapsed*eco.EnergyDrainPerS)
	reward := rate * u.HashrateMultiplier * float64(u.Level) * elapsed
	burn := reward * eco.BurnRate
	a := MinerAccrual{
		Elapsed: elapsed,
		Reward:  reward,
		Burn:    burn,
		Net:     reward - burn,
	}
	if u.ReferredBy != nil {
		a.Commission = reward * eco.ReferralRate
	}

	u.Balance += a.Net
	u.TotalMined += reward
	u.Energy = math.Min(newEnergy, eco.EnergyCap)
	u.IsMining = newEnergy > 0
	u.LastUpdate = nowMs
	return a, true
}

// RefillIdle regenerates energy for an idle user up to the cap. It returns false
// when the user is mining, already full, or less than a second has passed.
func RefillIdle(u *types.User, eco config.Economy, nowMs int64) bool {
	if u.IsMining || u.Energy >= eco.EnergyCap {
		return false
	}
	elapsed := ElapsedSeconds(nowMs, u.LastUpdate)
	if elapsed < 1 {
		return false
	}
	u.Energy = math.Min(eco.EnergyCap, math.Max(0, u.Energy)+elapsed*eco.EnergyRefillPerS)
	u.LastUpdate = nowMs
	return true
}

// NextMultiplier is the multiplier after one paid step, rounded to one decimal.
func NextMultiplier(current, step float64) float64 {
	return math.Round((current+step)*10) / 10
}

// MultiplierCost is the balance price of reaching next.
func MultiplierCost(next, factor float64) float64 {
	return math.Floor(next * factor)
}
