package scan

import "time"

// DefaultResultDelay lets feedback play before a single-shot result is
// delivered.
const DefaultResultDelay = 100 * time.Millisecond

// Plan is what to do with a found symbol.
type Plan struct {
	// Delay before delivery.
	Delay time.Duration
	// Restart requests a new frame after delivery.
	Restart bool
	// Stop ends the session after delivery.
	Stop bool
}

// ResultPolicy decides how a found symbol is surfaced.
type ResultPolicy struct {
	Config SessionConfig
	Delay  time.Duration
}

// NewResultPolicy returns a policy using DefaultResultDelay.
func NewResultPolicy(cfg SessionConfig) ResultPolicy {
	return ResultPolicy{Config: cfg, Delay: DefaultResultDelay}
}

// Decide returns the plan for a found symbol. Continuous mode delivers
// immediately and never stops on its own. Single-shot mode delays while
// feedback plays, then stops.
func (p ResultPolicy) Decide() Plan {
	if p.Config.ContinuousScan {
		return Plan{Restart: p.Config.AutoRestartAfterResult}
	}
	plan := Plan{Stop: true}
	if p.Config.PlayBeep || p.Config.Vibrate {
		plan.Delay = p.Delay
	}
	return plan
}
