package session

import (
	"time"

	"signal-trader-go/config"
	"signal-trader-go/risk"
	"signal-trader-go/signal"
	"signal-trader-go/trade"
)

// GateThresholds maps the config gate block onto the entry pipeline.
func GateThresholds(c config.GateConfig) signal.Thresholds {
	return signal.Thresholds{
		MinTicksPerSecond:  c.MinTicksPerSecond,
		WarmupTicks:        c.WarmupTicks,
		HurstMin:           c.HurstMin,
		EfficiencyMin:      c.EfficiencyMin,
		ZOfiMin:            c.ZOfiMin,
		VpinGhostMax:       c.VpinGhostMax,
		VpinHardMin:        c.VpinHardMin,
		VpinHardMinEnabled: c.VpinHardMinEnabled,
		RuleOfN:            c.RuleOfN,
	}
}

// ExitParams maps the exit config block onto the trade lifecycle,
// reusing the entry gate floors for the baseline-drop check.
func ExitParams(c config.ExitConfig, gates config.GateConfig) trade.ExitParams {
	return trade.ExitParams{
		DudWindow:        time.Duration(c.DudWindowMs) * time.Millisecond,
		DudEfficiencyMin: c.DudEfficiencyMin,
		ZExitThreshold:   c.ZExitThreshold,
		HurstFloor:       c.HurstFloor,
		MinHold:          time.Duration(c.MinHoldMs) * time.Millisecond,
		EfficiencyMin:    gates.EfficiencyMin,
		VpinGhostMax:     gates.VpinGhostMax,
		IncludeToxicity:  c.BaselineIncludeToxicity,
		PID: trade.PIDParams{
			Kp:                   c.Kp,
			Ki:                   c.Ki,
			Kd:                   c.Kd,
			BaseTrailPips:        c.BaseTrailPips,
			FloorTrailPips:       c.FloorTrailPips,
			ActivationProfitPips: c.ActivationProfitPips,
		},
	}
}

// SizingParams maps the sizing config block onto the Kelly model.
func SizingParams(c config.SizingConfig) risk.SizingParams {
	return risk.SizingParams{
		BaseUnits:        c.BaseUnits,
		MinUnits:         c.MinUnits,
		MaxUnitsPerOrder: c.MaxUnitsPerOrder,
		NavPct:           c.NavPct,
		MarginPct:        c.MarginPct,
		EffWeight:        c.EffWeight,
		ZWeight:          c.ZWeight,
		PMin:             c.PMin,
		PMax:             c.PMax,
	}
}
