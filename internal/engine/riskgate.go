package engine

import "github.com/kmenon/nifty_straddler/internal/models"

// Gate computes the cycle's risk verdicts from already-fetched margin and
// PnL figures. Every threshold comparison is inclusive at the boundary.
type Gate struct {
	ShutdownLossPct float64
	ProfitPoints    float64
	PointValue      float64
}

// ShutdownTriggered reports whether the unrealized loss has consumed the
// shutdown fraction of available margin. A flat or profitable book never
// trips the breaker, whatever the margin figure reads.
func (g Gate) ShutdownTriggered(risk models.RiskState) bool {
	if risk.UnrealizedPnL >= 0 {
		return false
	}
	return risk.UnrealizedPnL <= -(risk.MarginAvailable * g.ShutdownLossPct)
}

// ProfitTargetReached reports whether unrealized profit has reached the
// configured point target.
func (g Gate) ProfitTargetReached(risk models.RiskState) bool {
	return risk.UnrealizedPnL >= g.ProfitPoints*g.PointValue
}

// SideLossTriggered reports whether a leg's loss fraction has reached
// threshold. Short legs lose as price rises, long legs as it falls;
// Position.LossPercent carries that sign convention.
func (g Gate) SideLossTriggered(p models.Position, threshold float64) bool {
	return p.LossPercent() >= threshold
}
