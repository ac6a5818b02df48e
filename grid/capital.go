package grid

import (
	"gridops/exchange"
)

// PadCapitalPlan extends plan to gridNum entries by repeating the last
// observed increment, floored at 0. [10,20] with gridNum=5 becomes
// [10,20,30,40,50]; a shrinking plan stops at zero instead of going
// negative.
func PadCapitalPlan(plan []float64, gridNum int) []float64 {
	out := make([]float64, 0, gridNum)
	for _, v := range plan {
		if len(out) == gridNum {
			break
		}
		if v < 0 {
			v = 0
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		out = append(out, 0)
	}

	increment := 0.0
	if len(out) >= 2 {
		increment = out[len(out)-1] - out[len(out)-2]
	}
	for len(out) < gridNum {
		next := out[len(out)-1] + increment
		if next < 0 {
			next = 0
		}
		out = append(out, next)
	}
	return out
}

// CapitalAt returns the capital assigned to a level, clamped to the plan.
func CapitalAt(plan []float64, level int) float64 {
	if len(plan) == 0 {
		return 0
	}
	if level < 0 {
		level = 0
	}
	if level >= len(plan) {
		level = len(plan) - 1
	}
	return plan[level]
}

// QuantityFor converts per-level capital into an order quantity sized to
// the venue's rules. Capital is margin; leverage scales it into notional.
func QuantityFor(capital, price float64, leverage int, rule *exchange.SymbolRule) float64 {
	if price <= 0 || capital <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	qty := capital * float64(leverage) / price
	if rule != nil {
		qty = rule.AdjustQuantity(qty, price)
	}
	return qty
}
