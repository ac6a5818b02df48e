package grid

import (
	"reflect"
	"testing"

	"gridops/exchange"
)

func TestPadCapitalPlan(t *testing.T) {
	tests := []struct {
		name     string
		plan     []float64
		gridNum  int
		expected []float64
	}{
		{"extends with last increment", []float64{10, 20}, 5, []float64{10, 20, 30, 40, 50}},
		{"already full", []float64{5, 5, 5}, 3, []float64{5, 5, 5}},
		{"truncates overlong plan", []float64{1, 2, 3, 4}, 2, []float64{1, 2}},
		{"single entry repeats flat", []float64{25}, 4, []float64{25, 25, 25, 25}},
		{"decreasing plan floors at zero", []float64{30, 10}, 5, []float64{30, 10, 0, 0, 0}},
		{"negative entries clamped", []float64{-5, 10}, 3, []float64{0, 10, 20}},
		{"empty plan yields zeros", nil, 3, []float64{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PadCapitalPlan(tt.plan, tt.gridNum)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestCapitalAtClamps(t *testing.T) {
	plan := []float64{10, 20, 30}
	if got := CapitalAt(plan, 1); got != 20 {
		t.Errorf("expected 20, got %v", got)
	}
	if got := CapitalAt(plan, 99); got != 30 {
		t.Errorf("out-of-range level must use the last entry, got %v", got)
	}
	if got := CapitalAt(plan, -1); got != 10 {
		t.Errorf("negative level must use the first entry, got %v", got)
	}
	if got := CapitalAt(nil, 0); got != 0 {
		t.Errorf("empty plan must yield 0, got %v", got)
	}
}

func TestQuantityFor(t *testing.T) {
	rule := &exchange.SymbolRule{MinQty: 0.001, QtyStep: 0.001}

	// 100 USD margin at 5x leverage on a 50000 price: 0.01 base units
	qty := QuantityFor(100, 50000, 5, rule)
	if qty < 0.009 || qty > 0.011 {
		t.Errorf("expected about 0.01, got %v", qty)
	}

	if QuantityFor(0, 50000, 5, rule) != 0 {
		t.Error("zero capital must yield zero quantity")
	}
	if QuantityFor(100, 0, 5, rule) != 0 {
		t.Error("zero price must yield zero quantity")
	}

	// Leverage below 1 is treated as 1
	base := QuantityFor(100, 100, 0, nil)
	if base != 1 {
		t.Errorf("expected 1, got %v", base)
	}
}
