package exchange

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"binance margin code", &APIError{Venue: "binance", Code: "-2019", Msg: "Margin is insufficient."}, KindInsufficientMargin},
		{"okx balance code", &APIError{Venue: "okx", Code: "51008", Msg: "insufficient balance"}, KindInsufficientMargin},
		{"binance bad key", &APIError{Venue: "binance", Code: "-2015", Msg: "Invalid API-key"}, KindAuth},
		{"binance bad signature", &APIError{Venue: "binance", Code: "-1022", Msg: "Signature for this request is not valid."}, KindAuth},
		{"okx bad passphrase", &APIError{Venue: "okx", Code: "50114", Msg: "Invalid passphrase"}, KindAuth},
		{"binance rate limit", &APIError{Venue: "binance", Code: "-1003", Msg: "Too many requests"}, KindTransient},
		{"plain rejection", &APIError{Venue: "binance", Code: "-4164", Msg: "Order's notional must be no smaller than 5.0"}, KindRejected},
		{"wrapped api error", fmt.Errorf("create failed: %w", &APIError{Venue: "okx", Code: "51119", Msg: "insufficient funds"}), KindInsufficientMargin},
		{"network timeout", errors.New("context deadline exceeded: timeout"), KindTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"unknown plain error", errors.New("order price out of range"), KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("expected kind %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		return &APIError{Venue: "binance", Code: "-2019", Msg: "Margin is insufficient."}
	})
	if err == nil {
		t.Fatal("expected the error to surface")
	}
	if calls != 1 {
		t.Errorf("insufficient margin must not be retried, got %d calls", calls)
	}
}

func TestRetryTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		return errors.New("timeout waiting for response")
	})
	if err == nil {
		t.Fatal("expected the last error to surface")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestAdjustQuantity(t *testing.T) {
	rule := &SymbolRule{MinNotional: 5, MinQty: 0.001, QtyStep: 0.001}

	// Below min notional gets bumped up
	qty := rule.AdjustQuantity(0.00001, 100)
	if qty*100 < 5 {
		t.Errorf("adjusted quantity %.6f violates min notional", qty)
	}

	// Contract-based venues floor to whole contracts
	okx := &SymbolRule{ContractBased: true, ContractSize: 0.01}
	qty = okx.AdjustQuantity(0.025, 50000)
	if math.Abs(qty-0.02) > 1e-9 {
		t.Errorf("expected 2 contracts worth 0.02, got %.6f", qty)
	}

	// Less than one contract still yields one
	qty = okx.AdjustQuantity(0.004, 50000)
	if math.Abs(qty-0.01) > 1e-9 {
		t.Errorf("expected min one contract, got %.6f", qty)
	}
}

func TestRoundPrice(t *testing.T) {
	rule := &SymbolRule{TickSize: 0.1}
	if got := rule.RoundPrice(100.07); math.Abs(got-100.1) > 1e-9 {
		t.Errorf("expected 100.1, got %v", got)
	}
	none := &SymbolRule{}
	if got := none.RoundPrice(100.07); got != 100.07 {
		t.Errorf("no tick size must pass through, got %v", got)
	}
}
