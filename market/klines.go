package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceKlines fetches futures candles from the public kline endpoint.
// No credentials are required.
type BinanceKlines struct {
	client *futures.Client
}

// NewBinanceKlines builds an unauthenticated kline source.
func NewBinanceKlines() *BinanceKlines {
	return &BinanceKlines{client: futures.NewClient("", "")}
}

// Klines returns the most recent limit candles for symbol at interval.
// The still-forming candle is dropped so indicators only see closed bars.
func (b *BinanceKlines) Klines(symbol, interval string, limit int) ([]Candle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	raw, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}
	if len(raw) > 0 {
		raw = raw[:len(raw)-1]
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		c := Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     mustFloat(k.Open),
			High:     mustFloat(k.High),
			Low:      mustFloat(k.Low),
			Close:    mustFloat(k.Close),
			Volume:   mustFloat(k.Volume),
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
