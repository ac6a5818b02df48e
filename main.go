package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridops/config"
	"gridops/exchange"
	"gridops/logger"
	"gridops/manager"
	"gridops/market"
	"gridops/notify"
	"gridops/store"
)

const sessionsFile = "sessions.json"

// loadSessionRequests reads the optional sessions.json declaring the grid
// sessions to start on boot, on top of whatever the replay set restores.
func loadSessionRequests() ([]*manager.StartRequest, error) {
	if _, err := os.Stat(sessionsFile); os.IsNotExist(err) {
		logger.Info("📄 sessions.json not found, relying on replay set only")
		return nil, nil
	}

	data, err := os.ReadFile(sessionsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sessionsFile, err)
	}

	var raw []struct {
		Exchange    string    `json:"exchange"`
		UserID      string    `json:"user_id"`
		Symbol      string    `json:"symbol"`
		GridNum     int       `json:"grid_num"`
		Leverage    int       `json:"leverage"`
		Direction   string    `json:"direction"`
		CapitalPlan []float64 `json:"capital_plan"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", sessionsFile, err)
	}

	reqs := make([]*manager.StartRequest, 0, len(raw))
	for _, r := range raw {
		reqs = append(reqs, &manager.StartRequest{
			Exchange:    r.Exchange,
			UserID:      r.UserID,
			Symbol:      r.Symbol,
			GridNum:     r.GridNum,
			Leverage:    r.Leverage,
			Direction:   r.Direction,
			CapitalPlan: r.CapitalPlan,
		})
	}
	return reqs, nil
}

// newAdapterFactory builds adapters from environment credentials. The
// paper venue needs none and is always available for dry runs.
func newAdapterFactory() manager.AdapterFactory {
	return func(exchangeName, userID string) (exchange.Adapter, error) {
		switch exchangeName {
		case "binance":
			key, secret := os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY")
			if key == "" || secret == "" {
				return nil, fmt.Errorf("BINANCE_API_KEY / BINANCE_SECRET_KEY not set")
			}
			return exchange.NewBinanceAdapter(key, secret), nil
		case "okx":
			key, secret, pass := os.Getenv("OKX_API_KEY"), os.Getenv("OKX_SECRET_KEY"), os.Getenv("OKX_PASSPHRASE")
			if key == "" || secret == "" || pass == "" {
				return nil, fmt.Errorf("OKX_API_KEY / OKX_SECRET_KEY / OKX_PASSPHRASE not set")
			}
			return exchange.NewOKXAdapter(key, secret, pass), nil
		case "paper":
			return exchange.NewPaperAdapter(10000), nil
		default:
			return nil, fmt.Errorf("unsupported exchange %q", exchangeName)
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	config.Init()
	cfg := config.Get()
	if err := logger.Init(cfg.LogLevel); err != nil {
		fmt.Printf("Logger init failed: %v\n", err)
		os.Exit(1)
	}
	logger.Info("🤖 gridops starting...")

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Store init failed: %v", err)
	}
	defer st.Close()

	notifier := notify.FromConfig(cfg.TelegramToken, cfg.TelegramChatID)

	provider := market.NewADXProvider(market.NewBinanceKlines(), cfg.TimeframeInterval(), 14)

	// Streamed mark prices are best effort; REST polling covers outages
	prices := market.NewPriceCache(cfg.PositionTTL)
	stream := market.NewMarkStream(prices)
	if err := stream.Connect(); err != nil {
		logger.Warnf("Mark stream unavailable, falling back to REST polling: %v", err)
	} else {
		defer stream.Close()
	}

	orch := manager.New(st, provider, prices, notifier, newAdapterFactory(), cfg)
	go orch.RunWatchdog()

	reqs, err := loadSessionRequests()
	if err != nil {
		logger.Fatalf("Session config invalid: %v", err)
	}
	exchanges := map[string]bool{"binance": true, "okx": true, "paper": true}
	for _, req := range reqs {
		exchanges[req.Exchange] = true
		if err := stream.Subscribe(req.Symbol); err != nil {
			logger.Debugf("Stream subscribe for %s failed: %v", req.Symbol, err)
		}
		if err := orch.Start(req); err != nil {
			logger.Errorf("Failed to start session %s:%s:%s: %v", req.Exchange, req.UserID, req.Symbol, err)
		}
	}

	names := make([]string, 0, len(exchanges))
	for name := range exchanges {
		names = append(names, name)
	}
	orch.Replay(names)

	logger.Infof("✅ gridops running with %d session(s)", len(orch.Sessions()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down...", sig)

	orch.Close()
	logger.Info("👋 gridops stopped")
}
