package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"perpflow/config"
	"perpflow/internal/exchange"
	"perpflow/internal/exchange/exchangetest"
	"perpflow/internal/executor"
	"perpflow/internal/market"
	"perpflow/internal/perf"
	"perpflow/internal/position"
	"perpflow/internal/protection"
)

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			MaxLeverage:       20,
			MaxPositionUSD:    10000,
			DailyLossLimitPct: 5,
			InitialCapital:    1000,
			PerfWindowDays:    30,
		},
	}
}

// wireEngine builds an Engine with its collaborators bound to the fake,
// bypassing session acquisition.
func wireEngine(fake *exchangetest.Fake) (*Engine, *perf.MemoryStore) {
	tracker := perf.NewMemoryStore()
	e := New(testConfig(), nil, tracker)

	policy := market.NewPolicy()
	policy.Refresh([]exchange.SymbolFilter{
		{Symbol: "ABCUSDT", QuantityPrecision: 3, PricePrecision: 2, MinNotional: 5},
	})
	reader := position.NewReader(fake)
	e.comps = &components{
		client: fake,
		policy: policy,
		reader: reader,
		exec:   executor.New(fake, policy),
		prot: protection.New(fake, reader, policy, protection.Options{
			SettleAttempts: 2,
			SettleInterval: time.Millisecond,
		}),
	}
	return e, tracker
}

// tradingFake simulates an exchange whose position ledger reflects fills
// after orders are placed.
type tradingFake struct {
	*exchangetest.Fake
	mu     sync.Mutex
	opened bool
}

func newTradingFake() *tradingFake {
	tf := &tradingFake{Fake: &exchangetest.Fake{}}
	tf.Fake.KlinesFunc = func(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
		klines := make([]exchange.Kline, limit)
		for i := range klines {
			klines[i] = exchange.Kline{High: 101, Low: 99, Close: 100}
		}
		return klines, nil
	}
	tf.Fake.BalanceFunc = func(ctx context.Context, asset string) (float64, error) {
		return 1000, nil
	}
	tf.Fake.PlaceOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
		tf.mu.Lock()
		if req.Type == exchange.OrderTypeMarket {
			tf.opened = true
		}
		tf.mu.Unlock()
		return &exchange.OrderAck{OrderID: 1, AvgPrice: 100, ExecutedQty: 0.5}, nil
	}
	tf.Fake.PositionsFunc = func(ctx context.Context, symbol string) ([]exchange.PositionRecord, error) {
		tf.mu.Lock()
		defer tf.mu.Unlock()
		if !tf.opened {
			return nil, nil
		}
		return []exchange.PositionRecord{{
			Symbol: "ABCUSDT", PositionAmt: "0.5", EntryPrice: "100", MarkPrice: "100",
			UnrealizedProfit: "0", Leverage: "3", Notional: "50",
			MarginType: "cross", PositionSide: "BOTH",
		}}, nil
	}
	return tf
}

func TestRunCycleHold(t *testing.T) {
	fake := &exchangetest.Fake{}
	e, _ := wireEngine(fake)

	res := e.RunCycle(context.Background(), Decision{Symbol: "ABC/USDT", Action: ActionHold})
	if res.Outcome != OutcomeHold {
		t.Fatalf("outcome = %s, want hold", res.Outcome)
	}
	if len(fake.PlacedOrders) != 0 {
		t.Error("hold must not touch the exchange")
	}
}

func TestRunCycleEntryWithProtection(t *testing.T) {
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol:            "ABC/USDT",
		Action:            ActionBuy,
		Quantity:          0.5,
		Leverage:          3,
		StopLossPercent:   5,
		TakeProfitPercent: 10,
	})

	if res.Outcome != OutcomeEntered {
		t.Fatalf("outcome = %s (%s), want entered", res.Outcome, res.Reason)
	}
	if !res.Entry.Success || !res.Protection.Success {
		t.Fatalf("entry %v protection %v", res.Entry.Success, res.Protection.Success)
	}
	if len(tf.Fake.PlacedOrders) != 3 {
		t.Fatalf("placed %d orders, want entry + stop + target", len(tf.Fake.PlacedOrders))
	}

	stop, target := tf.Fake.PlacedOrders[1], tf.Fake.PlacedOrders[2]
	if stop.Type != exchange.OrderTypeStopMarket || stop.StopPrice != "95.00" {
		t.Errorf("stop = %s @ %s, want STOP_MARKET @ 95.00", stop.Type, stop.StopPrice)
	}
	if target.Type != exchange.OrderTypeTakeProfitMarket || target.StopPrice != "110.00" {
		t.Errorf("target = %s @ %s, want TAKE_PROFIT_MARKET @ 110.00", target.Type, target.StopPrice)
	}
	if res.Position == nil {
		t.Error("confirmation must report the open position")
	}
}

func TestRunCycleEntryProtectionFailureIsPartial(t *testing.T) {
	tf := newTradingFake()
	// Ledger never shows the fill: settlement polling exhausts and the
	// cycle must surface the unguarded position, not swallow it.
	tf.Fake.PositionsFunc = func(ctx context.Context, symbol string) ([]exchange.PositionRecord, error) {
		return nil, nil
	}
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 3,
	})

	if res.Outcome != OutcomePartial {
		t.Fatalf("outcome = %s (%s), want entered_unprotected", res.Outcome, res.Reason)
	}
	if !res.Entry.Success {
		t.Error("entry result must still report success")
	}
	if res.Reason == "" || !strings.Contains(res.Reason, "protection failed") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestRunCycleDailyLossBlocksEntry(t *testing.T) {
	tf := newTradingFake()
	e, tracker := wireEngine(tf.Fake)
	tracker.Record(perf.Outcome{Symbol: "ABC/USDT", PnL: -100}) // 10% of capital

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 3,
	})

	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if !strings.Contains(res.Reason, "daily loss") {
		t.Errorf("reason = %q", res.Reason)
	}
	if len(tf.Fake.PlacedOrders) != 0 {
		t.Error("no order may be placed past the daily loss limit")
	}
}

func TestRunCycleConfidenceGate(t *testing.T) {
	tf := newTradingFake()
	e, tracker := wireEngine(tf.Fake)
	// 30% win rate over ten trades pushes the threshold to 0.75.
	now := time.Now()
	for i := 0; i < 10; i++ {
		pnl := -10.0
		if i < 3 {
			pnl = 10
		}
		tracker.Record(perf.Outcome{Symbol: "ABC/USDT", PnL: pnl, ClosedAt: now})
	}

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 3, Confidence: 0.6,
	})

	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if !strings.Contains(res.Reason, "confidence") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestRunCycleLeverageOverCapRejected(t *testing.T) {
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 50,
	})

	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if len(tf.Fake.PlacedOrders) != 0 {
		t.Error("rejected entry must not reach the exchange")
	}
}

func TestRunCycleSkipsSameSidePosition(t *testing.T) {
	tf := newTradingFake()
	tf.opened = true // ledger already shows a long
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 3,
	})

	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
	if len(tf.Fake.PlacedOrders) != 0 {
		t.Error("skip must not place orders")
	}
}

func TestRunCycleExitsOpposingPosition(t *testing.T) {
	tf := newTradingFake()
	tf.opened = true
	e, tracker := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionSell,
	})

	if res.Outcome != OutcomeExited {
		t.Fatalf("outcome = %s (%s), want exited", res.Outcome, res.Reason)
	}
	if len(tf.Fake.PlacedOrders) != 1 {
		t.Fatalf("placed %d orders, want one exit", len(tf.Fake.PlacedOrders))
	}
	req := tf.Fake.PlacedOrders[0]
	if req.Side != exchange.SideSell || !req.ReduceOnly {
		t.Errorf("exit order = %+v, want reduce-only SELL", req)
	}

	stats, err := tracker.RecentStats(30)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Trades != 1 {
		t.Errorf("exit must record one outcome, got %d", stats.Trades)
	}
}

func TestRunCycleNormalizesActionSpelling(t *testing.T) {
	// Decision sources spell actions with any casing; "Sell" on a flat
	// ledger must open a short, never a long.
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: "Sell", Quantity: 0.5, Leverage: 3,
	})

	if res.Outcome != OutcomeEntered {
		t.Fatalf("outcome = %s (%s), want entered", res.Outcome, res.Reason)
	}
	if got := tf.Fake.PlacedOrders[0].Side; got != exchange.SideSell {
		t.Fatalf("entry side = %s, want SELL", got)
	}
}

func TestRunCycleCapitalizedHoldHolds(t *testing.T) {
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: "Hold", Quantity: 0.5,
	})

	if res.Outcome != OutcomeHold {
		t.Fatalf("outcome = %s, want hold", res.Outcome)
	}
	if len(tf.Fake.PlacedOrders) != 0 {
		t.Error("hold must not touch the exchange")
	}
}

func TestRunCycleUnknownActionRejected(t *testing.T) {
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: "close", Quantity: 0.5,
	})

	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if !strings.Contains(res.Reason, "unknown action") {
		t.Errorf("reason = %q", res.Reason)
	}
	if len(tf.Fake.PlacedOrders) != 0 {
		t.Error("unknown action must not trade")
	}
}

func TestRunCycleMarksTriggeredAfterProtectiveClose(t *testing.T) {
	tf := newTradingFake()
	e, _ := wireEngine(tf.Fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 3,
	})
	if res.Outcome != OutcomeEntered {
		t.Fatalf("outcome = %s (%s), want entered", res.Outcome, res.Reason)
	}
	if got := e.comps.prot.State("ABC/USDT", position.SideLong); got != protection.StateActive {
		t.Fatalf("state after entry = %s, want ACTIVE", got)
	}

	// The stop fires and the ledger goes flat again.
	tf.mu.Lock()
	tf.opened = false
	tf.mu.Unlock()

	res = e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionBuy, Quantity: 0.5, Leverage: 50,
	})
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if got := e.comps.prot.State("ABC/USDT", position.SideLong); got != protection.StateTriggered {
		t.Errorf("state = %s, want TRIGGERED", got)
	}
}

func TestRunCyclePartialExitRecordsProportionalPnL(t *testing.T) {
	fake := &exchangetest.Fake{
		PositionsFunc: func(ctx context.Context, symbol string) ([]exchange.PositionRecord, error) {
			return []exchange.PositionRecord{{
				Symbol: "ABCUSDT", PositionAmt: "0.5", EntryPrice: "100", MarkPrice: "120",
				UnrealizedProfit: "10", Leverage: "3", Notional: "60",
				MarginType: "cross", PositionSide: "BOTH",
			}}, nil
		},
	}
	e, tracker := wireEngine(fake)

	res := e.RunCycle(context.Background(), Decision{
		Symbol: "ABC/USDT", Action: ActionSell, Percentage: 50,
	})

	if res.Outcome != OutcomeExited {
		t.Fatalf("outcome = %s (%s), want exited", res.Outcome, res.Reason)
	}
	stats, err := tracker.RecentStats(30)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CumulativePnL != 5 {
		t.Errorf("recorded pnl = %v, want half of the open 10", stats.CumulativePnL)
	}
}

func TestRunCycleMissingSymbolRejected(t *testing.T) {
	fake := &exchangetest.Fake{}
	e, _ := wireEngine(fake)

	res := e.RunCycle(context.Background(), Decision{Action: ActionBuy, Quantity: 1})
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
}
