package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"perpflow/logger"
)

// Options configures the Binance futures client.
type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	ProxyURL   string
	Timeout    time.Duration
	RecvWindow time.Duration

	// Client-side throttle applied in front of every call.
	RequestsPerSecond int
	BurstSize         int
}

// Binance implements Client on top of the go-binance futures SDK. All signed
// requests are built and signed by the SDK from this one instance, so the
// installed time offset and recvWindow apply uniformly.
type Binance struct {
	client     *futures.Client
	limiter    *rate.Limiter
	recvWindow int64
	log        *logger.Log
}

// NewBinance builds the client. An invalid proxy URL is a construction error:
// silently falling back to a direct connection would leak traffic.
func NewBinance(opts Options) (*Binance, error) {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", opts.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := futures.NewClient(opts.APIKey, opts.APISecret)
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	if opts.BaseURL != "" {
		client.SetApiEndpoint(opts.BaseURL)
	}

	recvWindow := opts.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 60 * time.Second
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Binance{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		recvWindow: recvWindow.Milliseconds(),
		log:        logger.GetLogger(),
	}, nil
}

func (b *Binance) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &ConnectivityError{Op: "rate_limit_wait", Err: err}
	}
	return nil
}

func (b *Binance) Ping(ctx context.Context) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	return Classify("ping", b.client.NewPingService().Do(ctx))
}

func (b *Binance) ServerTime(ctx context.Context) (int64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	serverTime, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, Classify("server_time", err)
	}
	return serverTime, nil
}

// SetTimeOffset installs the measured clock offset (exchange minus local).
// The SDK subtracts its TimeOffset from the local clock when signing, so the
// sign flips here.
func (b *Binance) SetTimeOffset(offsetMs int64) {
	b.client.TimeOffset = -offsetMs
}

func (b *Binance) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	balances, err := b.client.NewGetBalanceService().Do(ctx, futures.WithRecvWindow(b.recvWindow))
	if err != nil {
		return 0, Classify("balance", err)
	}
	for _, bal := range balances {
		if bal.Asset != asset {
			continue
		}
		available, err := strconv.ParseFloat(bal.AvailableBalance, 64)
		if err != nil {
			return 0, &ConnectivityError{Op: "balance", Err: fmt.Errorf("unparseable balance %q: %w", bal.AvailableBalance, err)}
		}
		return available, nil
	}
	return 0, nil
}

func (b *Binance) Positions(ctx context.Context, symbol string) ([]PositionRecord, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	svc := b.client.NewGetPositionRiskService()
	if symbol != "" {
		svc.Symbol(WireSymbol(symbol))
	}
	risks, err := svc.Do(ctx, futures.WithRecvWindow(b.recvWindow))
	if err != nil {
		return nil, Classify("position_risk", err)
	}

	records := make([]PositionRecord, 0, len(risks))
	for _, r := range risks {
		records = append(records, PositionRecord{
			Symbol:           r.Symbol,
			PositionAmt:      r.PositionAmt,
			EntryPrice:       r.EntryPrice,
			MarkPrice:        r.MarkPrice,
			UnrealizedProfit: r.UnRealizedProfit,
			LiquidationPrice: r.LiquidationPrice,
			Leverage:         r.Leverage,
			Notional:         r.Notional,
			MarginType:       r.MarginType,
			PositionSide:     r.PositionSide,
		})
	}
	return records, nil
}

func (b *Binance) DualSidePosition(ctx context.Context) (bool, error) {
	if err := b.wait(ctx); err != nil {
		return false, err
	}
	mode, err := b.client.NewGetPositionModeService().Do(ctx, futures.WithRecvWindow(b.recvWindow))
	if err != nil {
		return false, Classify("position_mode", err)
	}
	return mode.DualSidePosition, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewChangeLeverageService().
		Symbol(WireSymbol(symbol)).
		Leverage(leverage).
		Do(ctx, futures.WithRecvWindow(b.recvWindow))
	return Classify("change_leverage", err)
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(WireSymbol(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	if req.Quantity != "" {
		svc.Quantity(req.Quantity)
	}
	if req.Price != "" {
		svc.Price(req.Price)
	}
	if req.StopPrice != "" {
		svc.StopPrice(req.StopPrice)
	}
	if req.TimeInForce != "" {
		svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}
	if req.ReduceOnly {
		svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc.ClosePosition(true)
	}
	if req.PositionSide != "" {
		svc.PositionSide(futures.PositionSideType(req.PositionSide))
	}
	if req.ClientOrderID != "" {
		svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx, futures.WithRecvWindow(b.recvWindow))
	if err != nil {
		return nil, Classify("create_order", err)
	}

	ack := &OrderAck{OrderID: res.OrderID, Status: string(res.Status)}
	if res.AvgPrice != "" {
		if v, perr := strconv.ParseFloat(res.AvgPrice, 64); perr == nil {
			ack.AvgPrice = v
		}
	}
	if res.ExecutedQuantity != "" {
		if v, perr := strconv.ParseFloat(res.ExecutedQuantity, 64); perr == nil {
			ack.ExecutedQty = v
		}
	}
	return ack, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewCancelOrderService().
		Symbol(WireSymbol(symbol)).
		OrderID(orderID).
		Do(ctx, futures.WithRecvWindow(b.recvWindow))
	return Classify("cancel_order", err)
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.NewListOpenOrdersService().
		Symbol(WireSymbol(symbol)).
		Do(ctx, futures.WithRecvWindow(b.recvWindow))
	if err != nil {
		return nil, Classify("open_orders", err)
	}

	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			OrderID:      o.OrderID,
			Symbol:       o.Symbol,
			Type:         OrderType(o.Type),
			Side:         Side(o.Side),
			StopPrice:    o.StopPrice,
			PositionSide: PositionSide(o.PositionSide),
		})
	}
	return out, nil
}

func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := b.client.NewKlinesService().
		Symbol(WireSymbol(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, Classify("klines", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		high, err := strconv.ParseFloat(k.High, 64)
		if err != nil {
			return nil, &ConnectivityError{Op: "klines", Err: fmt.Errorf("unparseable high %q: %w", k.High, err)}
		}
		low, err := strconv.ParseFloat(k.Low, 64)
		if err != nil {
			return nil, &ConnectivityError{Op: "klines", Err: fmt.Errorf("unparseable low %q: %w", k.Low, err)}
		}
		closePrice, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			return nil, &ConnectivityError{Op: "klines", Err: fmt.Errorf("unparseable close %q: %w", k.Close, err)}
		}
		klines = append(klines, Kline{High: high, Low: low, Close: closePrice})
	}
	return klines, nil
}

func (b *Binance) SymbolFilters(ctx context.Context) ([]SymbolFilter, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, Classify("exchange_info", err)
	}

	filters := make([]SymbolFilter, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		f := SymbolFilter{
			Symbol:            s.Symbol,
			QuantityPrecision: s.QuantityPrecision,
			PricePrecision:    s.PricePrecision,
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			if v, perr := strconv.ParseFloat(mn.Notional, 64); perr == nil {
				f.MinNotional = v
			}
		}
		filters = append(filters, f)
	}
	return filters, nil
}
