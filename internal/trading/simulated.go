package trading

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/tacore/internal/cache"
	"github.com/aristath/tacore/internal/protocol"
)

// defaultUniverse is the symbol set scanned when the caller does not
// provide one.
var defaultUniverse = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA",
	"META", "TSLA", "JPM", "V", "JNJ",
}

const seriesLength = 120

// Candidate is one ranked scan result.
type Candidate struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
	Price  float64 `json:"price"`
}

// Market session in minutes from UTC midnight (13:30-20:00, regular US
// session expressed in UTC).
const (
	sessionOpenMinutes  = 13*60 + 30
	sessionCloseMinutes = 20 * 60
)

// EngineConfig configures the simulated engine.
type EngineConfig struct {
	WorkerID  string
	Universe  []string
	Cache     *cache.Cache
	Clock     func() time.Time
	Processed func() int64
	Log       zerolog.Logger
}

// Engine is the simulated reference implementation of the method handlers.
// Price series are deterministic per symbol, so results are reproducible
// across workers and test runs.
type Engine struct {
	cfg       EngineConfig
	log       zerolog.Logger
	startedAt time.Time
}

// NewEngine creates a simulated engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if len(cfg.Universe) == 0 {
		cfg.Universe = defaultUniverse
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "engine").Logger(),
		startedAt: time.Now(),
	}
}

// Handlers returns the full method handler map for registry construction.
func (e *Engine) Handlers() map[string]Handler {
	return map[string]Handler{
		protocol.MethodScanMarket:    e.ScanMarket,
		protocol.MethodExecuteOrder:  e.ExecuteOrder,
		protocol.MethodEvaluateRisk:  e.EvaluateRisk,
		protocol.MethodAnalyzeStock:  e.AnalyzeStock,
		protocol.MethodGetMarketData: e.GetMarketData,
		protocol.MethodHealthCheck:   e.HealthCheck,
	}
}

// ScanMarket ranks the symbol universe by EMA crossover momentum.
func (e *Engine) ScanMarket(_ context.Context, req *protocol.Request) (interface{}, error) {
	marketType, _ := req.Params["market_type"].(string)

	candidates := make([]Candidate, 0, len(e.cfg.Universe))
	for _, symbol := range e.cfg.Universe {
		closes := syntheticSeries(symbol, seriesLength)
		fast := talib.Ema(closes, 12)
		slow := talib.Ema(closes, 26)

		last := len(closes) - 1
		if slow[last] == 0 {
			continue
		}
		score := (fast[last] - slow[last]) / slow[last] * 100
		candidates = append(candidates, Candidate{
			Symbol: symbol,
			Score:  round2(score),
			Price:  round2(closes[last]),
		})
	}
	if len(candidates) == 0 {
		return nil, Errorf(protocol.ErrScanner, "no symbols could be scanned")
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	return map[string]interface{}{
		"market_type": marketType,
		"scanned":     len(e.cfg.Universe),
		"candidates":  candidates,
		"timestamp":   protocol.Now(),
	}, nil
}

// ExecuteOrder simulates a fill at the current synthetic price with
// deterministic slippage. Orders outside the trading session are rejected
// with market_closed.
func (e *Engine) ExecuteOrder(_ context.Context, req *protocol.Request) (interface{}, error) {
	now := e.cfg.Clock()
	if !sessionOpen(now) {
		return nil, Errorf(protocol.ErrMarketClosed, "market is closed at %s", now.UTC().Format(time.RFC3339))
	}

	symbol, _ := req.Params["symbol"].(string)
	action, hasAction := req.Params["action"].(string)
	side, _ := req.Params["side"].(string)
	if !hasAction {
		action = side
	}

	closes := syntheticSeries(symbol, seriesLength)
	price := closes[len(closes)-1]
	if limit, ok := req.Params["price"].(float64); ok {
		price = limit
	}

	// Fixed 5bp slippage against the order direction.
	slippage := price * 0.0005
	fill := price + slippage
	if action == "sell" {
		fill = price - slippage
	}
	if fill <= 0 {
		return nil, Errorf(protocol.ErrExecution, "computed fill price is not positive for %s", symbol)
	}

	result := map[string]interface{}{
		"order_id":   uuid.NewString(),
		"symbol":     symbol,
		"action":     action,
		"fill_price": round2(fill),
		"status":     "filled",
		"timestamp":  protocol.Now(),
	}
	if qty, ok := req.Params["quantity"].(float64); ok {
		result["quantity"] = qty
		result["total_value"] = round2(fill * qty)
	}
	if amount, ok := req.Params["amount"].(float64); ok {
		result["amount"] = amount
		result["quantity"] = round2(amount / fill)
	}
	return result, nil
}

// riskThresholds maps tolerance to the maximum acceptable portfolio
// volatility (annualized fraction).
var riskThresholds = map[string]float64{
	"conservative": 0.15,
	"moderate":     0.25,
	"aggressive":   0.40,
}

// EvaluateRisk computes portfolio volatility and concentration from
// synthetic return series.
func (e *Engine) EvaluateRisk(_ context.Context, req *protocol.Request) (interface{}, error) {
	portfolio, _ := req.Params["portfolio"].(map[string]interface{})
	tolerance, _ := req.Params["risk_tolerance"].(string)

	type position struct {
		symbol  string
		weight  float64
		returns []float64
	}

	var total float64
	positions := make([]position, 0, len(portfolio))
	for symbol, raw := range portfolio {
		weight, ok := raw.(float64)
		if !ok || weight < 0 {
			return nil, Errorf(protocol.ErrEvaluation, "position %q must be a non-negative number", symbol)
		}
		if weight == 0 {
			continue
		}
		positions = append(positions, position{
			symbol:  symbol,
			weight:  weight,
			returns: returnsOf(syntheticSeries(symbol, seriesLength)),
		})
		total += weight
	}
	if len(positions) == 0 || total == 0 {
		return nil, Errorf(protocol.ErrEvaluation, "portfolio has no positions")
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i].symbol < positions[j].symbol })

	// Weighted volatility plus an average pairwise correlation penalty.
	var volatility, maxWeight float64
	for _, p := range positions {
		w := p.weight / total
		volatility += w * stat.StdDev(p.returns, nil) * math.Sqrt(252)
		if w > maxWeight {
			maxWeight = w
		}
	}

	var corrSum float64
	var pairs int
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			corrSum += stat.Correlation(positions[i].returns, positions[j].returns, nil)
			pairs++
		}
	}
	avgCorrelation := 1.0
	if pairs > 0 {
		avgCorrelation = corrSum / float64(pairs)
	}

	threshold := riskThresholds["moderate"]
	if t, ok := riskThresholds[tolerance]; ok {
		threshold = t
	}

	riskScore := volatility*0.6 + maxWeight*0.3 + math.Abs(avgCorrelation)*0.1
	return map[string]interface{}{
		"risk_tolerance":   tolerance,
		"volatility":       round4(volatility),
		"concentration":    round4(maxWeight),
		"avg_correlation":  round4(avgCorrelation),
		"risk_score":       round4(riskScore),
		"threshold":        threshold,
		"approved":         volatility <= threshold,
		"positions_scored": len(positions),
		"timestamp":        protocol.Now(),
	}, nil
}

// AnalyzeStock produces an indicator snapshot (RSI, SMA, MACD) over the
// symbol's synthetic series.
func (e *Engine) AnalyzeStock(_ context.Context, req *protocol.Request) (interface{}, error) {
	symbol, _ := req.Params["symbol"].(string)

	closes := syntheticSeries(symbol, seriesLength)
	last := len(closes) - 1

	rsi := talib.Rsi(closes, 14)
	sma := talib.Sma(closes, 20)
	macd, signal, hist := talib.Macd(closes, 12, 26, 9)

	trend := "neutral"
	recommendation := "hold"
	switch {
	case hist[last] > 0 && rsi[last] < 70:
		trend = "bullish"
		recommendation = "buy"
	case hist[last] < 0 && rsi[last] > 30:
		trend = "bearish"
		recommendation = "sell"
	}

	return map[string]interface{}{
		"symbol": symbol,
		"price":  round2(closes[last]),
		"indicators": map[string]interface{}{
			"rsi_14":      round2(rsi[last]),
			"sma_20":      round2(sma[last]),
			"macd":        round4(macd[last]),
			"macd_signal": round4(signal[last]),
			"macd_hist":   round4(hist[last]),
		},
		"trend":          trend,
		"recommendation": recommendation,
		"timestamp":      protocol.Now(),
	}, nil
}

// GetMarketData returns quotes for the requested symbols, consulting the
// cache per symbol when it is available.
func (e *Engine) GetMarketData(ctx context.Context, req *protocol.Request) (interface{}, error) {
	symbols := req.SymbolList()

	quotes := make(map[string]interface{}, len(symbols))
	for _, symbol := range symbols {
		var cached map[string]interface{}
		if err := e.cfg.Cache.Get(ctx, cache.NamespaceMarketData, symbol, &cached); err == nil {
			quotes[symbol] = cached
			continue
		} else if !errors.Is(err, cache.ErrMiss) {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Cache read failed")
		}

		quote := e.quote(symbol)
		quotes[symbol] = quote
		if err := e.cfg.Cache.Set(ctx, cache.NamespaceMarketData, symbol, quote); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("Cache write failed")
		}
	}

	return map[string]interface{}{
		"quotes":    quotes,
		"cached":    e.cfg.Cache.Available(),
		"timestamp": protocol.Now(),
	}, nil
}

// quote builds one synthetic quote.
func (e *Engine) quote(symbol string) map[string]interface{} {
	closes := syntheticSeries(symbol, seriesLength)
	last := len(closes) - 1
	prev := closes[last-1]

	change := 0.0
	if prev != 0 {
		change = (closes[last] - prev) / prev * 100
	}
	return map[string]interface{}{
		"symbol":         symbol,
		"price":          round2(closes[last]),
		"change_percent": round2(change),
		"volume":         seedFor(symbol)%9_000_000 + 1_000_000,
		"timestamp":      protocol.Now(),
	}
}

// HealthCheck reports worker liveness; detailed adds resource usage.
func (e *Engine) HealthCheck(_ context.Context, req *protocol.Request) (interface{}, error) {
	result := map[string]interface{}{
		"status":         "healthy",
		"worker_id":      e.cfg.WorkerID,
		"uptime_seconds": round2(time.Since(e.startedAt).Seconds()),
		"methods":        protocol.SupportedMethods(),
		"timestamp":      protocol.Now(),
	}
	if e.cfg.Processed != nil {
		result["processed_requests"] = e.cfg.Processed()
	}

	if detailed, _ := req.Params["detailed"].(bool); detailed {
		if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
			result["cpu_usage"] = round2(usage[0])
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			result["memory_usage"] = round2(vm.UsedPercent)
		}
		result["cache_available"] = e.cfg.Cache.Available()
	}
	return result, nil
}

// sessionOpen reports whether the trading session is open at t.
func sessionOpen(t time.Time) bool {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= sessionOpenMinutes && mins < sessionCloseMinutes
}

// seedFor derives a stable per-symbol seed.
func seedFor(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64() & math.MaxInt64)
}

// syntheticSeries builds a deterministic pseudo-random walk for a symbol.
func syntheticSeries(symbol string, n int) []float64 {
	seed := seedFor(symbol)
	rng := rand.New(rand.NewSource(seed))

	price := 20 + float64(seed%380)
	drift := (rng.Float64() - 0.45) * 0.004

	out := make([]float64, n)
	for i := range out {
		shock := (rng.Float64() - 0.5) * 0.03
		price *= 1 + drift + shock
		if price < 1 {
			price = 1
		}
		out[i] = price
	}
	return out
}

// returnsOf converts a price series to simple returns.
func returnsOf(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out[i-1] = prices[i]/prices[i-1] - 1
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
