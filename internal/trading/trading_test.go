package trading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tacore/internal/protocol"
)

// fixedClock pins the engine inside or outside the trading session.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	// Wednesday 15:00 UTC, mid-session.
	openTime = time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC)
	// Wednesday 22:00 UTC, after close.
	closedTime = time.Date(2026, 8, 19, 22, 0, 0, 0, time.UTC)
)

func newTestEngine(clock func() time.Time) *Engine {
	return NewEngine(EngineConfig{
		WorkerID: "worker-test",
		Clock:    clock,
		Log:      zerolog.Nop(),
	})
}

func newRequest(t *testing.T, method string, params map[string]interface{}) *protocol.Request {
	t.Helper()
	req := &protocol.Request{Method: method, Params: params, RequestID: "req-test"}
	require.NoError(t, req.Validate())
	return req
}

func TestRegistryRejectsUnknownMethod(t *testing.T) {
	_, err := NewRegistry(map[string]Handler{
		"bogus.method": func(context.Context, *protocol.Request) (interface{}, error) { return nil, nil },
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	_, err := NewRegistry(map[string]Handler{protocol.MethodHealthCheck: nil}, zerolog.Nop())
	assert.Error(t, err)
}

func TestDispatchSuccess(t *testing.T) {
	reg, err := NewRegistry(newTestEngine(fixedClock(openTime)).Handlers(), zerolog.Nop())
	require.NoError(t, err)

	resp := reg.Dispatch(context.Background(), newRequest(t, protocol.MethodHealthCheck, nil))
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "req-test", resp.RequestID)
}

func TestDispatchTypedError(t *testing.T) {
	reg, err := NewRegistry(map[string]Handler{
		protocol.MethodScanMarket: func(context.Context, *protocol.Request) (interface{}, error) {
			return nil, Errorf(protocol.ErrScanner, "scanner offline")
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	resp := reg.Dispatch(context.Background(), &protocol.Request{Method: protocol.MethodScanMarket, RequestID: "r"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrScanner, resp.Type)
	assert.Equal(t, "scanner offline", resp.Error)
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg, err := NewRegistry(map[string]Handler{
		protocol.MethodHealthCheck: func(context.Context, *protocol.Request) (interface{}, error) {
			panic("boom")
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	resp := reg.Dispatch(context.Background(), &protocol.Request{Method: protocol.MethodHealthCheck, RequestID: "r"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrInternal, resp.Type)
}

func TestScanMarketRanksCandidates(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodScanMarket, map[string]interface{}{"market_type": "stock"})

	data, err := e.ScanMarket(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	assert.Equal(t, "stock", result["market_type"])
	assert.Equal(t, len(defaultUniverse), result["scanned"])

	candidates := result["candidates"].([]Candidate)
	require.NotEmpty(t, candidates)
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Score, candidates[i].Score)
	}
}

func TestExecuteOrderDuringSession(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodExecuteOrder, map[string]interface{}{
		"symbol":   "AAPL",
		"action":   "buy",
		"quantity": 10.0,
	})

	data, err := e.ExecuteOrder(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	assert.Equal(t, "filled", result["status"])
	assert.Equal(t, "AAPL", result["symbol"])
	assert.NotEmpty(t, result["order_id"])
	assert.Greater(t, result["fill_price"].(float64), 0.0)
	assert.Equal(t, 10.0, result["quantity"])
}

func TestExecuteOrderMarketClosed(t *testing.T) {
	e := newTestEngine(fixedClock(closedTime))
	req := newRequest(t, protocol.MethodExecuteOrder, map[string]interface{}{
		"symbol":   "AAPL",
		"action":   "buy",
		"quantity": 1.0,
	})

	_, err := e.ExecuteOrder(context.Background(), req)
	require.Error(t, err)
	herr := err.(*HandlerError)
	assert.Equal(t, protocol.ErrMarketClosed, herr.Type)
}

func TestExecuteOrderSlippageDirection(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))

	buy := newRequest(t, protocol.MethodExecuteOrder, map[string]interface{}{
		"symbol": "MSFT", "action": "buy", "quantity": 1.0, "price": 100.0,
	})
	sell := newRequest(t, protocol.MethodExecuteOrder, map[string]interface{}{
		"symbol": "MSFT", "action": "sell", "quantity": 1.0, "price": 100.0,
	})

	buyData, err := e.ExecuteOrder(context.Background(), buy)
	require.NoError(t, err)
	sellData, err := e.ExecuteOrder(context.Background(), sell)
	require.NoError(t, err)

	buyFill := buyData.(map[string]interface{})["fill_price"].(float64)
	sellFill := sellData.(map[string]interface{})["fill_price"].(float64)
	assert.Greater(t, buyFill, 100.0)
	assert.Less(t, sellFill, 100.0)
}

func TestEvaluateRisk(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodEvaluateRisk, map[string]interface{}{
		"portfolio": map[string]interface{}{
			"AAPL": 0.4,
			"MSFT": 0.3,
			"JNJ":  0.3,
		},
		"risk_tolerance": "aggressive",
	})

	data, err := e.EvaluateRisk(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	assert.Equal(t, "aggressive", result["risk_tolerance"])
	assert.Equal(t, 3, result["positions_scored"])
	assert.Greater(t, result["volatility"].(float64), 0.0)
	assert.InDelta(t, 0.4, result["concentration"].(float64), 0.0001)
	assert.Equal(t, riskThresholds["aggressive"], result["threshold"])
}

func TestEvaluateRiskEmptyPortfolio(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodEvaluateRisk, map[string]interface{}{
		"portfolio": map[string]interface{}{},
	})

	_, err := e.EvaluateRisk(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrEvaluation, err.(*HandlerError).Type)
}

func TestEvaluateRiskBadPosition(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodEvaluateRisk, map[string]interface{}{
		"portfolio": map[string]interface{}{"AAPL": "lots"},
	})

	_, err := e.EvaluateRisk(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrEvaluation, err.(*HandlerError).Type)
}

func TestAnalyzeStock(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodAnalyzeStock, map[string]interface{}{"symbol": "NVDA"})

	data, err := e.AnalyzeStock(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	assert.Equal(t, "NVDA", result["symbol"])
	indicators := result["indicators"].(map[string]interface{})
	rsi := indicators["rsi_14"].(float64)
	assert.GreaterOrEqual(t, rsi, 0.0)
	assert.LessOrEqual(t, rsi, 100.0)
	assert.Contains(t, []string{"bullish", "bearish", "neutral"}, result["trend"])
	assert.Contains(t, []string{"buy", "sell", "hold"}, result["recommendation"])
}

func TestAnalyzeStockDeterministic(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodAnalyzeStock, map[string]interface{}{"symbol": "TSLA"})

	first, err := e.AnalyzeStock(context.Background(), req)
	require.NoError(t, err)
	second, err := e.AnalyzeStock(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t,
		first.(map[string]interface{})["indicators"],
		second.(map[string]interface{})["indicators"])
}

func TestGetMarketData(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodGetMarketData, map[string]interface{}{
		"symbols": []interface{}{"AAPL", "MSFT"},
	})

	data, err := e.GetMarketData(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	quotes := result["quotes"].(map[string]interface{})
	require.Len(t, quotes, 2)
	aapl := quotes["AAPL"].(map[string]interface{})
	assert.Equal(t, "AAPL", aapl["symbol"])
	assert.Greater(t, aapl["price"].(float64), 0.0)
	assert.False(t, result["cached"].(bool))
}

func TestHealthCheckDetailed(t *testing.T) {
	e := newTestEngine(fixedClock(openTime))
	req := newRequest(t, protocol.MethodHealthCheck, map[string]interface{}{"detailed": true})

	data, err := e.HealthCheck(context.Background(), req)
	require.NoError(t, err)

	result := data.(map[string]interface{})
	assert.Equal(t, "healthy", result["status"])
	assert.Equal(t, "worker-test", result["worker_id"])
	assert.Contains(t, result, "cache_available")
}

func TestSessionOpen(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"mid session", time.Date(2026, 8, 19, 15, 0, 0, 0, time.UTC), true},
		{"session open boundary", time.Date(2026, 8, 19, 13, 30, 0, 0, time.UTC), true},
		{"just before open", time.Date(2026, 8, 19, 13, 29, 0, 0, time.UTC), false},
		{"session close boundary", time.Date(2026, 8, 19, 20, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 8, 22, 15, 0, 0, 0, time.UTC), false},
		{"sunday", time.Date(2026, 8, 23, 15, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, sessionOpen(tt.at))
		})
	}
}

func TestSyntheticSeriesDeterministic(t *testing.T) {
	a := syntheticSeries("AAPL", 50)
	b := syntheticSeries("AAPL", 50)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, syntheticSeries("MSFT", 50))
}
