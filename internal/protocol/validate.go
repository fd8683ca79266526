package protocol

import (
	"fmt"
	"strings"
)

// ValidationError names the first failing parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// marketTypeAliases maps exchange shorthands to canonical market types.
var marketTypeAliases = map[string]string{
	"US": "stock",
	"CN": "stock",
}

// riskTolerances is the accepted set for evaluate.risk.
var riskTolerances = map[string]bool{
	"conservative": true,
	"moderate":     true,
	"aggressive":   true,
}

// Validate checks the request parameters against the per-method rules.
// Alias normalization (market_type US/CN -> stock, default risk_tolerance)
// is applied in place so handlers see canonical parameters.
func (r *Request) Validate() error {
	switch r.Method {
	case MethodScanMarket:
		return r.validateScanMarket()
	case MethodExecuteOrder:
		return r.validateExecuteOrder()
	case MethodEvaluateRisk:
		return r.validateEvaluateRisk()
	case MethodAnalyzeStock:
		return r.validateAnalyzeStock()
	case MethodGetMarketData:
		return r.validateGetMarketData()
	case MethodHealthCheck:
		return r.validateHealthCheck()
	default:
		// Unreachable for requests built through ParseRequest.
		return invalid("method", "unsupported method: %q", r.Method)
	}
}

func (r *Request) stringParam(key string) (string, bool) {
	v, ok := r.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r *Request) numberParam(key string) (float64, bool) {
	v, ok := r.Params[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func (r *Request) validateScanMarket() error {
	marketType, ok := r.stringParam("market_type")
	if !ok || marketType == "" {
		return invalid("market_type", "market_type is required")
	}
	if canonical, aliased := marketTypeAliases[strings.ToUpper(marketType)]; aliased {
		r.Params["market_type"] = canonical
	}
	return nil
}

func (r *Request) validateExecuteOrder() error {
	symbol, ok := r.stringParam("symbol")
	if !ok || symbol == "" {
		return invalid("symbol", "symbol is required")
	}

	action, hasAction := r.stringParam("action")
	side, hasSide := r.stringParam("side")

	switch {
	case hasAction:
		if action != "buy" && action != "sell" {
			return invalid("action", "action must be one of buy, sell; got %q", action)
		}
		qty, ok := r.numberParam("quantity")
		if !ok {
			return invalid("quantity", "quantity is required with action")
		}
		if qty <= 0 {
			return invalid("quantity", "quantity must be a positive number, got %v", qty)
		}
	case hasSide:
		if side != "buy" && side != "sell" {
			return invalid("side", "side must be one of buy, sell; got %q", side)
		}
		amount, ok := r.numberParam("amount")
		if !ok {
			return invalid("amount", "amount is required with side")
		}
		if amount <= 0 {
			return invalid("amount", "amount must be a positive number, got %v", amount)
		}
	default:
		return invalid("action", "either action+quantity or side+amount is required")
	}

	if price, ok := r.Params["price"]; ok {
		p, isNum := price.(float64)
		if !isNum || p <= 0 {
			return invalid("price", "price must be a positive number, got %v", price)
		}
	}
	return nil
}

func (r *Request) validateEvaluateRisk() error {
	portfolio, ok := r.Params["portfolio"]
	if !ok {
		return invalid("portfolio", "portfolio is required")
	}
	if _, isMap := portfolio.(map[string]interface{}); !isMap {
		return invalid("portfolio", "portfolio must be an object")
	}

	// Either the current shape (market_data) or the legacy one (market_conditions).
	if _, hasNew := r.Params["market_data"]; !hasNew {
		if legacy, hasLegacy := r.Params["market_conditions"]; hasLegacy {
			r.Params["market_data"] = legacy
		}
	}

	tolerance, has := r.stringParam("risk_tolerance")
	if !has {
		r.Params["risk_tolerance"] = "moderate"
		return nil
	}
	if !riskTolerances[tolerance] {
		return invalid("risk_tolerance", "risk_tolerance must be one of conservative, moderate, aggressive; got %q", tolerance)
	}
	return nil
}

func (r *Request) validateAnalyzeStock() error {
	symbol, ok := r.stringParam("symbol")
	if !ok || symbol == "" {
		return invalid("symbol", "symbol is required")
	}
	return nil
}

func (r *Request) validateGetMarketData() error {
	raw, ok := r.Params["symbols"]
	if !ok {
		return invalid("symbols", "symbols is required")
	}
	list, isList := raw.([]interface{})
	if !isList || len(list) == 0 {
		return invalid("symbols", "symbols must be a non-empty list")
	}
	for i, v := range list {
		if s, isStr := v.(string); !isStr || s == "" {
			return invalid("symbols", "symbols[%d] must be a non-empty string", i)
		}
	}
	return nil
}

func (r *Request) validateHealthCheck() error {
	if detailed, ok := r.Params["detailed"]; ok {
		if _, isBool := detailed.(bool); !isBool {
			return invalid("detailed", "detailed must be a boolean, got %v", detailed)
		}
	}
	return nil
}

// SymbolList extracts the symbols parameter after validation.
func (r *Request) SymbolList() []string {
	raw, _ := r.Params["symbols"].([]interface{})
	symbols := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			symbols = append(symbols, s)
		}
	}
	return symbols
}
