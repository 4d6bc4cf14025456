package sink

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Predicate evaluates whether an event's arguments satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, >=, <, <=, in, contains.
// Examples:
//
//	"amount >= ether(10)"
//	"voter in 0xabc...,0xdef..."
//	"reason contains refund"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		values := map[string]struct{}{}
		for _, v := range strings.Split(parts[1], ",") {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				values[v] = struct{}{}
			}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(stringify(arg))]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		if field == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(stringify(val), needle), nil
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("%s needs a numeric right-hand side: %s", op, expr)
	}

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			c := lhs.Cmp(numRHS)
			switch op {
			case "==":
				return c == 0, nil
			case "!=":
				return c != 0, nil
			case ">":
				return c > 0, nil
			case "<":
				return c < 0, nil
			case ">=":
				return c >= 0, nil
			case "<=":
				return c <= 0, nil
			}
		}

		lhs := stringify(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

var weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e18", "1_000_000"
// - Helper functions: "wei(1e18)", "ether(2.5)"
// - Multiplication: "5 * 1e18"
func evaluateNumber(s string) (*big.Float, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return nil, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Float).SetPrec(256).Mul(a, b), true
	}

	if strings.HasPrefix(s, "wei(") && strings.HasSuffix(s, ")") {
		return evaluateNumber(s[4 : len(s)-1])
	}
	if strings.HasPrefix(s, "ether(") && strings.HasSuffix(s, ")") {
		v, ok := evaluateNumber(s[6 : len(s)-1])
		if !ok {
			return nil, false
		}
		return new(big.Float).SetPrec(256).Mul(v, weiPerEther), true
	}

	v, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, false
	}
	return v, true
}

func toNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Float).SetPrec(256).SetInt(n), true
	case uint8:
		return new(big.Float).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Float).SetUint64(n), true
	case int:
		return new(big.Float).SetInt64(int64(n)), true
	case int64:
		return new(big.Float).SetInt64(n), true
	case float64:
		return big.NewFloat(n), true
	case string:
		return evaluateNumber(n)
	default:
		return nil, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case *big.Int:
		if t == nil {
			return ""
		}
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Filter decides which events a sink receives.
type Filter struct {
	events map[string]struct{}
	preds  []Predicate
}

// NewFilter builds a filter from an event-type allowlist and predicates. Empty inputs match everything.
func NewFilter(events, where []string) (*Filter, error) {
	preds, err := CompilePredicates(where)
	if err != nil {
		return nil, err
	}
	f := &Filter{preds: preds}
	if len(events) > 0 {
		f.events = make(map[string]struct{}, len(events))
		for _, e := range events {
			f.events[strings.TrimSpace(e)] = struct{}{}
		}
	}
	return f, nil
}

// Allow reports whether payload passes the filter. Predicates see the decoded
// fields plus event_type, tx_hash, block_number and campaign_id.
func (f *Filter) Allow(payload EventPayload) (bool, error) {
	if f == nil {
		return true, nil
	}
	if f.events != nil {
		if _, ok := f.events[payload.EventType]; !ok {
			return false, nil
		}
	}
	if len(f.preds) == 0 {
		return true, nil
	}

	args := make(map[string]any, len(payload.Fields)+4)
	for k, v := range payload.Fields {
		args[k] = v
	}
	args["event_type"] = payload.EventType
	args["tx_hash"] = payload.TxHash
	args["block_number"] = payload.BlockNumber
	if payload.CampaignID != nil {
		args["campaign_id"] = *payload.CampaignID
	}
	for _, p := range f.preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
