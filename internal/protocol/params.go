package protocol

import (
	"encoding/json"
	"math"
	"strings"
)

// Params holds loosely-typed request parameters. Accessors never fail: a
// missing key or a value of the wrong type yields the caller's default.
type Params map[string]any

// Int returns an integral number parameter.
func (p Params) Int(key string, def int) int {
	n, ok := p.number(key)
	if !ok {
		return def
	}
	return n
}

// PositiveInt is Int, except that values <= 0 also fall back to def and the
// result is capped at ceiling when ceiling is positive.
func (p Params) PositiveInt(key string, def, ceiling int) int {
	n := p.Int(key, def)
	if n <= 0 {
		n = def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// NonNegativeInt is Int with negative values replaced by def and the result
// capped at ceiling when ceiling is positive.
func (p Params) NonNegativeInt(key string, def, ceiling int) int {
	n := p.Int(key, def)
	if n < 0 {
		return def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// String returns a string parameter.
func (p Params) String(key, def string) string {
	s, ok := p[key].(string)
	if !ok {
		return def
	}
	return s
}

// Bool returns a boolean parameter.
func (p Params) Bool(key string, def bool) bool {
	b, ok := p[key].(bool)
	if !ok {
		return def
	}
	return b
}

// List splits a comma-separated string parameter, or accepts a JSON array of
// strings. Blank items are dropped.
func (p Params) List(key, def string) []string {
	var items []string
	switch v := p[key].(type) {
	case string:
		items = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	default:
		items = strings.Split(def, ",")
	}

	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p Params) number(key string) (int, bool) {
	switch v := p[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return clampInt(n), true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return fromFloat(f)
	case float64:
		return fromFloat(v)
	case int:
		return v, true
	case int64:
		return clampInt(v), true
	default:
		return 0, false
	}
}

// fromFloat accepts only integral values.
func fromFloat(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if f < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(f), true
}

func clampInt(n int64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int(n)
}
