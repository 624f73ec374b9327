package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stringArg returns args[key] as a string, or "" when absent or not a string.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reads an integer argument. Models send numbers as JSON numbers
// (decoded to float64) or occasionally as numeric strings; both are
// accepted. A missing or null value yields def.
func intArg(args map[string]any, key string, def int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def, nil
	}

	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", key, v)
		}
		n = int(v)
	case interface{ Int64() (int64, error) }: // json.Number
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number, got %v", key, v)
		}
		n = int(i)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return def, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number, got %q", key, v)
		}
		n = i
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, raw)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %d", key, n)
	}
	return n, nil
}
