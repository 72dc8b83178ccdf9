package pagination

import (
	"encoding/json"
	"math"
)

// Record is one element of a resource collection. Only "id" is interpreted.
type Record map[string]any

// ID returns the integer "id" field. It reports false when the field is
// missing or is not an integral number.
func (r Record) ID() (int64, bool) {
	switch v := r["id"].(type) {
	case json.Number:
		if id, err := v.Int64(); err == nil {
			return id, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	case float64:
		return integral(v)
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func integral(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
