package scanning

import (
	"encoding/json"
	"math"
	"strconv"
)

// Overview keys produced by the converters. Scanners may add their own keys;
// only numeric values take part in aggregation and quality evaluation.
const (
	OverviewCriticalVulnCount = "cveCriticalCount"
	OverviewHighVulnCount     = "cveHighCount"
	OverviewMediumVulnCount   = "cveMediumCount"
	OverviewLowVulnCount      = "cveLowCount"
	OverviewLicenseRiskCount  = "licenseRiskCount"
	OverviewLicenseTotalCount = "licenseTotalCount"
	OverviewSensitiveCount    = "sensitiveCount"
)

// NumericValue extracts an integral count from an overview value. Strings are
// accepted when they parse as integers and floats only when they are whole and
// fit an int64; every other value is rejected.
func NumericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatValue(float64(n))
	case float64:
		return floatValue(n)
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatValue(f)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// floatValue accepts only whole numbers inside the int64 range.
func floatValue(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// NumericOverview returns the numeric subset of overview.
func NumericOverview(overview map[string]any) map[string]int64 {
	out := make(map[string]int64, len(overview))
	for k, v := range overview {
		if n, ok := NumericValue(v); ok {
			out[k] = n
		}
	}
	return out
}

// MergeOverview adds the numeric values of src to dst and returns dst.
func MergeOverview(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range NumericOverview(src) {
		cur, _ := NumericValue(dst[k])
		dst[k] = cur + v
	}
	return dst
}
