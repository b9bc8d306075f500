package scanning

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumericValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{name: "int", value: 3, want: 3, ok: true},
		{name: "float from json", value: 4.0, want: 4, ok: true},
		{name: "json number", value: json.Number("7"), want: 7, ok: true},
		{name: "numeric string", value: "12", want: 12, ok: true},
		{name: "text", value: "high", ok: false},
		{name: "nan", value: math.NaN(), ok: false},
		{name: "fraction", value: 0.5, ok: false},
		{name: "float above int64", value: 1e19, ok: false},
		{name: "float at int64 bound", value: float64(1 << 63), ok: false},
		{name: "negative whole float", value: -2.0, want: -2, ok: true},
		{name: "float32 fraction", value: float32(1.25), ok: false},
		{name: "json fraction", value: json.Number("0.5"), ok: false},
		{name: "json exponent", value: json.Number("1e3"), want: 1000, ok: true},
		{name: "nested", value: map[string]any{"a": 1}, ok: false},
		{name: "nil", value: nil, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NumericValue(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMergeOverview(t *testing.T) {
	t.Parallel()

	dst := map[string]any{OverviewHighVulnCount: int64(2)}
	got := MergeOverview(dst, map[string]any{
		OverviewHighVulnCount: 3.0,
		OverviewLowVulnCount:  "4",
		"scanner":             "trivy",
	})

	assert.Equal(t, map[string]any{
		OverviewHighVulnCount: int64(5),
		OverviewLowVulnCount:  int64(4),
	}, got)

	assert.Equal(t, map[string]any{"x": int64(1)}, MergeOverview(nil, map[string]any{"x": 1}))
}
