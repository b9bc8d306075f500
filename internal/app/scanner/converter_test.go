package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

func vuln(id, pkg, version, severity string) map[string]any {
	return map[string]any{"vulId": id, "pkgName": pkg, "installedVersion": version, "severity": severity}
}

func TestStandardConverter_Distinct(t *testing.T) {
	raw := map[string]any{
		rawSecurityResults: []any{
			vuln("CVE-1", "openssl", "1.1", "HIGH"),
			vuln("CVE-1", "openssl", "1.1", "HIGH"),
			vuln("CVE-1", "openssl", "3.0", "HIGH"),
		},
		rawLicenseResults: []any{
			map[string]any{"license": "MIT", "pkgName": "a", "pkgVersion": "1"},
			map[string]any{"license": "MIT", "pkgName": "a", "pkgVersion": "1"},
		},
		"other": "untouched",
	}

	StandardConverter{}.Distinct(raw)

	assert.Len(t, raw[rawSecurityResults], 2)
	assert.Len(t, raw[rawLicenseResults], 1)
	assert.Equal(t, "untouched", raw["other"])
}

func TestStandardConverter_ConvertOverview(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    map[string]int64
		wantErr bool
	}{
		{
			name: "no findings sections",
			raw:  map[string]any{"error": "exit status 2"},
			want: map[string]int64{},
		},
		{
			name: "empty sections",
			raw:  map[string]any{rawSecurityResults: []any{}},
			want: map[string]int64{
				domain.OverviewCriticalVulnCount: 0,
				domain.OverviewLicenseTotalCount: 0,
				domain.OverviewSensitiveCount:    0,
			},
		},
		{
			name: "counts by severity",
			raw: map[string]any{
				rawSecurityResults: []any{
					vuln("CVE-1", "a", "1", "CRITICAL"),
					vuln("CVE-2", "a", "1", "high"),
					vuln("CVE-3", "b", "1", "HIGH"),
					vuln("CVE-4", "b", "1", "LOW"),
					vuln("CVE-5", "b", "1", "UNKNOWN"),
				},
				rawLicenseResults: []any{
					map[string]any{"license": "GPL-3.0", "risky": true},
					map[string]any{"license": "MIT", "risky": false},
				},
				rawSensitiveResults: []any{map[string]any{"type": "aws_key"}},
			},
			want: map[string]int64{
				domain.OverviewCriticalVulnCount: 1,
				domain.OverviewHighVulnCount:     2,
				domain.OverviewMediumVulnCount:   0,
				domain.OverviewLowVulnCount:      1,
				domain.OverviewLicenseRiskCount:  1,
				domain.OverviewLicenseTotalCount: 2,
				domain.OverviewSensitiveCount:    1,
			},
		},
		{
			name:    "malformed results",
			raw:     map[string]any{rawSecurityResults: "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StandardConverter{}.ConvertOverview(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
			}
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
		})
	}
}

func TestOverviewConverter(t *testing.T) {
	got, err := OverviewConverter{}.ConvertOverview(map[string]any{
		rawOverview: map[string]any{"customCount": float64(4), "label": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"customCount": float64(4), "label": "x"}, got)

	got, err = OverviewConverter{}.ConvertOverview(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = OverviewConverter{}.ConvertOverview(map[string]any{rawOverview: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidParameter)
}
