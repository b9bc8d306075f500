package scanner

import (
	"fmt"
	"strings"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// Scanner types with built-in converters.
const (
	TypeStandard = "standard"
	TypeOverview = "overview"
)

// Keys of the raw output produced by standard scanners.
const (
	rawSecurityResults  = "securityResults"
	rawLicenseResults   = "licenseResults"
	rawSensitiveResults = "sensitiveResults"
	rawOverview         = "overview"
)

var (
	_ domain.Converter = (*StandardConverter)(nil)
	_ domain.Converter = (*OverviewConverter)(nil)
)

// StandardConverter understands the vulnerability, license and sensitive
// information report shared by the standard scanners. Vulnerabilities are
// identified by (vulId, pkgName, installedVersion); licenses by
// (license, pkgName, pkgVersion).
type StandardConverter struct{}

// Distinct drops repeated vulnerabilities and licenses from raw.
func (StandardConverter) Distinct(raw map[string]any) {
	if raw == nil {
		return
	}
	if v, ok := raw[rawSecurityResults]; ok {
		raw[rawSecurityResults] = distinct(v, "vulId", "pkgName", "installedVersion")
	}
	if v, ok := raw[rawLicenseResults]; ok {
		raw[rawLicenseResults] = distinct(v, "license", "pkgName", "pkgVersion")
	}
	if v, ok := raw[rawSensitiveResults]; ok {
		raw[rawSensitiveResults] = distinct(v, "type", "path", "line")
	}
}

// ConvertOverview counts findings by severity and license risk. A result
// without any findings section yields an empty overview.
func (StandardConverter) ConvertOverview(raw map[string]any) (map[string]any, error) {
	if !hasAny(raw, rawSecurityResults, rawLicenseResults, rawSensitiveResults) {
		return map[string]any{}, nil
	}
	overview := map[string]any{
		domain.OverviewCriticalVulnCount: int64(0),
		domain.OverviewHighVulnCount:     int64(0),
		domain.OverviewMediumVulnCount:   int64(0),
		domain.OverviewLowVulnCount:      int64(0),
		domain.OverviewLicenseRiskCount:  int64(0),
		domain.OverviewLicenseTotalCount: int64(0),
		domain.OverviewSensitiveCount:    int64(0),
	}

	vulns, err := entries(raw, rawSecurityResults)
	if err != nil {
		return nil, err
	}
	for _, v := range vulns {
		sev, _ := v["severity"].(string)
		var key string
		switch strings.ToUpper(sev) {
		case "CRITICAL":
			key = domain.OverviewCriticalVulnCount
		case "HIGH":
			key = domain.OverviewHighVulnCount
		case "MEDIUM":
			key = domain.OverviewMediumVulnCount
		case "LOW":
			key = domain.OverviewLowVulnCount
		default:
			continue
		}
		overview[key] = overview[key].(int64) + 1
	}

	licenses, err := entries(raw, rawLicenseResults)
	if err != nil {
		return nil, err
	}
	var risky int64
	for _, l := range licenses {
		if r, _ := l["risky"].(bool); r {
			risky++
		}
	}
	overview[domain.OverviewLicenseRiskCount] = risky
	overview[domain.OverviewLicenseTotalCount] = int64(len(licenses))

	sensitive, err := entries(raw, rawSensitiveResults)
	if err != nil {
		return nil, err
	}
	overview[domain.OverviewSensitiveCount] = int64(len(sensitive))

	return overview, nil
}

// OverviewConverter serves scanners that report their overview directly under
// the "overview" key.
type OverviewConverter struct{}

func (OverviewConverter) Distinct(map[string]any) {}

func (OverviewConverter) ConvertOverview(raw map[string]any) (map[string]any, error) {
	v, ok := raw[rawOverview]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: overview is %T, want an object", domain.ErrInvalidParameter, v)
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out, nil
}

func hasAny(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

// entries returns the objects listed under key. A missing key yields nothing.
func entries(raw map[string]any, key string) ([]map[string]any, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want a list", domain.ErrInvalidParameter, key, v)
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// distinct keeps the first entry of every identity. Values that are not lists
// are returned untouched.
func distinct(v any, fields ...string) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		parts := make([]string, len(fields))
		for i, f := range fields {
			parts[i] = fmt.Sprint(m[f])
		}
		key := strings.Join(parts, "\x00")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
