package scanning

import "time"

// Default scan duration budget used when a scanner does not override it.
const (
	DefaultMaxScanDurationPerMB = 6 * time.Second
	DefaultMinScanDuration      = 3 * time.Minute
)

// Scanner describes a registered scanner implementation.
type Scanner struct {
	Name    string `mapstructure:"name" yaml:"name" validate:"required"`
	Type    string `mapstructure:"type" yaml:"type" validate:"required"`
	Version string `mapstructure:"version" yaml:"version"`
	// MaxScanDurationPerMB is the scan budget granted per MiB of artifact.
	MaxScanDurationPerMB time.Duration `mapstructure:"max_scan_duration_per_mb" yaml:"max_scan_duration_per_mb"`
	// MinScanDuration is the lower bound of the budget regardless of size.
	MinScanDuration time.Duration `mapstructure:"min_scan_duration" yaml:"min_scan_duration"`
}

// Ref returns the identifying triple stored on tasks.
func (s Scanner) Ref() ScannerRef {
	return ScannerRef{Name: s.Name, Type: s.Type, Version: s.Version}
}

// MaxScanDuration returns how long a scan of an artifact of size bytes may run
// before the sub-task is considered timed out.
func (s Scanner) MaxScanDuration(size int64) time.Duration {
	perMB := s.MaxScanDurationPerMB
	if perMB <= 0 {
		perMB = DefaultMaxScanDurationPerMB
	}
	minimum := s.MinScanDuration
	if minimum <= 0 {
		minimum = DefaultMinScanDuration
	}

	sizeMB := size / 1024 / 1024
	d := time.Duration(sizeMB) * perMB
	if d < minimum {
		return minimum
	}
	return d
}
