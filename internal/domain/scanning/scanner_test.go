package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanner_MaxScanDuration(t *testing.T) {
	t.Parallel()

	const mb = 1024 * 1024

	tests := []struct {
		name    string
		scanner Scanner
		size    int64
		want    time.Duration
	}{
		{name: "small artifact uses minimum", scanner: Scanner{}, size: 10 * mb, want: 3 * time.Minute},
		{name: "large artifact scales per MB", scanner: Scanner{}, size: 100 * mb, want: 600 * time.Second},
		{
			name:    "custom budget",
			scanner: Scanner{MaxScanDurationPerMB: time.Second, MinScanDuration: time.Minute},
			size:    120 * mb,
			want:    120 * time.Second,
		},
		{name: "empty artifact", scanner: Scanner{MinScanDuration: time.Second}, size: 0, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.scanner.MaxScanDuration(tt.size))
		})
	}
}

func TestScanner_Ref(t *testing.T) {
	t.Parallel()
	s := Scanner{Name: "trivy", Type: "standard", Version: "0.50"}
	assert.Equal(t, ScannerRef{Name: "trivy", Type: "standard", Version: "0.50"}, s.Ref())
}
