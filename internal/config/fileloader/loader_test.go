package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoader_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanners.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanners:
  - name: trivy
    type: standard
    version: "0.50"
    min_scan_duration: 10s
  - name: custom
    type: overview
`), 0o600))

	scanners, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, scanners, 2)
	assert.Equal(t, "trivy", scanners[0].Name)
	assert.Equal(t, 10*time.Second, scanners[0].MinScanDuration)
	assert.Equal(t, "overview", scanners[1].Type)
}

func TestFileLoader_Errors(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanners: [:"), 0o600))
	_, err = NewFileLoader(path).Load(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFileLoader(path).Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
