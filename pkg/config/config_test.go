package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadSeedsClusters(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
providerAddress: provider-1
clusters:
  - id: c1
    region: eu-west
  - id: c2
    region: us-east
`))
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 2)
	assert.Equal(t, "c1", cfg.Clusters[0].ID)
	assert.Equal(t, "eu-west", cfg.Clusters[0].Region)
	assert.Equal(t, "c2", cfg.Clusters[1].ID)

	// Defaults survive a partial file.
	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, 30, cfg.StaleThresholdSec)
}

func TestLoadRejectsBadClusters(t *testing.T) {
	_, err := Load(writeConfig(t, `
clusters:
  - region: eu-west
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must have an id")

	_, err = Load(writeConfig(t, `
clusters:
  - id: c1
  - id: c1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate cluster id")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "staleThresoldSec: 10\n"))
	require.Error(t, err)
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.OfflineThresholdSec = cfg.StaleThresholdSec
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DeregThresholdSec = cfg.OfflineThresholdSec
	require.Error(t, cfg.Validate())

	require.NoError(t, Default().Validate())
}
