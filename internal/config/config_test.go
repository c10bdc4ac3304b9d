package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	setDefaults()

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"crm.environment", "production"},
		{"crm.api_version", "2.10"},
		{"crm.retry.max_attempts", 3},
		{"fields.category", "Account"},
		{"fields.cache_ttl_seconds", 300},
		{"migration.batch_size", 50},
		{"migration.max_workers", 3},
		{"migration.strategy", "auto"},
		{"migration.stale_after_hours", 24},
		{"migration.merge_separator", ", "},
		{"database.type", "sqlite"},
		{"logging.level", "info"},
		{"mcp.address", ":8081"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, viper.Get(tt.key))
		})
	}
}

func TestLoadFrom_File(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
crm:
  org_id: acme
  api_key: secret
  environment: trial
migration:
  batch_size: 25
  max_workers: 6
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.CRM.OrgID)
	assert.Equal(t, "trial", cfg.CRM.Environment)
	assert.Equal(t, "2.10", cfg.CRM.APIVersion)
	assert.Equal(t, 25, cfg.Migration.BatchSize)
	assert.Equal(t, 6, cfg.Migration.MaxWorkers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 24*time.Hour, cfg.Migration.StaleAfter())
	assert.Equal(t, 5*time.Minute, cfg.Fields.CacheTTL())
	require.NoError(t, cfg.CRM.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())
	t.Setenv("FIELDMIG_CRM_ORG_ID", "from-env")
	t.Setenv("FIELDMIG_MIGRATION_MAX_WORKERS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.CRM.OrgID)
	assert.Equal(t, 9, cfg.Migration.MaxWorkers)
}

func TestLoad_DotEnv(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FIELDMIG_CRM_API_KEY=dotenv-key\n"), 0600))
	t.Cleanup(func() { _ = os.Unsetenv("FIELDMIG_CRM_API_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.CRM.APIKey)
}

func TestCRMConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CRMConfig
		wantErr string
	}{
		{"valid", CRMConfig{OrgID: "o", APIKey: "k", Environment: "production"}, ""},
		{"missing org", CRMConfig{APIKey: "k", Environment: "production"}, "crm.org_id is required"},
		{"missing key", CRMConfig{OrgID: "o", Environment: "trial"}, "crm.api_key is required"},
		{"bad environment", CRMConfig{OrgID: "o", APIKey: "k", Environment: "staging"}, "crm.environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
