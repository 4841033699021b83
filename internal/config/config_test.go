package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "auth:\n  jwt_secret: abc\n"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 3*time.Minute, cfg.Session.PairingTimeout)
	require.Equal(t, "fixed", cfg.Reconnect.Policy)
	require.Equal(t, 30*time.Second, cfg.Reconnect.Delay)
	require.Equal(t, "@c.us", cfg.Dispatch.AddressSuffix)
	require.Equal(t, cfg.Dispatch.SendTimeout, cfg.Bridge.RequestTimeout)
	require.Equal(t, "92", cfg.CountryCode("school-1"))
	require.Empty(t, cfg.Dispatch.QuotaLimits)
}

func TestLoadConfigValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
session:
  pairing_timeout: 90s
  approved_tenants: [school-1]
reconnect:
  policy: exponential
  delay: 5s
  max_delay: 2m
dispatch:
  tenant_country_codes:
    uk-school: "44"
  quota_limits:
    school-1: 500
    school-2: -1
`))
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Session.PairingTimeout)
	require.Equal(t, []string{"school-1"}, cfg.Session.ApprovedTenants)
	require.Equal(t, 2*time.Minute, cfg.Reconnect.MaxDelay)
	require.Equal(t, "44", cfg.CountryCode("uk-school"))
	require.Equal(t, "92", cfg.CountryCode("school-1"))
	require.Equal(t, map[string]int{"school-1": 500, "school-2": -1}, cfg.Dispatch.QuotaLimits)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SCHOOLMSG_JWT_SECRET", "from-env")
	t.Setenv("SCHOOLMSG_WORKERS", "7")

	cfg, err := LoadConfig(writeConfig(t, "auth:\n  jwt_secret: from-file\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, 7, cfg.Workers)
}

func TestLoadConfigRejectsBadPolicy(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "reconnect:\n  policy: sometimes\n"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "reconnect:\n  policy: exponential\n  delay: 1m\n  max_delay: 10s\n"))
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
