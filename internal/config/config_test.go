package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, Default().Server.Port, c.Server.Port)
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9000},"epoch":{"len_s":3600}}`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, c.Server.Port)
	require.Equal(t, int64(3600), c.Epoch.LenS)
}

func TestEnvOverridesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":9000}}`), 0o644))

	t.Setenv("EDGECHAIN_SERVER_PORT", "7777")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7777, c.Server.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.Server.Port = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsMockWithoutDemoMode(t *testing.T) {
	c := Default()
	c.Prover.Mock = true
	c.DemoMode = false
	require.Error(t, c.Validate())

	c.DemoMode = true
	require.NoError(t, c.Validate())
}

func TestValidateRejectsSharedSecretModeWithoutSecret(t *testing.T) {
	c := Default()
	c.Admin.Mode = AdminModeSharedSecret
	c.Admin.Secret = ""
	require.Error(t, c.Validate())

	c.Admin.Secret = "s3cr3t"
	require.NoError(t, c.Validate())
}

func TestValidateRejectsBadBandwidthWhenLoRaConfigured(t *testing.T) {
	c := Default()
	c.LoRa.BWKhz = 333
	require.Error(t, c.Validate())

	c.LoRa.Port = ""
	require.NoError(t, c.Validate(), "no lora port configured means no radio to validate")
}

func TestCORSEnvOverrideSplitsCSV(t *testing.T) {
	t.Setenv("EDGECHAIN_CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORS.AllowOrigins)
}
