package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "test-signing-key"
webhooks:
  hmac_secret: "test-hmac-secret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 2, cfg.Chains[0].Confirmations)
	require.Equal(t, 60, int(cfg.Scheduler.ReconciliationDrainInterval.Seconds()))
	require.False(t, cfg.IsProduction())
}

func TestLoad_MissingDSNFails(t *testing.T) {
	path := writeConfig(t, `
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_NoChainsFails(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_SecretFileIndirection(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "hmac.secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file-secret\n"), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	contents := `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret_file: "` + secretPath + `"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "from-file-secret", cfg.Webhooks.HMACSecret)
}

func TestLoad_SecretEnvIndirection(t *testing.T) {
	t.Setenv("AGENTPAY_TEST_JWT_KEY", "from-env-secret")
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key_env: "AGENTPAY_TEST_JWT_KEY"
webhooks:
  hmac_secret: "s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env-secret", cfg.Auth.JWTSigningKey)
}

func TestLoad_MissingJWTSigningKeyFails(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
webhooks:
  hmac_secret: "s"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestIsProduction(t *testing.T) {
	require.True(t, Config{Environment: "production"}.IsProduction())
	require.True(t, Config{Environment: "Production"}.IsProduction())
	require.False(t, Config{Environment: "development"}.IsProduction())
}

func TestDuration_UnmarshalYAML_EmptyStringFallsBackToDefault(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
scheduler:
  hold_expiry_interval: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 300, int(cfg.Scheduler.HoldExpiryInterval.Seconds()), "empty string parses to zero duration, then applyDefaults fills it in")
}

func TestLoad_SignerDefaultsToLocalMode(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Signer.Mode)
}

func TestLoad_SignerLocalKeyEnvIndirection(t *testing.T) {
	t.Setenv("AGENTPAY_TEST_SIGNER_KEY", "deadbeef")
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
signer:
  mode: "local"
  local_key_hex_env: "AGENTPAY_TEST_SIGNER_KEY"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.Signer.LocalKeyHex)
}

func TestLoad_ComplianceKYCAPIKeyFileIndirection(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "kyc.key")
	require.NoError(t, os.WriteFile(secretPath, []byte("kyc-secret\n"), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	contents := `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
compliance:
  kyc_base_url: "https://kyc.example.com"
  kyc_api_key_file: "` + secretPath + `"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "kyc-secret", cfg.Compliance.KYCAPIKey)
}

func TestLoad_AllowedMerchantDomainsParsed(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
allowed_merchant_domains:
  - "merchant-a.example.com"
  - "merchant-b.example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"merchant-a.example.com", "merchant-b.example.com"}, cfg.AllowedMerchantDomains)
}

func TestLoad_LoggingFileDefaultsAppliedOnlyWhenPathSet(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
logging:
  file_path: "/var/log/agentpay/gateway.log"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Logging.MaxSizeMB)
	require.Equal(t, 5, cfg.Logging.MaxBackups)
	require.Equal(t, 28, cfg.Logging.MaxAgeDays)
}

func TestLoad_LoggingDefaultsSkippedWithoutFilePath(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Logging.MaxSizeMB)
}

func TestDuration_UnmarshalYAML_ExplicitValueIsRespected(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/agentpay"
chains:
  - name: base
auth:
  jwt_signing_key: "k"
webhooks:
  hmac_secret: "s"
scheduler:
  hold_expiry_interval: "90s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90, int(cfg.Scheduler.HoldExpiryInterval.Seconds()))
}
