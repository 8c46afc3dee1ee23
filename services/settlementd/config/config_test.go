package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":9000"
database:
  url: postgres://ledger@localhost/ledger
chain:
  rpc_url: http://127.0.0.1:8545
  exchange_contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer_key: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
lock:
  backoff: 250ms
auth:
  hmac_secret: s3cret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("SETTLEMENT_DB_URL", "")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 10*time.Second, cfg.Lock.TTL.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Lock.Backoff.Duration)
	require.EqualValues(t, 200, cfg.Referral.BDARatio)
	require.EqualValues(t, 800, cfg.Referral.ReferrerRatio)
	require.EqualValues(t, 10000, cfg.Referral.Divisor)
	require.Equal(t, 2*time.Minute, cfg.Jobs.ConfirmationDelay.Duration)
	require.Equal(t, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", cfg.Chain.SignerKey)
}

func TestEnvOverridesDatabaseAndSigner(t *testing.T) {
	t.Setenv("SETTLEMENT_DB_URL", "postgres://override@localhost/ledger")
	t.Setenv("SETTLEMENT_SIGNER_KEY", "0xabc123")
	body := `
database:
  url: postgres://ledger@localhost/ledger
chain:
  rpc_url: http://127.0.0.1:8545
  exchange_contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
auth:
  disable: true
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "postgres://override@localhost/ledger", cfg.Database.URL)
	require.Equal(t, "abc123", cfg.Chain.SignerKey)
}

func TestValidationRejectsBadRatios(t *testing.T) {
	body := sampleConfig + `
referral:
  bda_ratio: 3000
  referrer_ratio: 8000
`
	_, err := Load(writeConfig(t, body))
	require.ErrorContains(t, err, "exceed divisor")
}

func TestValidationRejectsBadContract(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{URL: "postgres://x"},
		Chain:    ChainConfig{RPCURL: "http://x", ExchangeContract: "0x123", SignerKey: "aa"},
		Auth:     AuthConfig{DisableCheck: true},
	}
	_, err := Finalise(cfg)
	require.ErrorContains(t, err, "exchange_contract")
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\nrecon:\n  interval: soon\n"))
	require.Error(t, err)
}
