package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: staging
database:
  driver: sqlite
  dsn: "file::memory:"
broker:
  driver: memory
  retry_delay: 30s
chains:
  - id: 42161
    name: arbitrum
    rpc_url: https://arb1.example.org
    position_manager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
    confirmation_timeout: 2m
    operator_key_env: TEST_ARB_OPERATOR_KEY
executor:
  workers: 8
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(nil, writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "memory", cfg.Broker.Driver)
	assert.Equal(t, 30*time.Second, cfg.Broker.RetryDelay)
	assert.Equal(t, "closeorder.trigger", cfg.Broker.Kafka.TriggerTopic)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Executor.LeaseTimeout)
	assert.True(t, cfg.Executor.SuspendOnConfigError)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.SyncInterval)
	assert.Equal(t, ":9102", cfg.Server.Addr)

	chain, ok := cfg.Chain(42161)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, chain.ConfirmationTimeout)
	_, ok = cfg.Chain(1)
	assert.False(t, ok)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("AUTOCLOSE_EXECUTOR_MAX_ATTEMPTS", "5")
	t.Setenv("AUTOCLOSE_SERVER_ADDR", ":9999")

	cfg, err := Load(nil, writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestOperatorKeyComesFromEnvironment(t *testing.T) {
	t.Setenv("TEST_ARB_OPERATOR_KEY", "  abcdef  ")
	cfg, err := Load(nil, writeConfig(t, sampleYAML))
	require.NoError(t, err)

	chain, _ := cfg.Chain(42161)
	assert.Equal(t, "abcdef", chain.OperatorKey())
	assert.Empty(t, ChainConfig{}.OperatorKey())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	_, err := Load(nil, writeConfig(t, sampleYAML+"\nmonitor:\n  feed: carrier-pigeon\n"))
	assert.Error(t, err)

	dup := `
database:
  driver: sqlite
  dsn: "file::memory:"
broker:
  driver: memory
chains:
  - id: 10
    rpc_url: https://op.example.org
    position_manager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
  - id: 10
    rpc_url: https://other.example.org
    position_manager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
`
	_, err = Load(nil, writeConfig(t, dup))
	assert.ErrorContains(t, err, "configured twice")

	prod := `
environment: production
database:
  driver: sqlite
  dsn: autoclose.db
`
	_, err = Load(nil, writeConfig(t, prod))
	assert.Error(t, err)
}
