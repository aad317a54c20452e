package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: "tcp://broker:1883"
  topic_prefix: "v2/farm"
  qos: 2
  connect_timeout: 3s
commands:
  ack_timeout_ms: 1500
  retry_limit: 1
  retry_backoff_ms: 200
  backoff_multiplier: 2
incidents:
  webhook_url: "http://alerts.local/hook"
audit:
  file: "/var/log/farmstack/audit.jsonl"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "v2/farm", cfg.MQTT.TopicPrefix)
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
	assert.Equal(t, 3*time.Second, cfg.MQTT.ConnectTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Commands.AckTimeout())
	assert.Equal(t, "http://alerts.local/hook", cfg.Incidents.WebhookURL)
	assert.Equal(t, "/var/log/farmstack/audit.jsonl", cfg.Audit.File)

	policy := cfg.Commands.Policy()
	assert.Equal(t, 1, policy.Limit)
	assert.Equal(t, 1500*time.Millisecond, policy.Timeout)
	assert.Equal(t, 200*time.Millisecond, policy.Backoff)
	assert.Equal(t, 2.0, policy.Multiplier)

	// Не заданные в файле ключи берутся из значений по умолчанию
	assert.Equal(t, 1024, cfg.Commands.MaxPending)
	assert.Equal(t, "farmstack/bus/cmd_ack", cfg.Bus.AckTopic)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.Equal(t, 20, cfg.Audit.MaxSizeMB)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Commands.AckTimeout())
	assert.Equal(t, 3, cfg.Commands.RetryLimit)
	assert.Equal(t, time.Duration(0), cfg.Commands.RetryBackoff())
	assert.Equal(t, time.Second, cfg.Commands.WaitSlack())
	assert.True(t, cfg.Commands.TrackObserved)
	assert.Equal(t, 256, cfg.Incidents.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "commands:\n  retry_limit: 1\n")
	t.Setenv("FARMSTACK_COMMANDS_RETRY_LIMIT", "5")
	t.Setenv("FARMSTACK_MQTT_BROKER", "tcp://env-broker:1883")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Commands.RetryLimit)
	assert.Equal(t, "tcp://env-broker:1883", cfg.MQTT.Broker)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  qos: 3
commands:
  ack_timeout_ms: 0
  retry_limit: -1
  backoff_multiplier: 0.5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.qos")
	assert.Contains(t, err.Error(), "commands.ack_timeout_ms")
	assert.Contains(t, err.Error(), "commands.retry_limit")
	assert.Contains(t, err.Error(), "commands.backoff_multiplier")
}

func TestValidateDefaultsMultiplier(t *testing.T) {
	cfg := Config{}
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.TopicPrefix = "v1/farm"
	cfg.Commands.AckTimeoutMs = 100
	cfg.Commands.MaxPending = 1
	cfg.Incidents.QueueSize = 1

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1.0, cfg.Commands.BackoffMultiplier)
}
