// Package config загружает конфигурацию моста из YAML файла и переменных окружения.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"farmstack-bridge/audit"
	"farmstack-bridge/bus"
	"farmstack-bridge/correlator"
	"farmstack-bridge/logging"
	"farmstack-bridge/mqtt"
)

// EnvPrefix - префикс переменных окружения, например FARMSTACK_MQTT_BROKER
const EnvPrefix = "FARMSTACK"

// Config представляет полную конфигурацию сервиса
type Config struct {
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Commands  CommandsConfig  `mapstructure:"commands"`
	Bus       bus.Config      `mapstructure:"bus"`
	Incidents IncidentsConfig `mapstructure:"incidents"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Audit     audit.Config    `mapstructure:"audit"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// CommandsConfig представляет параметры отслеживания команд
type CommandsConfig struct {
	AckTimeoutMs      int     `mapstructure:"ack_timeout_ms"`     // Ожидание подтверждения на одну попытку
	RetryLimit        int     `mapstructure:"retry_limit"`        // Количество повторных публикаций
	RetryBackoffMs    int     `mapstructure:"retry_backoff_ms"`   // Пауза перед повтором (0 - без паузы)
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"` // 1 - постоянная пауза, 2 - экспоненциальная
	MaxPending        int     `mapstructure:"max_pending"`        // Емкость таблицы команд в полете
	WaitSlackMs       int     `mapstructure:"wait_slack_ms"`      // Запас к жесткому таймауту ожидания
	TrackObserved     bool    `mapstructure:"track_observed"`     // Отслеживать команды других издателей
}

// AckTimeout возвращает таймаут одной попытки
func (c CommandsConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// RetryBackoff возвращает паузу перед первым повтором
func (c CommandsConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// Policy возвращает политику повторов для отслеживания команд
func (c CommandsConfig) Policy() correlator.RetryPolicy {
	return correlator.RetryPolicy{
		Limit:      c.RetryLimit,
		Timeout:    c.AckTimeout(),
		Backoff:    c.RetryBackoff(),
		Multiplier: c.BackoffMultiplier,
	}
}

// WaitSlack возвращает запас жесткого таймаута
func (c CommandsConfig) WaitSlack() time.Duration {
	return time.Duration(c.WaitSlackMs) * time.Millisecond
}

// IncidentsConfig представляет параметры оповещения об инцидентах
type IncidentsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"` // Пусто - вебхук отключен
	QueueSize  int    `mapstructure:"queue_size"`
}

// HTTPConfig представляет параметры HTTP сервера
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// setDefaults задает значения по умолчанию для всех ключей
func setDefaults(v *viper.Viper) {
	m := mqtt.DefaultConfig()
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", m.ClientID)
	v.SetDefault("mqtt.topic_prefix", m.TopicPrefix)
	v.SetDefault("mqtt.status_topic", m.StatusTopic)
	v.SetDefault("mqtt.qos", m.QoS)
	v.SetDefault("mqtt.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", m.ConnectTimeout)
	v.SetDefault("mqtt.reconnect_interval", m.ReconnectInterval)
	v.SetDefault("mqtt.auto_reconnect", m.AutoReconnect)
	v.SetDefault("mqtt.buffer_size", m.BufferSize)

	v.SetDefault("commands.ack_timeout_ms", 3000)
	v.SetDefault("commands.retry_limit", 3)
	v.SetDefault("commands.retry_backoff_ms", 0)
	v.SetDefault("commands.backoff_multiplier", 1.0)
	v.SetDefault("commands.max_pending", 1024)
	v.SetDefault("commands.wait_slack_ms", 1000)
	v.SetDefault("commands.track_observed", true)

	b := bus.DefaultConfig()
	v.SetDefault("bus.ack_topic", b.AckTopic)
	v.SetDefault("bus.incident_topic", b.IncidentTopic)
	v.SetDefault("bus.telemetry_topic", b.TelemetryTopic)

	v.SetDefault("incidents.webhook_url", "")
	v.SetDefault("incidents.queue_size", 256)

	v.SetDefault("http.addr", ":8081")

	v.SetDefault("audit.file", "")
	v.SetDefault("audit.max_size_mb", 20)
	v.SetDefault("audit.max_backups", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Load читает конфигурацию. Пустой path означает поиск config.yaml в "." и /etc/farmstack;
// отсутствие файла в этом случае не ошибка - используются значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/farmstack")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("config: mqtt.broker is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("config: mqtt.qos must be 0..2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("config: mqtt.topic_prefix is required"))
	}
	if c.Commands.AckTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("config: commands.ack_timeout_ms must be positive, got %d", c.Commands.AckTimeoutMs))
	}
	if c.Commands.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("config: commands.retry_limit must be >= 0, got %d", c.Commands.RetryLimit))
	}
	if c.Commands.RetryBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("config: commands.retry_backoff_ms must be >= 0, got %d", c.Commands.RetryBackoffMs))
	}
	if c.Commands.BackoffMultiplier == 0 {
		c.Commands.BackoffMultiplier = 1
	}
	if c.Commands.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("config: commands.backoff_multiplier must be >= 1, got %v", c.Commands.BackoffMultiplier))
	}
	if c.Commands.MaxPending <= 0 {
		errs = append(errs, fmt.Errorf("config: commands.max_pending must be positive, got %d", c.Commands.MaxPending))
	}
	if c.Incidents.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("config: incidents.queue_size must be positive, got %d", c.Incidents.QueueSize))
	}
	return errors.Join(errs...)
}
