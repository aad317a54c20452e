// Package bus публикует события моста для остальных сервисов фермы:
// подтверждения с задержкой, инциденты и принятую телеметрию.
package bus

import (
	"context"
	"log"
	"time"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
)

const publishTimeout = 5 * time.Second

// Config представляет топики нисходящей шины
type Config struct {
	AckTopic       string `mapstructure:"ack_topic"`
	IncidentTopic  string `mapstructure:"incident_topic"`
	TelemetryTopic string `mapstructure:"telemetry_topic"`
}

// DefaultConfig возвращает топики по умолчанию
func DefaultConfig() Config {
	return Config{
		AckTopic:       "farmstack/bus/cmd_ack",
		IncidentTopic:  "farmstack/bus/incident",
		TelemetryTopic: "farmstack/bus/telemetry",
	}
}

// JSONPublisher публикует значение в топик в виде JSON
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic string, v interface{}) error
}

// Publisher публикует события моста в брокер
type Publisher struct {
	config    Config
	publisher JSONPublisher
	logger    *log.Logger
}

// NewPublisher создает Publisher; пустые топики заменяются значениями по умолчанию
func NewPublisher(config Config, publisher JSONPublisher) *Publisher {
	defaults := DefaultConfig()
	if config.AckTopic == "" {
		config.AckTopic = defaults.AckTopic
	}
	if config.IncidentTopic == "" {
		config.IncidentTopic = defaults.IncidentTopic
	}
	if config.TelemetryTopic == "" {
		config.TelemetryTopic = defaults.TelemetryTopic
	}
	return &Publisher{
		config:    config,
		publisher: publisher,
		logger:    logging.New("[Bus] "),
	}
}

// ForwardAck публикует подтверждение с задержкой; ошибка только логируется
func (p *Publisher) ForwardAck(ctx context.Context, event common.AckEvent) {
	if err := p.publish(ctx, "cmd_ack", p.config.AckTopic, event); err != nil {
		p.logger.Printf("Failed to forward ack %s: %v", event.CorrelationID, err)
	}
}

// PublishIncident публикует инцидент
func (p *Publisher) PublishIncident(ctx context.Context, incident common.Incident) error {
	return p.publish(ctx, "incident", p.config.IncidentTopic, incident)
}

// PublishTelemetry публикует принятую телеметрию
func (p *Publisher) PublishTelemetry(ctx context.Context, telemetry common.Telemetry) error {
	return p.publish(ctx, "telemetry", p.config.TelemetryTopic, telemetry)
}

func (p *Publisher) publish(ctx context.Context, channel, topic string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := p.publisher.PublishJSON(ctx, topic, v)
	metrics.ObserveBusPublish(channel, err)
	if err == nil {
		logging.Debugf(p.logger, "Published %s event to %s", channel, topic)
	}
	return err
}
