package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"farmstack-bridge/logging"
)

// ErrNotConnected возвращается при публикации без соединения с брокером
var ErrNotConnected = errors.New("mqtt: client not connected")

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Broker            string        `mapstructure:"broker"`             // Адрес брокера, например "tcp://localhost:1883"
	Username          string        `mapstructure:"username"`           // Имя пользователя (опционально)
	Password          string        `mapstructure:"password"`           // Пароль (опционально)
	ClientID          string        `mapstructure:"client_id"`          // ID клиента (генерируется если пустой)
	TopicPrefix       string        `mapstructure:"topic_prefix"`       // Префикс топиков фермы, например "v1/farm"
	StatusTopic       string        `mapstructure:"status_topic"`       // Топик статуса моста (LWT)
	QoS               byte          `mapstructure:"qos"`                // Quality of Service (0, 1, 2)
	KeepAlive         int           `mapstructure:"keep_alive"`         // Интервал keep alive в секундах
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`    // Таймаут подключения
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"` // Интервал между попытками подключения
	AutoReconnect     bool          `mapstructure:"auto_reconnect"`     // Автоматическое переподключение
	BufferSize        int           `mapstructure:"buffer_size"`        // Емкость канала входящих сообщений
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	return "farmstack-bridge-" + uuid.NewString()[:8]
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:            "tcp://localhost:1883",
		ClientID:          generateClientID(),
		TopicPrefix:       "v1/farm",
		StatusTopic:       "v1/farm/system/bridge/status",
		QoS:               1,
		KeepAlive:         60,
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		AutoReconnect:     true,
		BufferSize:        256,
	}
}

// Message представляет входящее сообщение из брокера
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// statusMessage публикуется в StatusTopic (online при подключении, offline как LWT)
type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id,omitempty"`
	Timestamp string `json:"ts"`
}

// pahoClient - часть интерфейса paho, которой пользуется Client
type pahoClient interface {
	Connect() mqttLib.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token
	SubscribeMultiple(filters map[string]byte, callback mqttLib.MessageHandler) mqttLib.Token
}

// Client представляет MQTT клиента: публикация команд и поток входящих сообщений
type Client struct {
	config     Config
	mqttClient pahoClient
	newClient  func(opts *mqttLib.ClientOptions) pahoClient
	messages   chan Message
	stopChan   chan struct{}
	stopOnce   sync.Once
	logger     *log.Logger
}

// NewClient создает нового MQTT клиента
func NewClient(config Config) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Client{
		config: config,
		newClient: func(opts *mqttLib.ClientOptions) pahoClient {
			return mqttLib.NewClient(opts)
		},
		messages: make(chan Message, config.BufferSize),
		stopChan: make(chan struct{}),
		logger:   logging.New("[MQTT-Client] "),
	}
}

// Filters возвращает подписки на телеметрию, статус, подтверждения и команды
func Filters(prefix string, qos byte) map[string]byte {
	return map[string]byte{
		prefix + "/+/+/telemetry/+": qos,
		prefix + "/+/+/status":      qos,
		prefix + "/+/+/ack":         qos,
		prefix + "/+/+/cmd":         qos,
	}
}

// Start подключается к брокеру. Если брокер недоступен, попытки продолжаются в фоне.
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.config.ReconnectInterval)
	opts.SetMaxReconnectInterval(c.config.ReconnectInterval * 5)
	opts.SetCleanSession(true)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	} else {
		c.logger.Println("MQTT authentication: DISABLED (anonymous mode)")
	}

	if c.config.StatusTopic != "" {
		will, err := c.statusPayload("offline")
		if err != nil {
			return err
		}
		opts.SetBinaryWill(c.config.StatusTopic, will, c.config.QoS, true)
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = c.newClient(opts)

	token := c.mqttClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.logger.Printf("Broker %s not reachable yet, retrying every %v in background", c.config.Broker, c.config.ReconnectInterval)
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Println("MQTT client started successfully")
	return nil
}

// Stop публикует статус offline и отключается от брокера
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Println("Stopping MQTT client...")
		close(c.stopChan)

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			if c.config.StatusTopic != "" {
				if payload, err := c.statusPayload("offline"); err == nil {
					c.mqttClient.Publish(c.config.StatusTopic, c.config.QoS, true, payload).WaitTimeout(time.Second)
				}
			}
			c.mqttClient.Disconnect(250)
			c.logger.Println("MQTT client disconnected")
		}
	})
	return nil
}

// Messages возвращает поток входящих сообщений
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// Publish публикует payload и ждет подтверждения брокера или отмены ctx
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	logging.Debugf(c.logger, "Published %d bytes to %s", len(payload), topic)
	return nil
}

// PublishJSON сериализует v и публикует результат
func (c *Client) PublishJSON(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return c.Publish(ctx, topic, payload)
}

// onConnectHandler вызывается при каждом (пере)подключении к брокеру
func (c *Client) onConnectHandler(_ mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")
	c.subscribe()
	c.publishOnline()
}

// subscribe подписывается на топики фермы; при переподключении вызывается заново
func (c *Client) subscribe() {
	filters := Filters(c.config.TopicPrefix, c.config.QoS)
	token := c.mqttClient.SubscribeMultiple(filters, c.onMessage)
	if token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to %d topics: %v", len(filters), token.Error())
		return
	}
	for filter := range filters {
		c.logger.Printf("Subscribed to topic: %s", filter)
	}
}

func (c *Client) publishOnline() {
	if c.config.StatusTopic == "" {
		return
	}
	payload, err := c.statusPayload("online")
	if err != nil {
		c.logger.Printf("Failed to build online status: %v", err)
		return
	}
	token := c.mqttClient.Publish(c.config.StatusTopic, c.config.QoS, true, payload)
	if token.WaitTimeout(c.config.ConnectTimeout) && token.Error() != nil {
		c.logger.Printf("Failed to publish online status: %v", token.Error())
	}
}

// onConnectionLostHandler вызывается при потере соединения
func (c *Client) onConnectionLostHandler(_ mqttLib.Client, err error) {
	c.logger.Printf("Connection lost: %v", err)
}

// onReconnectingHandler вызывается при попытке переподключения
func (c *Client) onReconnectingHandler(_ mqttLib.Client, _ *mqttLib.ClientOptions) {
	c.logger.Println("Attempting to reconnect to MQTT broker...")
}

// onMessage передает входящее сообщение в поток
func (c *Client) onMessage(_ mqttLib.Client, msg mqttLib.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	m := Message{Topic: msg.Topic(), Payload: payload, ReceivedAt: time.Now()}
	select {
	case c.messages <- m:
	case <-c.stopChan:
	case <-time.After(time.Second):
		c.logger.Printf("Warning: inbound channel is full, dropping message on %s", m.Topic)
	}
}

func (c *Client) statusPayload(status string) ([]byte, error) {
	payload, err := json.Marshal(statusMessage{
		Status:    status,
		ClientID:  c.config.ClientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status message: %w", err)
	}
	return payload, nil
}
