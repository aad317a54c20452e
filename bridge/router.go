// Package bridge разбирает входящий поток брокера и раздает сообщения по обработчикам.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"farmstack-bridge/classifier"
	"farmstack-bridge/common"
	"farmstack-bridge/correlator"
	"farmstack-bridge/incident"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
	"farmstack-bridge/mqtt"
)

// Correlator - часть correlator.Correlator, которой пользуется Router
type Correlator interface {
	ResolveAck(ctx context.Context, ack common.Ack)
	Observe(cmd common.Command, retry correlator.RetryFunc) bool
}

// TelemetryPublisher передает телеметрию дальше по шине
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, telemetry common.Telemetry) error
}

// Publisher публикует payload в топик; нужен для повторов чужих команд
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config представляет параметры Router
type Config struct {
	TopicPrefix   string
	StatusTopic   string // Собственный статус моста, не считается устройством
	TrackObserved bool   // Отслеживать команды других издателей
}

// Router читает поток сообщений и вызывает обработчик по типу сообщения
type Router struct {
	config     Config
	classifier *classifier.Classifier
	correlator Correlator
	incidents  incident.Sink
	telemetry  TelemetryPublisher
	publisher  Publisher
	messages   <-chan mqtt.Message
	statusMu   sync.Mutex
	statuses   map[string]string // Последний статус по site/device
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *log.Logger
}

// NewRouter создает Router
func NewRouter(config Config, messages <-chan mqtt.Message, corr Correlator, incidents incident.Sink,
	telemetry TelemetryPublisher, publisher Publisher) *Router {
	return &Router{
		config:     config,
		classifier: classifier.New(config.TopicPrefix),
		correlator: corr,
		incidents:  incidents,
		telemetry:  telemetry,
		publisher:  publisher,
		messages:   messages,
		statuses:   make(map[string]string),
		stopChan:   make(chan struct{}),
		logger:     logging.New("[Router] "),
	}
}

// Start запускает обработку потока
func (r *Router) Start(ctx context.Context) {
	r.logger.Printf("Starting router for %s", r.config.TopicPrefix)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop останавливает обработку и ждет завершения горутины
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.logger.Println("Router stopped")
	})
}

func (r *Router) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-r.messages:
			if !ok {
				r.logger.Println("Message stream closed")
				return
			}
			r.Handle(ctx, msg)
		}
	}
}

// Handle обрабатывает одно сообщение. Ошибки логируются и не прерывают обработку потока.
// Безопасен для вызова из нескольких горутин.
func (r *Router) Handle(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("Recovered from panic while handling %s: %v", msg.Topic, rec)
			metrics.IncDropped("panic")
		}
	}()

	if msg.Topic == r.config.StatusTopic {
		return
	}

	env, err := r.classifier.Classify(msg.Topic, msg.Payload)
	if err != nil {
		r.drop(msg, err)
		return
	}
	metrics.IncInbound(string(env.Kind))

	switch env.Kind {
	case classifier.KindAck:
		r.correlator.ResolveAck(ctx, *env.Ack)
	case classifier.KindCommand:
		r.handleCommand(env, msg.Payload)
	case classifier.KindStatus:
		r.handleStatus(ctx, env)
	case classifier.KindTelemetry:
		if err := r.telemetry.PublishTelemetry(ctx, *env.Telemetry); err != nil {
			r.logger.Printf("Failed to forward telemetry from %s: %v", msg.Topic, err)
		}
	}
}

func (r *Router) drop(msg mqtt.Message, err error) {
	switch {
	case errors.Is(err, classifier.ErrUnknownTopic):
		metrics.IncDropped("unknown_topic")
	case errors.Is(err, classifier.ErrInvalidPayload):
		metrics.IncDropped("invalid_payload")
	default:
		metrics.IncDropped("unknown")
	}
	r.logger.Printf("Warning: dropping message on %s: %v", msg.Topic, err)
}

// handleCommand отслеживает команды, опубликованные другими издателями.
// Эхо собственных команд и их повторов Correlator игнорирует сам.
func (r *Router) handleCommand(env *classifier.Envelope, payload []byte) {
	if !r.config.TrackObserved {
		return
	}
	raw := append([]byte(nil), payload...)
	topic := env.Topic
	retry := func(ctx context.Context, cmd common.Command, attempt int) error {
		r.logger.Printf("Republishing observed command %s to %s (retry %d)", cmd.CorrelationID, topic, attempt)
		return r.publisher.Publish(ctx, topic, raw)
	}
	if r.correlator.Observe(*env.Command, retry) {
		logging.Debugf(r.logger, "Tracking observed command %s on %s", env.Command.CorrelationID, topic)
	}
}

// handleStatus поднимает DEVICE_OFFLINE при переходе устройства в offline
func (r *Router) handleStatus(ctx context.Context, env *classifier.Envelope) {
	status := env.Status
	key := status.Site + "/" + status.Device
	r.statusMu.Lock()
	previous, seen := r.statuses[key]
	r.statuses[key] = status.Status
	r.statusMu.Unlock()

	if status.Status != "offline" || (seen && previous == "offline") {
		logging.Debugf(r.logger, "Status %s for %s", status.Status, key)
		return
	}

	r.logger.Printf("Device %s reported offline", key)
	metrics.IncIncident(common.IncidentDeviceOffline)
	r.incidents.Notify(ctx, common.Incident{
		Type:      common.IncidentDeviceOffline,
		Message:   fmt.Sprintf("Device %s at %s went offline", status.Device, status.Site),
		SiteID:    status.Site,
		Device:    status.Device,
		Timestamp: time.Now().UTC(),
	})
}
