// Package gateway публикует команды устройствам и ждет их подтверждения.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"farmstack-bridge/common"
	"farmstack-bridge/correlator"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
)

var (
	ErrValidation = errors.New("gateway: invalid command")
	ErrTransport  = errors.New("gateway: publish failed")
	ErrBusy       = errors.New("gateway: too many commands in flight")
	ErrRejected   = errors.New("gateway: command rejected")
	ErrTimeout    = errors.New("gateway: ack timeout")
	ErrShutdown   = errors.New("gateway: shutting down")
	ErrCancelled  = errors.New("gateway: command cancelled")
)

// Publisher публикует payload в топик
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Tracker отслеживает команды до подтверждения
type Tracker interface {
	Track(cmd common.Command, policy correlator.RetryPolicy, retry correlator.RetryFunc) (<-chan correlator.Outcome, error)
	Cancel(id string, reason error) bool
}

// Result представляет подтвержденную команду
type Result struct {
	CorrelationID string
	Topic         string
	Ack           common.Ack
	Latency       time.Duration
	Retries       int
}

// Gateway - блокирующий фасад публикации команд
type Gateway struct {
	prefix    string
	publisher Publisher
	tracker   Tracker
	policy    correlator.RetryPolicy
	slack     time.Duration
	newID     func() string
	now       func() time.Time
	logger    *log.Logger
}

// Option настраивает Gateway
type Option func(*Gateway)

// WithPolicy задает политику повторов для всех команд
func WithPolicy(policy correlator.RetryPolicy) Option {
	return func(g *Gateway) { g.policy = policy }
}

// WithWaitSlack задает запас к жесткому таймауту ожидания
func WithWaitSlack(slack time.Duration) Option {
	return func(g *Gateway) {
		if slack >= 0 {
			g.slack = slack
		}
	}
}

// WithIDGenerator подменяет генератор correlation id
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) {
		if newID != nil {
			g.newID = newID
		}
	}
}

// New создает Gateway для префикса топиков prefix
func New(prefix string, publisher Publisher, tracker Tracker, opts ...Option) *Gateway {
	g := &Gateway{
		prefix:    strings.TrimSuffix(prefix, "/"),
		publisher: publisher,
		tracker:   tracker,
		policy:    correlator.DefaultPolicy(),
		slack:     time.Second,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    logging.New("[Gateway] "),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Topic возвращает топик команд устройства
func Topic(prefix, site, device string) string {
	return fmt.Sprintf("%s/%s/%s/cmd", strings.TrimSuffix(prefix, "/"), site, device)
}

// MaxWait возвращает жесткий таймаут ожидания Issue
func (g *Gateway) MaxWait() time.Duration {
	return g.policy.MaxWait() + g.slack
}

// Issue публикует команду и ждет ее итога.
// При ErrRejected возвращается и Result с подтверждением устройства.
func (g *Gateway) Issue(ctx context.Context, cmd common.Command) (*Result, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = g.newID()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = g.now().UTC()
	}

	topic := Topic(g.prefix, cmd.Site, cmd.Device)
	payload, err := json.Marshal(cmd.Payload())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Отслеживание до публикации: подтверждение может обогнать ответ брокера
	outcomes, err := g.tracker.Track(cmd, g.policy, g.retry(topic, payload))
	switch {
	case errors.Is(err, correlator.ErrClosed):
		return nil, fmt.Errorf("%w: %w", ErrShutdown, err)
	case errors.Is(err, correlator.ErrTableFull):
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	metrics.IncCommandIssued()

	// Жесткий таймаут считается от начала ожидания, включая публикацию
	wait := g.MaxWait()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	if err := g.publish(ctx, topic, payload); err != nil {
		reason := fmt.Errorf("%w: %w", ErrTransport, err)
		if ctx.Err() != nil {
			reason = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		if g.tracker.Cancel(cmd.CorrelationID, reason) {
			g.logger.Printf("Failed to publish command %s to %s: %v", cmd.CorrelationID, topic, err)
			return nil, reason
		}
		return g.result(topic, <-outcomes)
	}
	g.logger.Printf("Command published: topic=%s correlation_id=%s asset=%s", topic, cmd.CorrelationID, cmd.AssetID)

	var reason error
	select {
	case outcome := <-outcomes:
		return g.result(topic, outcome)
	case <-timer.C:
		reason = fmt.Errorf("%w: no outcome for %s within %v", ErrTimeout, cmd.CorrelationID, wait)
	case <-ctx.Done():
		reason = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	if g.tracker.Cancel(cmd.CorrelationID, reason) {
		return nil, reason
	}
	// Итог уже доставляется: он важнее причины отмены
	return g.result(topic, <-outcomes)
}

// publish ограничивает ожидание брокера дедлайном одной попытки: токен paho
// может висеть, пока клиент переподключается
func (g *Gateway) publish(ctx context.Context, topic string, payload []byte) error {
	timeout := g.policy.Timeout
	if timeout <= 0 {
		timeout = correlator.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.publisher.Publish(ctx, topic, payload)
}

// retry публикует тот же payload под тем же correlation id
func (g *Gateway) retry(topic string, payload []byte) correlator.RetryFunc {
	return func(ctx context.Context, cmd common.Command, attempt int) error {
		g.logger.Printf("Republishing command %s to %s (retry %d)", cmd.CorrelationID, topic, attempt)
		return g.publisher.Publish(ctx, topic, payload)
	}
}

func (g *Gateway) result(topic string, outcome correlator.Outcome) (*Result, error) {
	res := &Result{
		CorrelationID: outcome.CorrelationID,
		Topic:         topic,
		Latency:       outcome.Latency,
		Retries:       outcome.Retries,
	}
	if outcome.Ack != nil {
		res.Ack = *outcome.Ack
	}

	switch outcome.Status {
	case correlator.StatusAcked:
		return res, nil
	case correlator.StatusRejected:
		message := res.Ack.Message
		if message == "" {
			message = "Command rejected"
		}
		return res, fmt.Errorf("%w: %s", ErrRejected, message)
	case correlator.StatusTimeout:
		return nil, fmt.Errorf("%w: no ack for %s after %d retries", ErrTimeout, outcome.CorrelationID, outcome.Retries)
	case correlator.StatusShutdown:
		return nil, fmt.Errorf("%w: %w", ErrShutdown, outcome.Err)
	default:
		return nil, fmt.Errorf("%w: %s: %w", ErrCancelled, outcome.Status, outcome.Err)
	}
}

// Validate проверяет адрес и содержимое команды
func Validate(cmd common.Command) error {
	var errs []error
	for _, field := range []struct{ name, value string }{
		{"site", cmd.Site},
		{"device", cmd.Device},
		{"asset_id", cmd.AssetID},
	} {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrValidation, field.name))
		}
	}
	for name, value := range map[string]string{"site": cmd.Site, "device": cmd.Device} {
		if strings.ContainsAny(value, "/+#") {
			errs = append(errs, fmt.Errorf("%w: %s must be a single topic segment, got %q", ErrValidation, name, value))
		}
	}

	for channel, state := range cmd.Relays {
		if state != common.RelayOn && state != common.RelayOff {
			errs = append(errs, fmt.Errorf("%w: relay %s must be ON or OFF, got %q", ErrValidation, channel, state))
		}
	}
	for key, value := range cmd.Setpoints {
		if !isSetpointValue(value) {
			errs = append(errs, fmt.Errorf("%w: setpoint %s must be a number or a string", ErrValidation, key))
		}
	}
	for i, step := range cmd.Sequence {
		if step == nil {
			errs = append(errs, fmt.Errorf("%w: sequence[%d] must be an object", ErrValidation, i))
		}
	}
	return errors.Join(errs...)
}

func isSetpointValue(v interface{}) bool {
	switch v.(type) {
	case string, json.Number, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}
