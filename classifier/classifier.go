// Package classifier определяет тип входящего сообщения фермы по топику и проверяет его схему.
package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"farmstack-bridge/common"
)

// Kind - тип входящего сообщения
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindStatus    Kind = "status"
	KindAck       Kind = "ack"
	KindCommand   Kind = "cmd"
)

var (
	// ErrUnknownTopic - топик не относится ни к одному известному типу
	ErrUnknownTopic = errors.New("classifier: unknown topic")
	// ErrInvalidPayload - payload не прошел проверку схемы
	ErrInvalidPayload = errors.New("classifier: invalid payload")
)

// Status представляет сообщение о статусе устройства
type Status struct {
	Status string          `json:"status"`
	Device string          `json:"device,omitempty"`
	Site   string          `json:"site,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// Envelope представляет классифицированное и проверенное сообщение
type Envelope struct {
	Kind      Kind
	Topic     string
	Site      string
	Device    string
	Scope     string // Только для телеметрии: последний сегмент топика
	Telemetry *common.Telemetry
	Status    *Status
	Ack       *common.Ack
	Command   *common.Command
}

// decoder проверяет payload и заполняет соответствующее поле Envelope
type decoder func(env *Envelope, fields map[string]json.RawMessage, payload []byte) error

// decoders содержит проверку схемы для каждого типа
var decoders = map[Kind]decoder{
	KindTelemetry: decodeTelemetry,
	KindStatus:    decodeStatus,
	KindAck:       decodeAck,
	KindCommand:   decodeCommand,
}

// Classifier разбирает топики вида <prefix>/<site>/<device>/<kind>[/<scope>]
type Classifier struct {
	prefix string
}

// New создает классификатор для префикса топиков, например "v1/farm"
func New(prefix string) *Classifier {
	return &Classifier{prefix: strings.TrimSuffix(prefix, "/")}
}

// Classify определяет тип сообщения и проверяет payload
func (c *Classifier) Classify(topic string, payload []byte) (*Envelope, error) {
	env, err := c.parseTopic(topic)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: %s payload is not a JSON object", ErrInvalidPayload, env.Kind)
	}

	if err := decoders[env.Kind](env, fields, payload); err != nil {
		return nil, err
	}
	return env, nil
}

// parseTopic определяет тип, площадку и устройство по топику
func (c *Classifier) parseTopic(topic string) (*Envelope, error) {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	env := &Envelope{Topic: topic, Site: parts[0], Device: parts[1]}
	switch {
	case len(parts) == 4 && parts[2] == "telemetry" && parts[3] != "":
		env.Kind = KindTelemetry
		env.Scope = parts[3]
	case len(parts) == 3 && parts[2] == "status":
		env.Kind = KindStatus
	case len(parts) == 3 && parts[2] == "ack":
		env.Kind = KindAck
	case len(parts) == 3 && parts[2] == "cmd":
		env.Kind = KindCommand
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return env, nil
}

// decodeTelemetry требует объект metrics с числами либо хотя бы одно числовое поле
func decodeTelemetry(env *Envelope, fields map[string]json.RawMessage, payload []byte) error {
	if raw, ok := fields["ts"]; ok {
		if _, err := parseTimestamp(raw); err != nil {
			return fmt.Errorf("%w: telemetry ts: %v", ErrInvalidPayload, err)
		}
	}

	if raw, ok := fields["metrics"]; ok {
		var metrics map[string]json.RawMessage
		if err := json.Unmarshal(raw, &metrics); err != nil || len(metrics) == 0 {
			return fmt.Errorf("%w: telemetry metrics must be a non-empty object", ErrInvalidPayload)
		}
		for name, value := range metrics {
			if !isNumber(value) && !isNull(value) {
				return fmt.Errorf("%w: telemetry metric %q is not a number", ErrInvalidPayload, name)
			}
		}
	} else {
		numeric := false
		for _, value := range fields {
			if isNumber(value) {
				numeric = true
				break
			}
		}
		if !numeric {
			return fmt.Errorf("%w: telemetry carries no numeric readings", ErrInvalidPayload)
		}
	}

	env.Telemetry = &common.Telemetry{
		Topic:   env.Topic,
		Site:    env.Site,
		Device:  env.Device,
		Scope:   env.Scope,
		Payload: json.RawMessage(payload),
	}
	return nil
}

// decodeStatus требует строковое поле status
func decodeStatus(env *Envelope, fields map[string]json.RawMessage, payload []byte) error {
	var status Status
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("%w: status: %v", ErrInvalidPayload, err)
	}
	status.Status = strings.ToLower(strings.TrimSpace(status.Status))
	if status.Status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidPayload)
	}
	if status.Device == "" {
		status.Device = env.Device
	}
	if status.Site == "" {
		status.Site = env.Site
	}
	status.Raw = json.RawMessage(payload)
	env.Status = &status
	return nil
}

// decodeAck требует correlation_id и ok; при ok=false обязателен message
func decodeAck(env *Envelope, fields map[string]json.RawMessage, payload []byte) error {
	id, err := stringField(fields, "correlation_id")
	if err != nil || id == "" {
		return fmt.Errorf("%w: ack correlation_id is required", ErrInvalidPayload)
	}

	raw, ok := fields["ok"]
	if !ok {
		return fmt.Errorf("%w: ack ok is required", ErrInvalidPayload)
	}
	okValue, err := parseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: ack ok: %v", ErrInvalidPayload, err)
	}

	message, err := stringField(fields, "message")
	if err != nil {
		return fmt.Errorf("%w: ack message must be a string", ErrInvalidPayload)
	}
	if !okValue && message == "" {
		return fmt.Errorf("%w: ack message is required when ok=false", ErrInvalidPayload)
	}

	assetID, err := stringField(fields, "asset_id")
	if err != nil {
		return fmt.Errorf("%w: ack asset_id must be a string", ErrInvalidPayload)
	}

	env.Ack = &common.Ack{
		CorrelationID: id,
		OK:            okValue,
		AssetID:       assetID,
		Message:       message,
		Raw:           json.RawMessage(payload),
	}
	return nil
}

// decodeCommand разбирает команду, увиденную в топике cmd
func decodeCommand(env *Envelope, fields map[string]json.RawMessage, payload []byte) error {
	var body struct {
		AssetID       string                   `json:"asset_id"`
		Relays        map[string]string        `json:"relays"`
		Setpoints     map[string]interface{}   `json:"setpoints"`
		Sequence      []map[string]interface{} `json:"sequence"`
		CorrelationID string                   `json:"correlation_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("%w: command: %v", ErrInvalidPayload, err)
	}
	if body.CorrelationID == "" {
		return fmt.Errorf("%w: command correlation_id is required", ErrInvalidPayload)
	}

	issuedAt := time.Now().UTC()
	if raw, ok := fields["ts"]; ok {
		if ts, err := parseTimestamp(raw); err == nil {
			issuedAt = ts
		}
	}

	env.Command = &common.Command{
		CorrelationID: body.CorrelationID,
		Site:          env.Site,
		Device:        env.Device,
		AssetID:       body.AssetID,
		Relays:        body.Relays,
		Setpoints:     body.Setpoints,
		Sequence:      body.Sequence,
		IssuedAt:      issuedAt,
	}
	return nil
}

// stringField возвращает строковое поле; отсутствующее или null поле дает ""
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// parseBool принимает true/false, а также "true"/"false" и 0/1, как это делают устройства
func parseBool(raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, errors.New("expected boolean, got null")
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseBool(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && (n == 0 || n == 1) {
		return n == 1, nil
	}
	return false, fmt.Errorf("expected boolean, got %s", string(raw))
}

// parseTimestamp принимает RFC 3339 строку или Unix время в секундах/миллисекундах
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		return time.Unix(int64(n), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %s", string(raw))
}

func isNumber(raw json.RawMessage) bool {
	var n float64
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' || isNull(trimmed) {
		return false
	}
	return json.Unmarshal(trimmed, &n) == nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
