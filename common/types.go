package common

import (
	"encoding/json"
	"time"
)

// Состояния реле, которые принимает устройство
const (
	RelayOn  = "ON"
	RelayOff = "OFF"
)

// Типы инцидентов
const (
	IncidentCommandTimeout  = "COMMAND_TIMEOUT"
	IncidentDeviceOffline   = "DEVICE_OFFLINE"
	IncidentCommandRejected = "COMMAND_REJECTED"
)

// Command представляет команду для устройства на ферме
type Command struct {
	CorrelationID string                   `json:"correlation_id"`      // ID для сопоставления команды и подтверждения
	Site          string                   `json:"site,omitempty"`      // Площадка (часть топика)
	Device        string                   `json:"device,omitempty"`    // Устройство (часть топика)
	AssetID       string                   `json:"asset_id"`            // Актив, которым управляет команда
	Relays        map[string]string        `json:"relays,omitempty"`    // Канал -> "ON"/"OFF"
	Setpoints     map[string]interface{}   `json:"setpoints,omitempty"` // Уставки: число или строка
	Sequence      []map[string]interface{} `json:"sequence,omitempty"`  // Упорядоченная последовательность действий
	IssuedAt      time.Time                `json:"ts"`
}

// CommandPayload представляет тело команды, публикуемое в брокер.
// Site и Device уходят в топик, а не в тело.
type CommandPayload struct {
	AssetID       string                   `json:"asset_id"`
	Relays        map[string]string        `json:"relays,omitempty"`
	Setpoints     map[string]interface{}   `json:"setpoints,omitempty"`
	Sequence      []map[string]interface{} `json:"sequence,omitempty"`
	CorrelationID string                   `json:"correlation_id"`
	Timestamp     string                   `json:"ts"`
}

// Payload возвращает тело команды для публикации
func (c Command) Payload() CommandPayload {
	return CommandPayload{
		AssetID:       c.AssetID,
		Relays:        c.Relays,
		Setpoints:     c.Setpoints,
		Sequence:      c.Sequence,
		CorrelationID: c.CorrelationID,
		Timestamp:     c.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Ack представляет подтверждение команды от устройства
type Ack struct {
	CorrelationID string          `json:"correlation_id"`
	OK            bool            `json:"ok"`
	AssetID       string          `json:"asset_id,omitempty"`
	Message       string          `json:"message,omitempty"` // Обязательно при ok=false
	Raw           json.RawMessage `json:"-"`                 // Исходный payload со всеми полями устройства
}

// AckEvent представляет подтверждение, переданное дальше по шине, вместе с задержкой
type AckEvent struct {
	Ack
	LatencyMs int64 `json:"latency_ms"`
}

// MarshalJSON сохраняет поля устройства из исходного payload
func (e AckEvent) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(e.Ack.Raw) > 0 {
		if err := json.Unmarshal(e.Ack.Raw, &out); err != nil {
			out = map[string]interface{}{}
		}
	}
	out["correlation_id"] = e.CorrelationID
	out["ok"] = e.OK
	if e.AssetID != "" {
		out["asset_id"] = e.AssetID
	}
	if e.Message != "" {
		out["message"] = e.Message
	}
	out["latency_ms"] = e.LatencyMs
	return json.Marshal(out)
}

// Incident представляет запись об инциденте для оповещения
type Incident struct {
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SiteID        string    `json:"site_id,omitempty"`
	Device        string    `json:"device,omitempty"`
	AssetID       string    `json:"asset_id,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// Telemetry представляет принятое сообщение телеметрии
type Telemetry struct {
	Topic   string          `json:"topic"`
	Site    string          `json:"site"`
	Device  string          `json:"device"`
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}
