// Package api предоставляет HTTP интерфейс моста: отправка команд, здоровье и метрики.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"farmstack-bridge/audit"
	"farmstack-bridge/common"
	"farmstack-bridge/correlator"
	"farmstack-bridge/gateway"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
)

const maxBodyBytes = 1 << 20

// Коды ошибок в теле ответа
const (
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeRejected          = "CMD_REJECTED"
	CodeAckTimeout        = "CMD_ACK_TIMEOUT"
	CodeBrokerUnavailable = "BROKER_UNAVAILABLE"
	CodeTooManyPending    = "TOO_MANY_PENDING"
	CodeShuttingDown      = "SHUTTING_DOWN"
	CodeCancelled         = "CMD_CANCELLED"
	CodeInternal          = "INTERNAL"
)

// Issuer публикует команду и ждет подтверждения
type Issuer interface {
	Issue(ctx context.Context, cmd common.Command) (*gateway.Result, error)
}

// Auditor записывает отправленные команды
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// commandRequest - тело POST /api/cmd
type commandRequest struct {
	Site          string                   `json:"site"`
	Device        string                   `json:"device"`
	AssetID       string                   `json:"asset_id"`
	Relays        map[string]string        `json:"relays,omitempty"`
	Setpoints     map[string]interface{}   `json:"setpoints,omitempty"`
	Sequence      []map[string]interface{} `json:"sequence,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
}

type commandResponse struct {
	OK            bool            `json:"ok"`
	CorrelationID string          `json:"correlation_id"`
	Ack           common.AckEvent `json:"ack"`
	LatencyMs     int64           `json:"latency_ms"`
	Retries       int             `json:"retries"`
}

type errorBody struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Ack     *common.AckEvent `json:"ack,omitempty"`
}

type errorResponse struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

// CommandHandler обрабатывает POST /api/cmd
type CommandHandler struct {
	issuer  Issuer
	auditor Auditor
	logger  *log.Logger
}

// NewCommandHandler создает обработчик; auditor может быть nil
func NewCommandHandler(issuer Issuer, auditor Auditor) (*CommandHandler, error) {
	if issuer == nil {
		return nil, errors.New("api: nil command issuer")
	}
	return &CommandHandler{issuer: issuer, auditor: auditor, logger: logging.New("[API] ")}, nil
}

func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	var req commandRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "invalid command payload: "+err.Error(), nil)
		return
	}

	cmd := common.Command{
		CorrelationID: req.CorrelationID,
		Site:          req.Site,
		Device:        req.Device,
		AssetID:       req.AssetID,
		Relays:        req.Relays,
		Setpoints:     req.Setpoints,
		Sequence:      req.Sequence,
	}

	res, err := h.issuer.Issue(r.Context(), cmd)
	if err != nil {
		h.respondIssueError(w, res, err)
		return
	}

	ack := common.AckEvent{Ack: res.Ack, LatencyMs: res.Latency.Milliseconds()}
	writeJSON(w, http.StatusOK, commandResponse{
		OK:            true,
		CorrelationID: res.CorrelationID,
		Ack:           ack,
		LatencyMs:     ack.LatencyMs,
		Retries:       res.Retries,
	})

	h.recordAudit(r.Context(), cmd, res, ack)
}

func (h *CommandHandler) respondIssueError(w http.ResponseWriter, res *gateway.Result, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	var ack *common.AckEvent

	switch {
	case errors.Is(err, gateway.ErrValidation):
		status, code = http.StatusBadRequest, CodeValidationFailed
	case errors.Is(err, gateway.ErrRejected):
		status, code = http.StatusBadGateway, CodeRejected
		if res != nil {
			ack = &common.AckEvent{Ack: res.Ack, LatencyMs: res.Latency.Milliseconds()}
		}
	case errors.Is(err, gateway.ErrTimeout):
		status, code = http.StatusGatewayTimeout, CodeAckTimeout
	case errors.Is(err, gateway.ErrTransport):
		status, code = http.StatusServiceUnavailable, CodeBrokerUnavailable
	case errors.Is(err, gateway.ErrBusy):
		status, code = http.StatusServiceUnavailable, CodeTooManyPending
	case errors.Is(err, gateway.ErrShutdown):
		status, code = http.StatusServiceUnavailable, CodeShuttingDown
	case errors.Is(err, gateway.ErrCancelled):
		status, code = http.StatusServiceUnavailable, CodeCancelled
	}

	if status >= http.StatusInternalServerError {
		h.logger.Printf("Command failed (%s): %v", code, err)
	}
	writeError(w, status, code, err.Error(), ack)
}

// recordAudit пишет журнал после успешной команды; ошибка журнала не влияет на ответ
func (h *CommandHandler) recordAudit(ctx context.Context, cmd common.Command, res *gateway.Result, ack common.AckEvent) {
	if h.auditor == nil {
		return
	}
	cmd.CorrelationID = res.CorrelationID
	err := h.auditor.Record(ctx, audit.Entry{
		Action:        audit.ActionCommandSent,
		AssetID:       cmd.AssetID,
		Site:          cmd.Site,
		Device:        cmd.Device,
		CorrelationID: res.CorrelationID,
		Command:       cmd,
		Ack:           ack,
		Retries:       res.Retries,
	})
	if err != nil {
		h.logger.Printf("Failed to record audit entry for %s: %v", res.CorrelationID, err)
	}
}

// HealthChecker сообщает состояние моста
type HealthChecker interface {
	IsConnected() bool
}

// PendingSource возвращает таблицу команд в полете
type PendingSource interface {
	Pending() int
	Snapshot() []correlator.PendingInfo
}

// HealthHandler обрабатывает GET /healthz
type HealthHandler struct {
	broker  HealthChecker
	pending PendingSource
}

func NewHealthHandler(broker HealthChecker, pending PendingSource) *HealthHandler {
	return &HealthHandler{broker: broker, pending: pending}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	connected := h.broker.IsConnected()
	body := map[string]interface{}{
		"status":  "ok",
		"mqtt":    "connected",
		"pending": h.pending.Pending(),
	}
	status := http.StatusOK
	if !connected {
		body["status"] = "degraded"
		body["mqtt"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// PendingHandler обрабатывает GET /api/cmd/pending
type PendingHandler struct {
	pending PendingSource
}

func NewPendingHandler(pending PendingSource) *PendingHandler {
	return &PendingHandler{pending: pending}
}

func (h *PendingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pending.Snapshot())
}

// NewMux собирает маршруты HTTP сервера
func NewMux(commands *CommandHandler, health *HealthHandler, pending *PendingHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/cmd", commands)
	mux.Handle("/api/cmd/pending", pending)
	mux.Handle("/healthz", health)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, ack *common.AckEvent) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message, Ack: ack}})
}
