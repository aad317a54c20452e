package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"farmstack-bridge/audit"
	"farmstack-bridge/common"
	"farmstack-bridge/correlator"
	"farmstack-bridge/gateway"
)

// MockIssuer для тестирования
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) Issue(ctx context.Context, cmd common.Command) (*gateway.Result, error) {
	args := m.Called(ctx, cmd)
	res, _ := args.Get(0).(*gateway.Result)
	return res, args.Error(1)
}

// MockAuditor для тестирования
type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) Record(ctx context.Context, entry audit.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

type fakeHealth struct {
	connected bool
	pending   []correlator.PendingInfo
}

func (f fakeHealth) IsConnected() bool                  { return f.connected }
func (f fakeHealth) Pending() int                       { return len(f.pending) }
func (f fakeHealth) Snapshot() []correlator.PendingInfo { return f.pending }

const validBody = `{"site":"S","device":"D","asset_id":"A-01","relays":{"ch1":"ON"},"setpoints":{"t_max":28}}`

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cmd", strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewCommandHandlerRequiresIssuer(t *testing.T) {
	_, err := NewCommandHandler(nil, nil)
	assert.Error(t, err)
}

func TestPostCommandSuccess(t *testing.T) {
	issuer := new(MockIssuer)
	auditor := new(MockAuditor)
	issuer.On("Issue", mock.Anything, mock.MatchedBy(func(cmd common.Command) bool {
		return cmd.Site == "S" && cmd.Device == "D" && cmd.AssetID == "A-01" && cmd.Relays["ch1"] == "ON"
	})).Return(&gateway.Result{
		CorrelationID: "c1",
		Ack:           common.Ack{CorrelationID: "c1", OK: true, AssetID: "A-01"},
		Latency:       120 * time.Millisecond,
		Retries:       1,
	}, nil)
	auditor.On("Record", mock.Anything, mock.MatchedBy(func(entry audit.Entry) bool {
		return entry.CorrelationID == "c1" && entry.Command.CorrelationID == "c1" && entry.Retries == 1 && entry.Ack.LatencyMs == 120
	})).Return(nil)

	h, err := NewCommandHandler(issuer, auditor)
	require.NoError(t, err)
	rec := post(t, h, validBody)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "c1", body["correlation_id"])
	assert.Equal(t, float64(120), body["latency_ms"])
	assert.Equal(t, float64(1), body["retries"])
	ack := body["ack"].(map[string]interface{})
	assert.Equal(t, true, ack["ok"])

	issuer.AssertExpectations(t)
	auditor.AssertExpectations(t)
}

func TestPostCommandAuditFailureStillSucceeds(t *testing.T) {
	issuer := new(MockIssuer)
	auditor := new(MockAuditor)
	issuer.On("Issue", mock.Anything, mock.Anything).Return(&gateway.Result{CorrelationID: "c2", Ack: common.Ack{OK: true}}, nil)
	auditor.On("Record", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	h, _ := NewCommandHandler(issuer, auditor)
	rec := post(t, h, validBody)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostCommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		res        *gateway.Result
		expectCode int
		expectBody string
	}{
		{"Validation", fmt.Errorf("%w: asset_id is required", gateway.ErrValidation), nil, http.StatusBadRequest, CodeValidationFailed},
		{"Rejected", fmt.Errorf("%w: relay jammed", gateway.ErrRejected), &gateway.Result{Ack: common.Ack{CorrelationID: "c", Message: "relay jammed"}}, http.StatusBadGateway, CodeRejected},
		{"Timeout", fmt.Errorf("%w: no ack", gateway.ErrTimeout), nil, http.StatusGatewayTimeout, CodeAckTimeout},
		{"Broker down", fmt.Errorf("%w: not connected", gateway.ErrTransport), nil, http.StatusServiceUnavailable, CodeBrokerUnavailable},
		{"Busy", gateway.ErrBusy, nil, http.StatusServiceUnavailable, CodeTooManyPending},
		{"Shutdown", gateway.ErrShutdown, nil, http.StatusServiceUnavailable, CodeShuttingDown},
		{"Unknown", errors.New("boom"), nil, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := new(MockIssuer)
			auditor := new(MockAuditor)
			issuer.On("Issue", mock.Anything, mock.Anything).Return(tt.res, tt.err)

			h, _ := NewCommandHandler(issuer, auditor)
			rec := post(t, h, validBody)

			assert.Equal(t, tt.expectCode, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.expectBody, body["error"].(map[string]interface{})["code"])
			auditor.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
		})
	}
}

func TestPostCommandRejectedIncludesAck(t *testing.T) {
	issuer := new(MockIssuer)
	issuer.On("Issue", mock.Anything, mock.Anything).Return(
		&gateway.Result{Ack: common.Ack{CorrelationID: "c3", Message: "relay jammed"}},
		fmt.Errorf("%w: relay jammed", gateway.ErrRejected))

	h, _ := NewCommandHandler(issuer, nil)
	rec := post(t, h, validBody)

	body := decode(t, rec)
	ack := body["error"].(map[string]interface{})["ack"].(map[string]interface{})
	assert.Equal(t, "relay jammed", ack["message"])
}

func TestPostCommandBadPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Not JSON", `{`},
		{"Unknown field", `{"site":"S","device":"D","asset_id":"A","color":"red"}`},
		{"Relay not a string", `{"site":"S","device":"D","asset_id":"A","relays":{"ch1":1}}`},
		{"Sequence of scalars", `{"site":"S","device":"D","asset_id":"A","sequence":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := new(MockIssuer)
			h, _ := NewCommandHandler(issuer, nil)
			rec := post(t, h, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
		})
	}
}

func TestCommandMethodNotAllowed(t *testing.T) {
	h, _ := NewCommandHandler(new(MockIssuer), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cmd", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHealth(t *testing.T) {
	pending := []correlator.PendingInfo{{CorrelationID: "c1", State: "PENDING"}}

	rec := httptest.NewRecorder()
	NewHealthHandler(fakeHealth{connected: true, pending: pending}, fakeHealth{pending: pending}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["pending"])

	rec = httptest.NewRecorder()
	NewHealthHandler(fakeHealth{}, fakeHealth{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestMuxRoutes(t *testing.T) {
	source := fakeHealth{connected: true, pending: []correlator.PendingInfo{{CorrelationID: "c9", State: "RETRYING", Retries: 1}}}
	commands, _ := NewCommandHandler(new(MockIssuer), nil)
	server := httptest.NewServer(NewMux(commands, NewHealthHandler(source, source), NewPendingHandler(source)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/cmd/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot []correlator.PendingInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Len(t, snapshot, 1)
	assert.Equal(t, "c9", snapshot[0].CorrelationID)

	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
