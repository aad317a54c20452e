package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"farmstack-bridge/common"
	"farmstack-bridge/correlator"
	"farmstack-bridge/mqtt"
)

// MockCorrelator для тестирования
type MockCorrelator struct {
	mock.Mock
}

func (m *MockCorrelator) ResolveAck(ctx context.Context, ack common.Ack) {
	m.Called(ctx, ack)
}

func (m *MockCorrelator) Observe(cmd common.Command, retry correlator.RetryFunc) bool {
	args := m.Called(cmd, retry)
	return args.Bool(0)
}

// MockTelemetry для тестирования
type MockTelemetry struct {
	mock.Mock
}

func (m *MockTelemetry) PublishTelemetry(ctx context.Context, telemetry common.Telemetry) error {
	args := m.Called(ctx, telemetry)
	return args.Error(0)
}

// MockPublisher для тестирования
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

type incidentCollector struct {
	mu        sync.Mutex
	incidents []common.Incident
}

func (c *incidentCollector) Notify(_ context.Context, incident common.Incident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = append(c.incidents, incident)
}

func (c *incidentCollector) All() []common.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Incident(nil), c.incidents...)
}

type routerFixture struct {
	router    *Router
	corr      *MockCorrelator
	telemetry *MockTelemetry
	publisher *MockPublisher
	incidents *incidentCollector
	messages  chan mqtt.Message
}

func newRouterFixture(trackObserved bool) *routerFixture {
	f := &routerFixture{
		corr:      new(MockCorrelator),
		telemetry: new(MockTelemetry),
		publisher: new(MockPublisher),
		incidents: &incidentCollector{},
		messages:  make(chan mqtt.Message, 8),
	}
	f.router = NewRouter(Config{
		TopicPrefix:   "v1/farm",
		StatusTopic:   "v1/farm/system/bridge/status",
		TrackObserved: trackObserved,
	}, f.messages, f.corr, f.incidents, f.telemetry, f.publisher)
	return f
}

func message(topic, payload string) mqtt.Message {
	return mqtt.Message{Topic: topic, Payload: []byte(payload), ReceivedAt: time.Now()}
}

func TestHandleAckResolves(t *testing.T) {
	f := newRouterFixture(true)
	f.corr.On("ResolveAck", mock.Anything, mock.MatchedBy(func(ack common.Ack) bool {
		return ack.CorrelationID == "c1" && ack.OK && ack.AssetID == "A-01"
	})).Return()

	f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `{"correlation_id":"c1","ok":true,"asset_id":"A-01"}`))

	f.corr.AssertExpectations(t)
}

func TestHandleMalformedIsDropped(t *testing.T) {
	f := newRouterFixture(true)

	f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `{"ok":true}`))
	f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `garbage`))
	f.router.Handle(context.Background(), message("v1/farm/S/D/unknown", `{}`))

	f.corr.AssertNotCalled(t, "ResolveAck", mock.Anything, mock.Anything)
	assert.Empty(t, f.incidents.All())
}

func TestHandleCommandObservesForeignCommand(t *testing.T) {
	f := newRouterFixture(true)
	payload := `{"asset_id":"A-01","relays":{"ch1":"OFF"},"correlation_id":"foreign","ts":"2024-05-01T10:00:00Z"}`

	var retry correlator.RetryFunc
	f.corr.On("Observe", mock.MatchedBy(func(cmd common.Command) bool {
		return cmd.CorrelationID == "foreign" && cmd.Site == "S" && cmd.Device == "D"
	}), mock.Anything).Run(func(args mock.Arguments) {
		retry = args.Get(1).(correlator.RetryFunc)
	}).Return(true)
	f.publisher.On("Publish", mock.Anything, "v1/farm/S/D/cmd", []byte(payload)).Return(nil)

	f.router.Handle(context.Background(), message("v1/farm/S/D/cmd", payload))
	require.NotNil(t, retry)

	require.NoError(t, retry(context.Background(), common.Command{CorrelationID: "foreign"}, 1))
	f.corr.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func TestHandleCommandIgnoredWhenTrackingDisabled(t *testing.T) {
	f := newRouterFixture(false)

	f.router.Handle(context.Background(), message("v1/farm/S/D/cmd", `{"correlation_id":"foreign"}`))

	f.corr.AssertNotCalled(t, "Observe", mock.Anything, mock.Anything)
}

func TestHandleStatusOfflineRaisesIncidentOnce(t *testing.T) {
	f := newRouterFixture(true)
	ctx := context.Background()

	f.router.Handle(ctx, message("v1/farm/S1/D1/status", `{"status":"online"}`))
	f.router.Handle(ctx, message("v1/farm/S1/D1/status", `{"status":"offline"}`))
	f.router.Handle(ctx, message("v1/farm/S1/D1/status", `{"status":"offline"}`))
	f.router.Handle(ctx, message("v1/farm/S1/D1/status", `{"status":"online"}`))
	f.router.Handle(ctx, message("v1/farm/S1/D1/status", `{"status":"OFFLINE"}`))

	incidents := f.incidents.All()
	require.Len(t, incidents, 2)
	assert.Equal(t, common.IncidentDeviceOffline, incidents[0].Type)
	assert.Equal(t, "S1", incidents[0].SiteID)
	assert.Equal(t, "D1", incidents[0].Device)
}

func TestHandleStatusConcurrent(t *testing.T) {
	f := newRouterFixture(true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.router.Handle(ctx, message("v1/farm/S/"+device+"/status", `{"status":"online"}`))
				f.router.Handle(ctx, message("v1/farm/S/"+device+"/status", `{"status":"offline"}`))
			}
		}(fmt.Sprintf("D%d", i))
	}
	wg.Wait()

	assert.Len(t, f.incidents.All(), 8*20)
}

func TestHandleRejectedAckWithoutMessageDropped(t *testing.T) {
	f := newRouterFixture(true)
	f.corr.On("ResolveAck", mock.Anything, mock.MatchedBy(func(ack common.Ack) bool {
		return ack.CorrelationID == "ghost" && !ack.OK && ack.Message == "relay jammed"
	})).Return()

	f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `{"correlation_id":"ghost","ok":false}`))
	f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `{"correlation_id":"ghost","ok":false,"message":"relay jammed"}`))

	f.corr.AssertNumberOfCalls(t, "ResolveAck", 1)
}

func TestLateEchoOfAckedCommandNotRepublished(t *testing.T) {
	incidents := &incidentCollector{}
	policy := correlator.RetryPolicy{Limit: 2, Timeout: 20 * time.Millisecond}
	corr := correlator.New(correlator.WithPolicy(policy), correlator.WithIncidentSink(incidents))
	defer corr.Close()

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	router := NewRouter(Config{TopicPrefix: "v1/farm", TrackObserved: true},
		make(chan mqtt.Message), corr, incidents, new(MockTelemetry), publisher)

	ch, err := corr.Track(common.Command{CorrelationID: "own-1", Site: "S", Device: "D", AssetID: "A-01"}, policy, nil)
	require.NoError(t, err)
	corr.ResolveAck(context.Background(), common.Ack{CorrelationID: "own-1", OK: true})
	assert.Equal(t, correlator.StatusAcked, (<-ch).Status)

	router.Handle(context.Background(), message("v1/farm/S/D/cmd", `{"correlation_id":"own-1","asset_id":"A-01","relays":{"ch1":"ON"}}`))

	assert.Equal(t, 0, corr.Pending(), "echo is not tracked")
	time.Sleep(150 * time.Millisecond)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, incidents.All())
}

func TestHandleOwnStatusIgnored(t *testing.T) {
	f := newRouterFixture(true)

	f.router.Handle(context.Background(), message("v1/farm/system/bridge/status", `{"status":"offline"}`))

	assert.Empty(t, f.incidents.All())
}

func TestHandleTelemetryForwarded(t *testing.T) {
	f := newRouterFixture(true)
	f.telemetry.On("PublishTelemetry", mock.Anything, mock.MatchedBy(func(tel common.Telemetry) bool {
		return tel.Scope == "env" && tel.Site == "S" && tel.Device == "D"
	})).Return(errors.New("bus down"))

	assert.NotPanics(t, func() {
		f.router.Handle(context.Background(), message("v1/farm/S/D/telemetry/env", `{"metrics":{"t_c":21.5}}`))
	})
	f.telemetry.AssertExpectations(t)
}

func TestHandleRecoversFromPanic(t *testing.T) {
	f := newRouterFixture(true)
	f.corr.On("ResolveAck", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	assert.NotPanics(t, func() {
		f.router.Handle(context.Background(), message("v1/farm/S/D/ack", `{"correlation_id":"c1","ok":true}`))
	})
}

func TestRouterLoop(t *testing.T) {
	f := newRouterFixture(true)
	resolved := make(chan string, 2)
	f.corr.On("ResolveAck", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		resolved <- args.Get(1).(common.Ack).CorrelationID
	}).Return()

	f.router.Start(context.Background())
	f.messages <- message("v1/farm/S/D/ack", `{"correlation_id":"a1","ok":true}`)
	f.messages <- message("v1/farm/S/D/ack", `{"correlation_id":"a2","ok":true}`)

	for _, expected := range []string{"a1", "a2"} {
		select {
		case id := <-resolved:
			assert.Equal(t, expected, id)
		case <-time.After(time.Second):
			t.Fatal("ack not dispatched")
		}
	}

	f.router.Stop()
	f.router.Stop()
}

func TestRouterStopsOnClosedStream(t *testing.T) {
	f := newRouterFixture(true)
	f.router.Start(context.Background())
	close(f.messages)

	done := make(chan struct{})
	go func() {
		f.router.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}
