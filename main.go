package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"farmstack-bridge/api"
	"farmstack-bridge/audit"
	"farmstack-bridge/bridge"
	"farmstack-bridge/bus"
	"farmstack-bridge/config"
	"farmstack-bridge/correlator"
	"farmstack-bridge/gateway"
	"farmstack-bridge/incident"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
	"farmstack-bridge/mqtt"
)

var logger = logging.New("[Farmstack-Bridge] ")

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.yaml (default: ./config.yaml or /etc/farmstack/config.yaml)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logging.Configure(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()

	if err != nil {
		logger.Printf("Bridge stopped with error: %v", err)
		logging.Close()
		os.Exit(1)
	}
	logger.Println("Bridge stopped")
	logging.Close()
}

// app содержит все компоненты моста
type app struct {
	mqtt      *mqtt.Client
	incidents *incident.Async
	corr      *correlator.Correlator
	router    *bridge.Router
	audit     *audit.Logger
	server    *http.Server
}

// newApp собирает компоненты по конфигурации
func newApp(cfg *config.Config) (*app, error) {
	mqttClient := mqtt.NewClient(cfg.MQTT)
	publisher := bus.NewPublisher(cfg.Bus, mqttClient)

	sinks := []incident.Sink{incident.NewLogSink(), incident.NewBusSink(publisher)}
	if cfg.Incidents.WebhookURL != "" {
		webhook, err := incident.NewWebhookSink(cfg.Incidents.WebhookURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}
	incidents := incident.NewAsync(incident.NewMulti(sinks...), cfg.Incidents.QueueSize, 0)

	policy := cfg.Commands.Policy()
	corr := correlator.New(
		correlator.WithCapacity(cfg.Commands.MaxPending),
		correlator.WithPolicy(policy),
		correlator.WithIncidentSink(incidents),
		correlator.WithAckForwarder(publisher),
	)

	gw := gateway.New(cfg.MQTT.TopicPrefix, mqttClient, corr,
		gateway.WithPolicy(policy),
		gateway.WithWaitSlack(cfg.Commands.WaitSlack()),
	)

	router := bridge.NewRouter(bridge.Config{
		TopicPrefix:   cfg.MQTT.TopicPrefix,
		StatusTopic:   cfg.MQTT.StatusTopic,
		TrackObserved: cfg.Commands.TrackObserved,
	}, mqttClient.Messages(), corr, incidents, publisher, mqttClient)

	auditLog := audit.New(cfg.Audit)
	commands, err := api.NewCommandHandler(gw, auditLog)
	if err != nil {
		incidents.Close()
		return nil, err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewMux(commands, api.NewHealthHandler(mqttClient, corr), api.NewPendingHandler(corr)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &app{
		mqtt:      mqttClient,
		incidents: incidents,
		corr:      corr,
		router:    router,
		audit:     auditLog,
		server:    server,
	}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.Init()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	a.router.Start(ctx)
	if err := a.mqtt.Start(); err != nil {
		a.shutdown()
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("HTTP API listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Printf("Farmstack bridge started (ack timeout %v, retry limit %d). Press Ctrl+C to stop.",
		cfg.Commands.AckTimeout(), cfg.Commands.RetryLimit)

	select {
	case <-ctx.Done():
		logger.Println("Shutdown signal received")
	case err = <-serverErr:
		logger.Printf("HTTP server failed: %v", err)
	}

	a.shutdown()
	return err
}

// shutdown останавливает компоненты: ожидающие запросы получают SHUTTING_DOWN,
// очередь инцидентов дописывается в брокер до отключения
func (a *app) shutdown() {
	a.corr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		logger.Printf("HTTP server shutdown error: %v", err)
	}

	a.router.Stop()
	a.incidents.Close()
	if err := a.mqtt.Stop(); err != nil {
		logger.Printf("MQTT stop error: %v", err)
	}
	if err := a.audit.Close(); err != nil {
		logger.Printf("Audit log close error: %v", err)
	}
}
