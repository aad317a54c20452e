// Package incident доставляет инциденты моста: в лог, в шину брокера и во внешний webhook.
// Доставка однонаправленная: ошибки логируются и не возвращаются вызывающему.
package incident

import (
	"context"
	"log"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
)

// Sink принимает инциденты
type Sink interface {
	Notify(ctx context.Context, incident common.Incident)
}

// SinkFunc позволяет использовать функцию как Sink
type SinkFunc func(ctx context.Context, incident common.Incident)

func (f SinkFunc) Notify(ctx context.Context, incident common.Incident) {
	f(ctx, incident)
}

// Multi рассылает инцидент всем получателям по очереди
type Multi struct {
	sinks []Sink
}

// NewMulti создает Multi; nil получатели пропускаются
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, sink := range sinks {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
	return m
}

func (m *Multi) Notify(ctx context.Context, incident common.Incident) {
	if m == nil {
		return
	}
	for _, sink := range m.sinks {
		sink.Notify(ctx, incident)
	}
}

// LogSink пишет инциденты в лог
type LogSink struct {
	logger *log.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logging.New("[Incident] ")}
}

func (s *LogSink) Notify(_ context.Context, incident common.Incident) {
	s.logger.Printf("%s: %s (correlation_id=%s site=%s device=%s asset=%s)",
		incident.Type, incident.Message, incident.CorrelationID, incident.SiteID, incident.Device, incident.AssetID)
}

// Publisher публикует инцидент в шину
type Publisher interface {
	PublishIncident(ctx context.Context, incident common.Incident) error
}

// BusSink передает инциденты в шину брокера
type BusSink struct {
	publisher Publisher
	logger    *log.Logger
}

func NewBusSink(publisher Publisher) *BusSink {
	return &BusSink{publisher: publisher, logger: logging.New("[Incident-Bus] ")}
}

func (s *BusSink) Notify(ctx context.Context, incident common.Incident) {
	if err := s.publisher.PublishIncident(ctx, incident); err != nil {
		s.logger.Printf("Failed to publish %s incident %s: %v", incident.Type, incident.CorrelationID, err)
	}
}
