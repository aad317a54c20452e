package incident

import (
	"context"
	"log"
	"sync"
	"time"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
)

// Async передает инциденты получателю из отдельной горутины через ограниченную очередь.
// Notify никогда не блокируется: при переполненной очереди инцидент отбрасывается.
type Async struct {
	sink     Sink
	queue    chan common.Incident
	timeout  time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewAsync запускает обработчик очереди размером size
func NewAsync(sink Sink, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	a := &Async{
		sink:     sink,
		queue:    make(chan common.Incident, size),
		timeout:  timeout,
		stopChan: make(chan struct{}),
		logger:   logging.New("[Incident-Queue] "),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Notify(_ context.Context, incident common.Incident) {
	select {
	case <-a.stopChan:
		a.logger.Printf("Warning: queue closed, dropping %s incident %s", incident.Type, incident.CorrelationID)
		metrics.IncDropped("incident_queue_closed")
		return
	default:
	}

	select {
	case a.queue <- incident:
	default:
		a.logger.Printf("Warning: queue full, dropping %s incident %s", incident.Type, incident.CorrelationID)
		metrics.IncDropped("incident_queue_full")
	}
}

// Close останавливает обработчик, доставив все, что уже в очереди
func (a *Async) Close() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
	})
}

func (a *Async) loop() {
	defer a.wg.Done()

	for {
		select {
		case incident := <-a.queue:
			a.deliver(incident)
		case <-a.stopChan:
			for {
				select {
				case incident := <-a.queue:
					a.deliver(incident)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(incident common.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	a.sink.Notify(ctx, incident)
}
