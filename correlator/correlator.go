// Package correlator сопоставляет опубликованные команды с асинхронными подтверждениями.
//
// Каждая команда в полете хранится в таблице по correlation id вместе с таймером дедлайна.
// Подтверждение, таймаут с исчерпанием повторов, отмена и остановка удаляют запись из таблицы
// под общим мьютексом; кто удалил запись, тот и доставляет единственный итог ожидающему.
// Проигравший в гонке видит "не найдено" и ничего не делает.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
	"farmstack-bridge/metrics"
)

// DefaultTimeout - ожидание подтверждения на одну попытку
const DefaultTimeout = 3000 * time.Millisecond

// DefaultCapacity - емкость таблицы команд в полете
const DefaultCapacity = 1024

var (
	ErrEmptyCorrelationID = errors.New("correlator: correlation id is required")
	ErrTableFull          = errors.New("correlator: pending table is full")
	ErrClosed             = errors.New("correlator: closed")
	ErrAckTimeout         = errors.New("correlator: ack timeout")
	ErrRejected           = errors.New("correlator: command rejected")
	ErrCancelled          = errors.New("correlator: cancelled")
	ErrSuperseded         = errors.New("correlator: superseded by a newer command with the same correlation id")
	ErrShutdown           = errors.New("correlator: shutting down")
)

// Status - итог команды
type Status string

const (
	StatusAcked      Status = "acked"
	StatusRejected   Status = "rejected"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded"
	StatusShutdown   Status = "shutdown"
)

// Outcome доставляется ожидающему ровно один раз
type Outcome struct {
	CorrelationID string
	Status        Status
	Ack           *common.Ack
	Latency       time.Duration // От последней публикации до подтверждения
	Elapsed       time.Duration // От первой публикации
	Retries       int
	Err           error
}

// RetryPolicy задает дедлайн и повторы для одной команды
type RetryPolicy struct {
	Limit      int           // Количество повторных публикаций после первой
	Timeout    time.Duration // Дедлайн одной попытки
	Backoff    time.Duration // Пауза перед первым повтором, 0 - без паузы
	Multiplier float64       // Множитель паузы для следующих повторов, 1 - постоянная
}

// DefaultPolicy возвращает политику по умолчанию: 3000ms, 3 повтора без паузы
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{Limit: 3, Timeout: DefaultTimeout, Multiplier: 1}
}

// backoff возвращает паузу перед повтором номер attempt (с 1)
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 1 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(p.Backoff) * math.Pow(m, float64(attempt-1)))
}

// MaxWait возвращает время, за которое команда гарантированно получит итог:
// все попытки плюс все паузы между ними
func (p RetryPolicy) MaxWait() time.Duration {
	total := time.Duration(p.Limit+1) * p.Timeout
	for attempt := 1; attempt <= p.Limit; attempt++ {
		total += p.backoff(attempt)
	}
	return total
}

// RetryFunc повторно публикует команду под тем же correlation id
type RetryFunc func(ctx context.Context, cmd common.Command, attempt int) error

// IncidentSink принимает инциденты; вызов не должен блокироваться надолго
type IncidentSink interface {
	Notify(ctx context.Context, incident common.Incident)
}

// AckForwarder передает подтверждения с задержкой дальше по шине
type AckForwarder interface {
	ForwardAck(ctx context.Context, event common.AckEvent)
}

type nopSink struct{}

func (nopSink) Notify(context.Context, common.Incident)     {}
func (nopSink) ForwardAck(context.Context, common.AckEvent) {}

type entryState int

const (
	statePending entryState = iota
	stateRetrying
)

func (s entryState) String() string {
	if s == stateRetrying {
		return "RETRYING"
	}
	return "PENDING"
}

// entry - команда в полете
type entry struct {
	id        string
	cmd       common.Command
	createdAt time.Time
	attemptAt time.Time
	retries   int
	policy    RetryPolicy
	retry     RetryFunc
	waiter    chan Outcome // nil для команд других издателей
	timer     *time.Timer
	gen       uint64
	state     entryState
}

// PendingInfo описывает запись таблицы для диагностики
type PendingInfo struct {
	CorrelationID string        `json:"correlation_id"`
	AssetID       string        `json:"asset_id"`
	State         string        `json:"state"`
	Retries       int           `json:"retries"`
	Age           time.Duration `json:"age"`
	Observed      bool          `json:"observed"`
}

// finishedID - завершенная команда, эхо которой еще может прийти из брокера
type finishedID struct {
	id      string
	expires time.Time
}

// Correlator хранит таблицу команд в полете
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*entry
	finished  map[string]time.Time // id -> до какого момента Observe его игнорирует
	history   []finishedID         // Порядок завершения, не длиннее capacity
	capacity  int
	policy    RetryPolicy
	incidents IncidentSink
	acks      AckForwarder
	now       func() time.Time
	gen       uint64
	closed    bool
	logger    *log.Logger
}

// Option настраивает Correlator
type Option func(*Correlator)

// WithCapacity ограничивает размер таблицы
func WithCapacity(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithPolicy задает политику для команд других издателей и для Track с пустой политикой
func WithPolicy(p RetryPolicy) Option {
	return func(c *Correlator) {
		c.policy = c.normalize(p)
	}
}

// WithIncidentSink задает получателя инцидентов
func WithIncidentSink(sink IncidentSink) Option {
	return func(c *Correlator) {
		if sink != nil {
			c.incidents = sink
		}
	}
}

// WithAckForwarder задает получателя подтверждений
func WithAckForwarder(f AckForwarder) Option {
	return func(c *Correlator) {
		if f != nil {
			c.acks = f
		}
	}
}

// WithClock подменяет источник времени для расчета задержек
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// New создает Correlator
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending:   make(map[string]*entry),
		finished:  make(map[string]time.Time),
		capacity:  DefaultCapacity,
		policy:    DefaultPolicy(),
		incidents: nopSink{},
		acks:      nopSink{},
		now:       time.Now,
		logger:    logging.New("[Correlator] "),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy возвращает политику по умолчанию
func (c *Correlator) Policy() RetryPolicy {
	return c.policy
}

func (c *Correlator) normalize(p RetryPolicy) RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Limit < 0 {
		p.Limit = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Track регистрирует команду и запускает дедлайн. Канал получит ровно один Outcome.
// Если correlation id уже отслеживается, старая запись заменяется: ее таймер
// останавливается, а ожидающий получает StatusSuperseded.
func (c *Correlator) Track(cmd common.Command, policy RetryPolicy, retry RetryFunc) (<-chan Outcome, error) {
	if cmd.CorrelationID == "" {
		return nil, ErrEmptyCorrelationID
	}
	policy = c.normalize(policy)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	replaced, exists := c.pending[cmd.CorrelationID]
	if exists {
		c.removeLocked(replaced)
	} else if len(c.pending) >= c.capacity && !c.evictLocked() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (%d entries)", ErrTableFull, c.capacity)
	}

	e := c.newEntry(cmd, policy, retry)
	e.waiter = make(chan Outcome, 1)
	c.insertLocked(e)
	c.mu.Unlock()

	metrics.IncCommandTracked()
	logging.Debugf(c.logger, "Tracking command %s for asset %s (timeout %v, retry limit %d)",
		cmd.CorrelationID, cmd.AssetID, policy.Timeout, policy.Limit)

	if exists {
		c.logger.Printf("Warning: correlation id %s tracked twice, previous command superseded", cmd.CorrelationID)
		c.deliver(replaced, Outcome{Status: StatusSuperseded, Err: ErrSuperseded})
	}
	return e.waiter, nil
}

// Observe отслеживает команду другого издателя, увиденную в топике cmd.
// Уже отслеживаемый id игнорируется: так поглощаются эхо собственных команд и повторов.
// Id, завершенный не раньше чем MaxWait его политики назад, тоже игнорируется:
// повторная доставка эха уже выполненной команды не должна публиковать ее снова.
func (c *Correlator) Observe(cmd common.Command, retry RetryFunc) bool {
	if cmd.CorrelationID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.pending[cmd.CorrelationID]; ok {
		return false
	}
	if c.finishedLocked(cmd.CorrelationID) {
		logging.Debugf(c.logger, "Ignoring late echo of finished command %s", cmd.CorrelationID)
		return false
	}
	if len(c.pending) >= c.capacity && !c.evictLocked() {
		c.logger.Printf("Warning: pending table full, not tracking observed command %s", cmd.CorrelationID)
		return false
	}

	c.insertLocked(c.newEntry(cmd, c.policy, retry))
	metrics.IncCommandTracked()
	return true
}

// ResolveAck сопоставляет подтверждение с командой. Подтверждение без команды
// (например, пришедшее после исчерпания повторов) передается дальше с latency 0.
func (c *Correlator) ResolveAck(ctx context.Context, ack common.Ack) {
	c.mu.Lock()
	e, ok := c.pending[ack.CorrelationID]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if !ok {
		logging.Infof(c.logger, "ACK without pending command: %s (ok=%t)", ack.CorrelationID, ack.OK)
		metrics.IncOrphanAck()
		c.acks.ForwardAck(ctx, common.AckEvent{Ack: ack, LatencyMs: 0})
		return
	}

	now := c.now()
	latency := now.Sub(e.attemptAt)
	c.acks.ForwardAck(ctx, common.AckEvent{Ack: ack, LatencyMs: latency.Milliseconds()})
	metrics.ObserveAckLatency(latency)

	outcome := Outcome{
		Status:  StatusAcked,
		Ack:     &ack,
		Latency: latency,
		Elapsed: now.Sub(e.createdAt),
	}
	if !ack.OK {
		outcome.Status = StatusRejected
		outcome.Err = fmt.Errorf("%w: %s", ErrRejected, ack.Message)
		c.notify(ctx, common.Incident{
			Type:          common.IncidentCommandRejected,
			Message:       fmt.Sprintf("Command rejected by %s: %s", assetOf(e.cmd), ack.Message),
			CorrelationID: e.id,
			SiteID:        e.cmd.Site,
			Device:        e.cmd.Device,
			AssetID:       e.cmd.AssetID,
		})
	}

	logging.Infof(c.logger, "ACK resolved: %s ok=%t latency=%v retries=%d", e.id, ack.OK, latency, e.retries)
	c.deliver(e, outcome)
}

// Cancel удаляет команду и доставляет ожидающему StatusCancelled.
// Возвращает false, если команда уже получила итог.
func (c *Correlator) Cancel(id string, reason error) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if reason == nil {
		reason = ErrCancelled
	}
	c.deliver(e, Outcome{Status: StatusCancelled, Err: reason, Elapsed: c.now().Sub(e.createdAt)})
	return true
}

// ClearPending останавливает все таймеры, очищает таблицу и будит всех ожидающих
// с StatusShutdown. Таймер, сработавший после очистки, ничего не делает.
func (c *Correlator) ClearPending() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	for _, e := range entries {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		c.deliver(e, Outcome{Status: StatusShutdown, Err: ErrShutdown})
	}
	if len(entries) > 0 {
		c.logger.Printf("Cleared %d pending commands", len(entries))
	}
}

// Close запрещает новые Track и очищает таблицу
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.ClearPending()
}

// Pending возвращает количество команд в полете
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Snapshot возвращает состояние таблицы, отсортированное по возрасту
func (c *Correlator) Snapshot() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, PendingInfo{
			CorrelationID: e.id,
			AssetID:       e.cmd.AssetID,
			State:         e.state.String(),
			Retries:       e.retries,
			Age:           now.Sub(e.createdAt),
			Observed:      e.waiter == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	return out
}

func (c *Correlator) newEntry(cmd common.Command, policy RetryPolicy, retry RetryFunc) *entry {
	now := c.now()
	return &entry{
		id:        cmd.CorrelationID,
		cmd:       cmd,
		createdAt: now,
		attemptAt: now,
		policy:    policy,
		retry:     retry,
		state:     statePending,
	}
}

// insertLocked добавляет запись и взводит дедлайн
func (c *Correlator) insertLocked(e *entry) {
	c.armLocked(e, e.policy.Timeout, c.onTimeout)
	c.pending[e.id] = e
	metrics.SetPending(len(c.pending))
}

// armLocked взводит таймер записи; поколение отсекает срабатывания старых таймеров
func (c *Correlator) armLocked(e *entry, d time.Duration, fire func(id string, gen uint64)) {
	c.gen++
	e.gen = c.gen
	id, gen := e.id, e.gen
	e.timer = time.AfterFunc(d, func() { fire(id, gen) })
}

// removeLocked удаляет запись и останавливает ее таймер
func (c *Correlator) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(c.pending, e.id)
	metrics.SetPending(len(c.pending))
	c.rememberLocked(e)
}

// rememberLocked запоминает завершенный id на время MaxWait его политики.
// История ограничена capacity, самые старые id вытесняются первыми.
func (c *Correlator) rememberLocked(e *entry) {
	now := c.now()
	expires := now.Add(e.policy.MaxWait())
	c.finished[e.id] = expires
	c.history = append(c.history, finishedID{id: e.id, expires: expires})

	for len(c.history) > 0 {
		head := c.history[0]
		if len(c.history) <= c.capacity && now.Before(head.expires) {
			break
		}
		c.history = c.history[1:]
		if exp, ok := c.finished[head.id]; ok && exp.Equal(head.expires) {
			delete(c.finished, head.id)
		}
	}
}

// finishedLocked возвращает true, если id недавно завершен
func (c *Correlator) finishedLocked(id string) bool {
	expires, ok := c.finished[id]
	return ok && c.now().Before(expires)
}

// evictLocked вытесняет самую старую команду без ожидающего
func (c *Correlator) evictLocked() bool {
	var oldest *entry
	for _, e := range c.pending {
		if e.waiter != nil {
			continue
		}
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	c.removeLocked(oldest)
	metrics.IncEviction()
	c.logger.Printf("Warning: evicted observed command %s to make room", oldest.id)
	return true
}

// lookupLocked возвращает запись, если таймер gen все еще актуален
func (c *Correlator) lookupLocked(id string, gen uint64, state entryState) *entry {
	e, ok := c.pending[id]
	if !ok || e.gen != gen || e.state != state {
		return nil
	}
	return e
}

// onTimeout вызывается таймером дедлайна
func (c *Correlator) onTimeout(id string, gen uint64) {
	c.mu.Lock()
	e := c.lookupLocked(id, gen, statePending)
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.timer = nil

	attempt := e.retries + 1
	incident := common.Incident{
		Type:          common.IncidentCommandTimeout,
		Message:       fmt.Sprintf("ACK timeout for %s (attempt %d of %d)", assetOf(e.cmd), attempt, e.policy.Limit+1),
		CorrelationID: e.id,
		SiteID:        e.cmd.Site,
		Device:        e.cmd.Device,
		AssetID:       e.cmd.AssetID,
	}

	if e.retries < e.policy.Limit {
		e.retries++
		e.state = stateRetrying
		delay := e.policy.backoff(e.retries)
		if delay > 0 {
			c.armLocked(e, delay, c.republish)
		} else {
			c.gen++
			e.gen = c.gen
		}
		retryGen := e.gen
		c.mu.Unlock()

		c.logger.Printf("ACK timeout for %s, retry %d/%d in %v", id, attempt, e.policy.Limit, delay)
		c.notify(context.Background(), incident)
		if delay == 0 {
			c.republish(id, retryGen)
		}
		return
	}

	c.removeLocked(e)
	c.mu.Unlock()

	c.logger.Printf("ACK timeout for %s, retries exhausted (%d)", id, e.retries)
	c.notify(context.Background(), incident)
	c.deliver(e, Outcome{
		Status:  StatusTimeout,
		Err:     ErrAckTimeout,
		Elapsed: c.now().Sub(e.createdAt),
	})
}

// republish публикует команду повторно и взводит новый дедлайн
func (c *Correlator) republish(id string, gen uint64) {
	c.mu.Lock()
	e := c.lookupLocked(id, gen, stateRetrying)
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.state = statePending
	e.attemptAt = c.now()
	c.armLocked(e, e.policy.Timeout, c.onTimeout)
	cmd, attempt, retry, timeout := e.cmd, e.retries, e.retry, e.policy.Timeout
	c.mu.Unlock()

	metrics.IncCommandRetry()
	if retry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := retry(ctx, cmd, attempt); err != nil {
		c.logger.Printf("Retry publish failed for %s (attempt %d): %v", id, attempt, err)
		return
	}
	logging.Infof(c.logger, "Command retried: %s (attempt %d)", id, attempt)
}

// deliver отправляет итог ожидающему; вызывается только тем, кто удалил запись
func (c *Correlator) deliver(e *entry, outcome Outcome) {
	outcome.CorrelationID = e.id
	outcome.Retries = e.retries
	metrics.IncCommandResult(string(outcome.Status))
	if e.waiter != nil {
		e.waiter <- outcome
	}
}

func (c *Correlator) notify(ctx context.Context, incident common.Incident) {
	if incident.Timestamp.IsZero() {
		incident.Timestamp = c.now().UTC()
	}
	metrics.IncIncident(incident.Type)
	c.incidents.Notify(ctx, incident)
}

func assetOf(cmd common.Command) string {
	if cmd.AssetID != "" {
		return cmd.AssetID
	}
	return cmd.CorrelationID
}
