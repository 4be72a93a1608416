// Package bus implements the in-process message bus that carries every
// runtime interaction between components. It keeps AMQP semantics on a
// single host: named exchanges, durable queues bound by routing-key
// patterns, per-message TTL, and dead-letter routing. Routing-key strings
// stay the wire protocol; handlers are statically registered functions.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StudioSol/set"
	"github.com/tidwall/buntdb"

	"github.com/helmsbot/helmsbot/tools/log"
)

// ErrNotConnected is returned by operations on a closed bus.
var ErrNotConnected = errors.New("bus: not connected")

const (
	// DefaultTTL bounds queue buildup: messages older than this are dropped
	// to the dead-letter queue instead of being delivered.
	DefaultTTL = time.Hour

	// prefetch is the per-queue delivery window. The consumer goroutine
	// never holds more than this many undelivered messages.
	prefetch = 100
)

// Message is the envelope every payload travels in.
type Message struct {
	Timestamp  time.Time       `json:"timestamp"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler consumes one message. A non-nil error rejects the message and
// routes it to the dead-letter queue; nil acknowledges it.
type Handler func(Message) error

// Binding pairs an exchange with a routing-key pattern.
type Binding struct {
	exchange string
	pattern  string
}

type delivery struct {
	msg      Message
	expires  time.Time
	redelive bool
}

type queue struct {
	name     string
	bindings []Binding
	ttl      time.Duration

	ch      chan delivery
	handler atomic.Value // holds Handler
	autoAck bool
}

// Bus routes messages between exchanges and queues. One consumer goroutine
// per queue preserves FIFO within a routing key; the channel buffer is the
// prefetch window.
type Bus struct {
	mu        sync.RWMutex
	exchanges *set.LinkedHashSetString
	queues    map[string]*queue
	closed    bool
	wg        sync.WaitGroup

	subscribers int32
	published   int64
	deadLetters int64

	dlstore *buntdb.DB
	dlseq   int64
}

// Option configures the bus.
type Option func(*Bus)

// WithDeadLetterFile persists rejected and expired messages to a buntdb
// file so they survive restarts for offline inspection.
func WithDeadLetterFile(path string) Option {
	return func(b *Bus) {
		db, err := buntdb.Open(path)
		if err != nil {
			log.WithField("path", path).Errorf("bus: dead-letter store unavailable: %v", err)
			return
		}
		b.dlstore = db
	}
}

// New creates a bus with the default topology: the four exchanges and the
// five durable queues with their bindings.
func New(options ...Option) *Bus {
	b := &Bus{
		exchanges: set.NewLinkedHashSetString(),
		queues:    make(map[string]*queue),
	}

	for _, option := range options {
		option(b)
	}

	if b.dlstore == nil {
		db, err := buntdb.Open(":memory:")
		if err == nil {
			b.dlstore = db
		}
	}

	for _, name := range []string{ExchangeEvents, ExchangeCommands, ExchangeRequests, ExchangeDLX} {
		b.DeclareExchange(name)
	}

	b.DeclareQueue(QueueMarketData, DefaultTTL, Bind(ExchangeEvents, "market_data.*.*"))
	b.DeclareQueue(QueueTradeCommands, DefaultTTL, Bind(ExchangeCommands, "commands.*"))
	b.DeclareQueue(QueueCapitalRequests, DefaultTTL,
		Bind(ExchangeRequests, "request.capital.#"),
		Bind(ExchangeEvents, TopicTradeExecuted))
	b.DeclareQueue(QueueSystemEvents, DefaultTTL, Bind(ExchangeEvents, "events.system.*"))
	b.DeclareQueue(QueueDeadLetters, 0, Bind(ExchangeDLX, "#"))

	return b
}

// Bind pairs an exchange with a routing-key pattern for queue declaration.
func Bind(exchange, pattern string) Binding {
	return Binding{exchange: exchange, pattern: pattern}
}

// DeclareExchange registers an exchange. Declaring twice is a no-op.
func (b *Bus) DeclareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges.Add(name)
}

// DeclareQueue registers a durable queue with its bindings. A zero ttl
// means messages never expire (used by dead_letters).
func (b *Bus) DeclareQueue(name string, ttl time.Duration, bindings ...Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &queue{
		name:     name,
		bindings: bindings,
		ttl:      ttl,
		ch:       make(chan delivery, prefetch),
	}
}

// Publish routes a message to every queue bound to the exchange with a
// matching pattern. It returns false, never panics, when the bus is closed
// or the payload cannot be encoded. Unroutable messages go to the DLX.
func (b *Bus) Publish(exchange, routingKey string, payload interface{}, persistent bool) bool {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false
	}
	if !b.exchanges.InArray(exchange) {
		b.mu.RUnlock()
		log.Warnf("bus: publish to undeclared exchange %q", exchange)
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.mu.RUnlock()
		log.Errorf("bus: cannot encode payload for %s: %v", routingKey, err)
		return false
	}

	msg := Message{
		Timestamp:  time.Now().UTC(),
		RoutingKey: routingKey,
		Payload:    raw,
	}

	routed := false
	var full []string
	for _, q := range b.queues {
		for _, bind := range q.bindings {
			if bind.exchange != exchange || !matchPattern(bind.pattern, routingKey) {
				continue
			}
			expires := time.Time{}
			if q.ttl > 0 {
				expires = msg.Timestamp.Add(q.ttl)
			}
			select {
			case q.ch <- delivery{msg: msg, expires: expires}:
				routed = true
			default:
				full = append(full, q.name)
			}
			break
		}
	}
	b.mu.RUnlock()

	for _, name := range full {
		b.deadLetter(msg, "queue "+name+" full")
	}
	if !routed && len(full) == 0 && exchange != ExchangeDLX {
		b.deadLetter(msg, "unroutable")
	}
	atomic.AddInt64(&b.published, 1)
	_ = persistent
	return true
}

// Subscribe attaches the handler to a queue and starts its consumer.
// With autoAck the handler's error is logged but the message is still
// acknowledged; otherwise an error rejects the message to the DLX.
func (b *Bus) Subscribe(queueName string, handler Handler, autoAck bool) bool {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok || b.closed {
		b.mu.Unlock()
		return false
	}
	first := q.handler.Load() == nil
	q.handler.Store(handler)
	q.autoAck = autoAck
	if first {
		b.wg.Add(1)
		go b.consume(q)
	}
	atomic.AddInt32(&b.subscribers, 1)
	b.mu.Unlock()
	return true
}

func (b *Bus) consume(q *queue) {
	defer b.wg.Done()
	for d := range q.ch {
		if !d.expires.IsZero() && time.Now().After(d.expires) {
			b.deadLetter(d.msg, "expired")
			continue
		}
		handler, _ := q.handler.Load().(Handler)
		if handler == nil {
			continue
		}
		if err := safeHandle(handler, d.msg); err != nil {
			if q.autoAck {
				log.WithField("queue", q.name).Errorf("bus: handler error (auto-ack): %v", err)
				continue
			}
			log.WithField("queue", q.name).Warnf("bus: message rejected: %v", err)
			if q.name != QueueDeadLetters {
				b.deadLetter(d.msg, err.Error())
			}
		}
	}
}

// safeHandle converts handler panics into rejections so one poisoned
// message cannot kill a queue consumer.
func safeHandle(handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(msg)
}

// deadLetter forwards a message to the dlx exchange and persists it.
func (b *Bus) deadLetter(msg Message, reason string) {
	atomic.AddInt64(&b.deadLetters, 1)

	if b.dlstore != nil {
		seq := atomic.AddInt64(&b.dlseq, 1)
		entry, err := json.Marshal(map[string]interface{}{
			"reason":  reason,
			"message": msg,
		})
		if err == nil {
			_ = b.dlstore.Update(func(tx *buntdb.Tx) error {
				key := fmt.Sprintf("dl:%020d", seq)
				_, _, err := tx.Set(key, string(entry), nil)
				return err
			})
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	q, ok := b.queues[QueueDeadLetters]
	if !ok {
		return
	}
	select {
	case q.ch <- delivery{msg: msg}:
	default:
	}
}

// DeadLetterCount returns how many messages were routed to the DLX.
func (b *Bus) DeadLetterCount() int64 {
	return atomic.LoadInt64(&b.deadLetters)
}

// Health reports bus liveness and topology counts.
type Health struct {
	Connected   bool  `json:"connected"`
	Exchanges   int   `json:"exchanges"`
	Queues      int   `json:"queues"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	DeadLetters int64 `json:"dead_letters"`
}

// HealthCheck returns the current bus health snapshot.
func (b *Bus) HealthCheck() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		Connected:   !b.closed,
		Exchanges:   b.exchanges.Length(),
		Queues:      len(b.queues),
		Subscribers: int(atomic.LoadInt32(&b.subscribers)),
		Published:   atomic.LoadInt64(&b.published),
		DeadLetters: atomic.LoadInt64(&b.deadLetters),
	}
}

// Close stops delivery and releases the dead-letter store. In-flight
// publishes after Close return false instead of buffering.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	if b.dlstore != nil {
		_ = b.dlstore.Close()
	}
}
