// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It models what the messaging layer depends on: durable topic, direct, fanout
// and delayed-message exchanges, the default exchange, per-consumer prefetch,
// acknowledgements, dead-lettering on reject or message TTL expiry, queue
// expiry, exclusive and server-named queues, and broker-initiated connection
// loss. Publisher confirms are not simulated: publishes are routed synchronously
// and PublishWithDeferredConfirmWithContext returns a nil confirmation.
package rabbitmqtest

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
)

// ErrUnreachable is returned by Dial while the broker is marked unreachable.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Broker is an in-memory AMQP broker.
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]*exchange
	queues      map[string]*queue
	conns       map[*Connection]struct{}
	unreachable bool
	noDelayed   bool
	dials       int

	onPublish      func(exchange, key string, msg amqp.Publishing) error
	onQueueDeclare func(name string, args amqp.Table) error
}

// Option configures a Broker
type Option func(*Broker)

// WithoutDelayedPlugin makes declarations of x-delayed-message exchanges fail
// the way a broker without the plugin does.
func WithoutDelayedPlugin() Option {
	return func(b *Broker) {
		b.noDelayed = true
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial satisfies rabbitmq.Dialer.
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.unreachable {
		return nil, ErrUnreachable
	}

	conn := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetUnreachable makes subsequent dials fail.
func (b *Broker) SetUnreachable(unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = unreachable
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OnPublish installs a hook run before every publish. A non-nil error fails the
// publish without closing the channel.
func (b *Broker) OnPublish(hook func(exchange, key string, msg amqp.Publishing) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = hook
}

// OnQueueDeclare installs a hook run before every queue declaration. A non-nil
// error fails the declaration and closes the channel.
func (b *Broker) OnQueueDeclare(hook func(name string, args amqp.Table) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onQueueDeclare = hook
}

// DropConnections closes every open connection as if the broker had been
// restarted.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		Server: true,
	}
	for conn := range b.conns {
		b.closeConnection(conn, err)
	}
}

// ExchangeInfo describes a declared exchange.
type ExchangeInfo struct {
	Name      string
	Kind      string
	Durable   bool
	Arguments amqp.Table
}

// Exchange returns a declared exchange.
func (b *Broker) Exchange(name string) (ExchangeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return ExchangeInfo{}, false
	}
	return ExchangeInfo{Name: ex.name, Kind: ex.kind, Durable: ex.durable, Arguments: copyTable(ex.args)}, true
}

// QueueInfo describes a declared queue.
type QueueInfo struct {
	Name      string
	Durable   bool
	Exclusive bool
	Arguments amqp.Table
	Ready     int
	Unacked   int
	Consumers int
}

// Queue returns a declared queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	unacked := 0
	for _, c := range q.consumers {
		unacked += c.unacked
	}
	return QueueInfo{
		Name:      q.name,
		Durable:   q.durable,
		Exclusive: q.owner != nil,
		Arguments: copyTable(q.args),
		Ready:     len(q.messages),
		Unacked:   unacked,
		Consumers: len(q.consumers),
	}, true
}

// Queues lists declared queue names with the given prefix.
func (b *Broker) Queues(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	for name := range b.queues {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Get removes and returns the oldest ready message of a queue.
func (b *Broker) Get(queueName string) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok || len(q.messages) == 0 {
		return amqp.Delivery{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	m.stopTimer()
	return m.delivery("", 0, nil), true
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	args       amqp.Table
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name         string
	durable      bool
	autoDelete   bool
	owner        *Connection
	args         amqp.Table
	messages     []*message
	consumers    []*consumer
	next         int
	expiresTimer *time.Timer
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
	timer       *time.Timer
}

func (m *message) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *message) delivery(consumerTag string, tag uint64, ack amqp.Acknowledger) amqp.Delivery {
	p := m.pub
	return amqp.Delivery{
		Acknowledger:    ack,
		Headers:         copyTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            append([]byte(nil), p.Body...),
	}
}

func (b *Broker) declareExchange(ch *Channel, name, kind string, durable, autoDelete bool, args amqp.Table) error {
	if name == "" || strings.HasPrefix(name, "amq.") {
		return b.channelException(ch, amqp.AccessRefused, fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", name))
	}

	switch kind {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout:
	case rabbitmq.ExchangeDelayedMessage:
		if b.noDelayed {
			// Unknown exchange types are a connection-level error on a real broker.
			err := &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - invalid exchange type '%s'", kind), Server: true}
			b.closeConnection(ch.conn, err)
			return err
		}
		if _, ok := args[rabbitmq.ArgDelayedType].(string); !ok {
			return b.channelException(ch, amqp.PreconditionFailed, "PRECONDITION_FAILED - Invalid argument, 'x-delayed-type' must be an existing exchange type")
		}
	default:
		err := &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - invalid exchange type '%s'", kind), Server: true}
		b.closeConnection(ch.conn, err)
		return err
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable || existing.autoDelete != autoDelete || !equalTables(existing.args, args) {
			return b.channelException(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s' in vhost '/'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete, args: copyTable(args)}
	return nil
}

func (b *Broker) declareQueue(ch *Channel, name string, durable, autoDelete, exclusive bool, args amqp.Table) (amqp.Queue, error) {
	if b.onQueueDeclare != nil {
		if err := b.onQueueDeclare(name, args); err != nil {
			b.closeChannel(ch, &amqp.Error{Code: amqp.InternalError, Reason: err.Error(), Server: true})
			return amqp.Queue{}, err
		}
	}

	if name == "" {
		name = "amq.gen-" + uuid.New().String()
	}

	if existing, ok := b.queues[name]; ok {
		if existing.owner != nil && existing.owner != ch.conn {
			return amqp.Queue{}, b.channelException(ch, amqp.ResourceLocked,
				fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
		}
		if existing.durable != durable || existing.autoDelete != autoDelete || (existing.owner != nil) != exclusive || !equalTables(existing.args, args) {
			return amqp.Queue{}, b.channelException(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s' in vhost '/'", name))
		}
		return amqp.Queue{Name: name, Messages: len(existing.messages), Consumers: len(existing.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, args: copyTable(args)}
	if exclusive {
		q.owner = ch.conn
	}
	if expires, ok := toDuration(args[rabbitmq.ArgExpires]); ok && expires > 0 {
		q.expiresTimer = time.AfterFunc(expires, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.queues[name] == q && len(q.consumers) == 0 {
				b.deleteQueue(q)
			}
		})
	}
	b.queues[name] = q

	return amqp.Queue{Name: name}, nil
}

func (b *Broker) bindQueue(ch *Channel, queueName, key, exchangeName string) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return b.channelException(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}
	if _, ok := b.queues[queueName]; !ok {
		return b.channelException(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}
	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})
	return nil
}

func (b *Broker) deleteQueue(q *queue) int {
	if b.queues[q.name] != q {
		return 0
	}
	delete(b.queues, q.name)

	if q.expiresTimer != nil {
		q.expiresTimer.Stop()
	}
	for _, c := range q.consumers {
		b.stopConsumer(c, false)
	}
	q.consumers = nil

	count := len(q.messages)
	for _, m := range q.messages {
		m.stopTimer()
	}
	q.messages = nil

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	return count
}

// publish routes a message. Must be called with mu held.
func (b *Broker) publish(exchangeName, key string, pub amqp.Publishing) error {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, &message{exchange: "", key: key, pub: pub})
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName), Server: true, Recover: true}
	}

	kind := ex.kind
	if kind == rabbitmq.ExchangeDelayedMessage {
		kind, _ = ex.args[rabbitmq.ArgDelayedType].(string)
		if delay, ok := toDuration(pub.Headers[rabbitmq.ArgDelay]); ok && delay > 0 {
			time.AfterFunc(delay, func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				if b.exchanges[exchangeName] == ex {
					b.route(ex, kind, key, pub)
				}
			})
			return nil
		}
	}

	b.route(ex, kind, key, pub)
	return nil
}

func (b *Broker) route(ex *exchange, kind, key string, pub amqp.Publishing) {
	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(kind, bd.key, key) {
			continue
		}
		seen[bd.queue] = true
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueue(q, &message{exchange: ex.name, key: key, pub: pub})
		}
	}
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeDirect:
		return pattern == key
	default:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func (b *Broker) enqueue(q *queue, m *message) {
	if ttl, ok := toDuration(q.args[rabbitmq.ArgMessageTTL]); ok {
		m.timer = time.AfterFunc(ttl, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, queued := range q.messages {
				if queued == m {
					q.messages = append(q.messages[:i], q.messages[i+1:]...)
					m.timer = nil
					b.deadLetter(q, m, "expired")
					return
				}
			}
		})
	}
	q.messages = append(q.messages, m)
	b.dispatch(q)
}

func (b *Broker) requeue(q *queue, m *message) {
	m.redelivered = true
	q.messages = append([]*message{m}, q.messages...)
	b.dispatch(q)
}

// deadLetter republishes m through the queue's dead-letter exchange, recording
// the death in the x-death header.
func (b *Broker) deadLetter(q *queue, m *message, reason string) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	key := m.key
	if rk, ok := q.args[rabbitmq.ArgDeadLetterRoutingKey].(string); ok {
		key = rk
	}

	pub := m.pub
	pub.Headers = copyTable(pub.Headers)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	if reason == "expired" {
		pub.Expiration = ""
	}

	death := amqp.Table{
		"queue":        q.name,
		"reason":       reason,
		"count":        int64(1),
		"exchange":     m.exchange,
		"routing-keys": []interface{}{m.key},
		"time":         time.Now().UTC().Truncate(time.Second),
	}
	var deaths []interface{}
	if existing, ok := pub.Headers["x-death"].([]interface{}); ok {
		for _, d := range existing {
			entry, ok := d.(amqp.Table)
			if ok && entry["queue"] == q.name && entry["reason"] == reason {
				count, _ := entry["count"].(int64)
				death["count"] = count + 1
				continue
			}
			deaths = append(deaths, d)
		}
	} else {
		pub.Headers["x-first-death-queue"] = q.name
		pub.Headers["x-first-death-reason"] = reason
		pub.Headers["x-first-death-exchange"] = m.exchange
	}
	pub.Headers["x-death"] = append([]interface{}{death}, deaths...)

	_ = b.publish(dlx, key, pub)
}

func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages = q.messages[1:]
		m.stopTimer()

		c.ch.deliveryTag++
		tag := c.ch.deliveryTag
		var ack amqp.Acknowledger
		if !c.noAck {
			c.unacked++
			c.ch.unacked[tag] = &pendingAck{consumer: c, queue: q, msg: m}
			ack = c.ch
		}
		c.buf = append(c.buf, pending{tag: tag, msg: m, delivery: m.delivery(c.tag, tag, ack)})
		c.wakeUp()
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.stopped || c.ch.closed {
			continue
		}
		if c.noAck || c.prefetch == 0 || c.unacked < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) removeConsumer(c *consumer) {
	q := c.queue
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	delete(c.ch.consumers, c.tag)
	b.stopConsumer(c, true)

	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueue(q)
	}
}

// stopConsumer ends the consumer's pump. Buffered deliveries go back to the
// queue when requeue is set.
func (b *Broker) stopConsumer(c *consumer, requeue bool) {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.quit)

	buffered := c.buf
	c.buf = nil
	for i := len(buffered) - 1; i >= 0; i-- {
		b.returnUndelivered(c, buffered[i], requeue)
	}
}

func (b *Broker) returnUndelivered(c *consumer, p pending, requeue bool) {
	if !c.noAck {
		if _, ok := c.ch.unacked[p.tag]; !ok {
			// Already requeued by a channel close.
			return
		}
		delete(c.ch.unacked, p.tag)
		c.unacked--
	}
	if requeue && b.queues[c.queue.name] == c.queue {
		b.requeue(c.queue, p.msg)
	}
}

func (b *Broker) closeChannel(ch *Channel, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		b.removeConsumer(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		p := ch.unacked[tag]
		delete(ch.unacked, tag)
		p.consumer.unacked--
		if b.queues[p.queue.name] == p.queue {
			b.requeue(p.queue, p.msg)
		}
	}

	notifyClose(ch.listeners, err)
	ch.listeners = nil
}

func (b *Broker) closeConnection(conn *Connection, err *amqp.Error) {
	if conn.closed {
		return
	}
	conn.closed = true
	delete(b.conns, conn)

	for ch := range conn.channels {
		b.closeChannel(ch, err)
	}
	for _, q := range b.queues {
		if q.owner == conn {
			b.deleteQueue(q)
		}
	}

	notifyClose(conn.listeners, err)
	conn.listeners = nil
}

// channelException closes the channel the way a broker does on a soft error.
func (b *Broker) channelException(ch *Channel, code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true, Recover: true}
	b.closeChannel(ch, err)
	return err
}

func notifyClose(listeners []chan *amqp.Error, err *amqp.Error) {
	for _, l := range listeners {
		go func(l chan *amqp.Error) {
			if err != nil {
				l <- err
			}
			close(l)
		}(l)
	}
}

func toDuration(v interface{}) (time.Duration, bool) {
	var ms int64
	switch n := v.(type) {
	case int:
		ms = int64(n)
	case int8:
		ms = int64(n)
	case int16:
		ms = int64(n)
	case int32:
		ms = int64(n)
	case int64:
		ms = n
	case uint32:
		ms = int64(n)
	case float64:
		ms = int64(n)
	default:
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func equalTables(a, b amqp.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		ad, aNum := toDuration(av)
		bd, bNum := toDuration(bv)
		if aNum && bNum {
			if ad != bd {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
