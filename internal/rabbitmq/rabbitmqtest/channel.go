package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
)

// Connection is an in-memory broker connection.
type Connection struct {
	broker    *Broker
	channels  map[*Channel]struct{}
	listeners []chan *amqp.Error
	closed    bool
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]*pendingAck),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnection(c, nil)
	return nil
}

// Channel is an in-memory broker channel.
type Channel struct {
	broker      *Broker
	conn        *Connection
	closed      bool
	confirm     bool
	prefetch    int
	deliveryTag uint64
	unacked     map[uint64]*pendingAck
	consumers   map[string]*consumer
	listeners   []chan *amqp.Error
}

type pendingAck struct {
	consumer *consumer
	queue    *queue
	msg      *message
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return b.declareExchange(ch, name, kind, durable, autoDelete, args)
}

func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return b.channelException(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", name))
	}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	return b.declareQueue(ch, name, durable, autoDelete, exclusive, args)
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, b.channelException(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return b.bindQueue(ch, name, key, exchange)
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, b.channelException(ch, amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - queue '%s' in vhost '/' in use", name))
	}
	if ifEmpty && len(q.messages) > 0 {
		return 0, b.channelException(ch, amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - queue '%s' in vhost '/' not empty", name))
	}
	return b.deleteQueue(q), nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, b.channelException(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, b.channelException(ch, amqp.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", queueName))
	}
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("amq.ctag-%d-%d", len(b.conns), ch.deliveryTag+uint64(len(ch.consumers))+1)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, b.channelException(ch, amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
	}

	c := &consumer{
		tag:      consumerTag,
		ch:       ch,
		queue:    q,
		noAck:    autoAck,
		prefetch: ch.prefetch,
		out:      make(chan amqp.Delivery),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	go c.pump(b)

	b.dispatch(q)
	return c.out, nil
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[consumerTag]; ok {
		b.removeConsumer(c)
	}
	return nil
}

func (ch *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if b.onPublish != nil {
		if err := b.onPublish(exchange, key, msg); err != nil {
			return nil, err
		}
	}
	if err := b.publish(exchange, key, msg); err != nil {
		var amqpErr *amqp.Error
		if e, ok := err.(*amqp.Error); ok {
			amqpErr = e
		}
		b.closeChannel(ch, amqpErr)
		return nil, err
	}
	return nil, nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannel(ch, nil)
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pendingAck) {})
}

// Nack implements amqp.Acknowledger. Without requeue the message is
// dead-lettered when its queue has a dead-letter exchange and dropped otherwise.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pendingAck) {
		if b.queues[p.queue.name] != p.queue {
			return
		}
		if requeue {
			b.requeue(p.queue, p.msg)
			return
		}
		b.deadLetter(p.queue, p.msg, "rejected")
	})
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, fn func(*Broker, *pendingAck)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return b.channelException(ch, amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.unacked--
		fn(b, p)
		touched[p.queue] = true
	}
	for q := range touched {
		if b.queues[q.name] == q {
			b.dispatch(q)
		}
	}
	return nil
}

type consumer struct {
	tag      string
	ch       *Channel
	queue    *queue
	noAck    bool
	prefetch int
	unacked  int
	buf      []pending
	stopped  bool

	out  chan amqp.Delivery
	wake chan struct{}
	quit chan struct{}
}

type pending struct {
	tag      uint64
	msg      *message
	delivery amqp.Delivery
}

func (c *consumer) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump hands buffered deliveries to the client one at a time. It is the only
// writer and the only closer of out.
func (c *consumer) pump(b *Broker) {
	defer close(c.out)

	for {
		b.mu.Lock()
		if c.stopped {
			b.mu.Unlock()
			return
		}
		if len(c.buf) == 0 {
			b.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}
		p := c.buf[0]
		c.buf = c.buf[1:]
		b.mu.Unlock()

		select {
		case c.out <- p.delivery:
		case <-c.quit:
			b.mu.Lock()
			b.returnUndelivered(c, p, true)
			b.mu.Unlock()
			return
		}
	}
}

var (
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
