package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/logger"
)

// Exchange kinds and arguments used by the hotel topology.
const (
	ExchangeTopic          = amqp.ExchangeTopic
	ExchangeDelayedMessage = "x-delayed-message"

	ArgDelayedType          = "x-delayed-type"
	ArgDelay                = "x-delay"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
	ArgExpires              = "x-expires"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	channels ChannelProvider
	logger   logger.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ExchangeSet names the exchanges all services share.
type ExchangeSet struct {
	Events     string
	Reminders  string
	DeadLetter string
	// DelayedReminders declares the reminder exchange with the delayed message
	// plugin type instead of a plain topic exchange.
	DelayedReminders bool
}

// Topology returns the declarations for the shared exchanges.
func (s ExchangeSet) Topology() Topology {
	reminders := ExchangeDeclaration{
		Name:    s.Reminders,
		Type:    ExchangeTopic,
		Durable: true,
	}
	if s.DelayedReminders {
		reminders.Type = ExchangeDelayedMessage
		reminders.Arguments = amqp.Table{ArgDelayedType: ExchangeTopic}
	}

	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: s.Events, Type: ExchangeTopic, Durable: true},
			reminders,
		},
	}
	if s.DeadLetter != "" {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: s.DeadLetter, Type: ExchangeTopic, Durable: true})
	}
	return t
}

// Validate checks the exchange names.
func (s ExchangeSet) Validate() error {
	if s.Events == "" || s.Reminders == "" {
		return fmt.Errorf("%w: event and reminder exchanges are required", ErrInvalidTopology)
	}
	if s.Events == s.Reminders {
		return fmt.Errorf("%w: event and reminder exchanges must differ", ErrInvalidTopology)
	}
	return nil
}

// QueueSpec describes a durable consumer queue.
type QueueSpec struct {
	Name string
	// DeadLetterExchange enables dead-lettering into "<Name>.dlq" through this exchange.
	DeadLetterExchange string
	// Bindings are bound to Name; their Queue field is ignored.
	Bindings []Binding
}

// DeadLetterQueueName names the queue rejected messages of queue end up in.
func DeadLetterQueueName(queue string) string {
	return queue + ".dlq"
}

// QueueArguments returns the arguments the consumer queue is declared with.
// Every declaration of the same queue must pass the same arguments.
func (s QueueSpec) QueueArguments() amqp.Table {
	if s.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{
		ArgDeadLetterExchange:   s.DeadLetterExchange,
		ArgDeadLetterRoutingKey: DeadLetterQueueName(s.Name),
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channels ChannelProvider, l logger.Logger) *TopologyManager {
	if l == nil {
		l = logger.NopLogger()
	}
	return &TopologyManager{
		channels: channels,
		logger:   l,
	}
}

// DeclareTopology declares the complete topology. Declaring an entity that
// already exists with the same properties is a no-op; different properties fail
// with a *TopologyError wrapping the broker's PRECONDITION_FAILED.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}

	for _, exchange := range topology.Exchanges {
		if err := tm.declareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.declareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.bindQueue(ch, binding); err != nil {
			return err
		}
	}

	tm.logger.Debugw("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}
	return tm.declareExchange(ch, exchange)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return tm.declareQueue(ch, queue)
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// QueueStats is what the broker reports about a queue's backlog.
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// InspectQueue reports the ready messages and consumers of an existing queue.
// It runs on a probe channel when the provider offers one, so a missing queue
// does not close the shared channel.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (QueueStats, error) {
	ch, release, err := tm.probeChannel(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	defer release()

	q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return QueueStats{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (tm *TopologyManager) probeChannel(ctx context.Context) (Channel, func(), error) {
	if probes, ok := tm.channels.(ProbeChannelProvider); ok {
		ch, err := probes.ProbeChannel(ctx)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = ch.Close() }, nil
	}
	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() {}, nil
}

// DeclareConsumerQueue declares a durable queue, its dead-letter queue when a
// dead-letter exchange is set, and the queue's bindings.
func (tm *TopologyManager) DeclareConsumerQueue(ctx context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidTopology)
	}

	ch, err := tm.channels.Channel(ctx)
	if err != nil {
		return err
	}

	if spec.DeadLetterExchange != "" {
		dlq := DeadLetterQueueName(spec.Name)
		if err := tm.declareExchange(ch, ExchangeDeclaration{Name: spec.DeadLetterExchange, Type: ExchangeTopic, Durable: true}); err != nil {
			return err
		}
		if _, err := tm.declareQueue(ch, QueueDeclaration{Name: dlq, Durable: true}); err != nil {
			return err
		}
		if err := tm.bindQueue(ch, Binding{Queue: dlq, Exchange: spec.DeadLetterExchange, RoutingKey: dlq}); err != nil {
			return err
		}
	}

	if _, err := tm.declareQueue(ch, QueueDeclaration{Name: spec.Name, Durable: true, Arguments: spec.QueueArguments()}); err != nil {
		return err
	}

	for _, binding := range spec.Bindings {
		binding.Queue = spec.Name
		if err := tm.bindQueue(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s(%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
