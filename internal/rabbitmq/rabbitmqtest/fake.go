// Package rabbitmqtest provides in-memory fakes of the rabbitmq Dialer,
// Connection and Channel interfaces.
//
// The fake channel records declarations, QoS calls, publishes and
// acknowledgements, and routes publishes to its own consumers: the default
// exchange routes by queue name, named exchanges by exact-key bindings
// (fanout exchanges ignore the key). Broker-side failures are simulated
// with Connection.Drop and Channel.Drop.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/brokerkit/internal/rabbitmq"
)

var (
	_ rabbitmq.Dialer     = (*Dialer)(nil)
	_ rabbitmq.Connection = (*Connection)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)

// Dialer is a scripted rabbitmq.Dialer.
type Dialer struct {
	mu         sync.Mutex
	err        error
	channelErr error
	dials      int
	conns      []*Connection
}

// NewDialer returns a dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements rabbitmq.Dialer.
func (d *Dialer) Dial(url string) (rabbitmq.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	conn := NewConnection()
	conn.channelErr = d.channelErr
	d.conns = append(d.conns, conn)
	return conn, nil
}

// FailWith makes subsequent dials fail with err. A nil err restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// FailChannels makes connections dialed from now on refuse to open channels.
func (d *Dialer) FailChannels(err error) {
	d.mu.Lock()
	d.channelErr = err
	d.mu.Unlock()
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connections returns every connection handed out.
func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Connection is a fake rabbitmq.Connection.
type Connection struct {
	mu         sync.Mutex
	closed     bool
	notify     []chan *amqp.Error
	channels   []*Channel
	channelErr error
}

// NewConnection returns an open connection.
func NewConnection() *Connection {
	return &Connection{}
}

// Channel implements rabbitmq.Connection.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection.
func (c *Connection) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

// Drop simulates the broker closing the connection with err.
func (c *Connection) Drop(err *amqp.Error) {
	c.shutdown(err)
}

// Channels returns the channels opened on this connection.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// LastChannel returns the most recently opened channel, or nil.
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Connection) shutdown(err *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	deliver(notify, err)
	return true
}

func deliver(receivers []chan *amqp.Error, err *amqp.Error) {
	for _, receiver := range receivers {
		if err != nil {
			select {
			case receiver <- err:
			default:
			}
		}
		close(receiver)
	}
}

// Publishing is a recorded publish.
type Publishing struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// AckKind is the settlement recorded for a delivery.
type AckKind int

const (
	Acked AckKind = iota
	Nacked
	Rejected
)

// Ack is a recorded settlement.
type Ack struct {
	Tag     uint64
	Kind    AckKind
	Requeue bool
}

// ExchangeDecl is a recorded exchange declaration.
type ExchangeDecl struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueDecl is a recorded queue declaration. Name holds the generated name
// for server-named queues.
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// BindingDecl is a recorded queue binding.
type BindingDecl struct {
	Queue    string
	Key      string
	Exchange string
}

// ConsumerInfo describes a registered consumer.
type ConsumerInfo struct {
	Tag       string
	Queue     string
	AutoAck   bool
	Exclusive bool
}

type consumer struct {
	info       ConsumerInfo
	deliveries chan amqp.Delivery
}

// Channel is a fake rabbitmq.Channel. It also acts as the amqp.Acknowledger
// of the deliveries it hands out.
type Channel struct {
	mu          sync.Mutex
	closed      bool
	notify      []chan *amqp.Error
	confirm     bool
	withhold    bool
	exchanges   []ExchangeDecl
	queues      []QueueDecl
	bindings    []BindingDecl
	qos         []int
	consumers   []*consumer
	published   []Publishing
	acks        []Ack
	deliveryTag uint64
	seq         int

	publishErr error
	declareErr error
	consumeErr error
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{}
}

// WithholdConfirms makes confirm-mode publishes wait for a broker confirm
// that never arrives.
func (ch *Channel) WithholdConfirms() {
	ch.mu.Lock()
	ch.withhold = true
	ch.mu.Unlock()
}

// FailPublish makes publishes fail with err; nil restores success.
func (ch *Channel) FailPublish(err error) {
	ch.mu.Lock()
	ch.publishErr = err
	ch.mu.Unlock()
}

// FailDeclare makes exchange and queue declarations fail with err.
func (ch *Channel) FailDeclare(err error) {
	ch.mu.Lock()
	ch.declareErr = err
	ch.mu.Unlock()
}

// FailConsume makes Consume fail with err.
func (ch *Channel) FailConsume(err error) {
	ch.mu.Lock()
	ch.consumeErr = err
	ch.mu.Unlock()
}

// ExchangeDeclare implements rabbitmq.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.declareErr != nil {
		return ch.declareErr
	}
	ch.exchanges = append(ch.exchanges, ExchangeDecl{Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete})
	return nil
}

// QueueDeclare implements rabbitmq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if ch.declareErr != nil {
		return amqp.Queue{}, ch.declareErr
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	ch.queues = append(ch.queues, QueueDecl{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.declareErr != nil {
		return ch.declareErr
	}
	ch.bindings = append(ch.bindings, BindingDecl{Queue: name, Key: key, Exchange: exchange})
	return nil
}

// Qos implements rabbitmq.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.qos = append(ch.qos, prefetchCount)
	return nil
}

// Consume implements rabbitmq.Channel.
func (ch *Channel) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	if tag == "" {
		ch.seq++
		tag = fmt.Sprintf("ctag-%d", ch.seq)
	}
	c := &consumer{
		info:       ConsumerInfo{Tag: tag, Queue: queue, AutoAck: autoAck, Exclusive: exclusive},
		deliveries: make(chan amqp.Delivery, 128),
	}
	ch.consumers = append(ch.consumers, c)
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for i, c := range ch.consumers {
		if c.info.Tag == tag {
			close(c.deliveries)
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			return nil
		}
	}
	return nil
}

// PublishWithDeferredConfirmWithContext implements rabbitmq.Channel. It
// routes the message to matching consumers. No confirmation is returned
// unless WithholdConfirms was called on a confirm-mode channel; that
// confirmation never completes.
func (ch *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if ch.publishErr != nil {
		return nil, ch.publishErr
	}
	ch.published = append(ch.published, Publishing{Exchange: exchange, RoutingKey: key, Msg: msg})

	for _, queue := range ch.routeLocked(exchange, key) {
		ch.deliverLocked(queue, amqp.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		})
	}
	if ch.confirm && ch.withhold {
		return &amqp.DeferredConfirmation{DeliveryTag: uint64(len(ch.published))}, nil
	}
	return nil, nil
}

func (ch *Channel) routeLocked(exchange, key string) []string {
	if exchange == "" {
		return []string{key}
	}
	fanout := false
	for _, ex := range ch.exchanges {
		if ex.Name == exchange && ex.Kind == amqp.ExchangeFanout {
			fanout = true
		}
	}
	var queues []string
	seen := make(map[string]bool)
	for _, b := range ch.bindings {
		if b.Exchange != exchange || seen[b.Queue] {
			continue
		}
		if fanout || b.Key == key {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// Deliver pushes d to the first consumer of queue, filling in the delivery
// tag and acknowledger. It reports whether a consumer took the delivery.
func (ch *Channel) Deliver(queue string, d amqp.Delivery) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return false
	}
	return ch.deliverLocked(queue, d)
}

func (ch *Channel) deliverLocked(queue string, d amqp.Delivery) bool {
	for _, c := range ch.consumers {
		if c.info.Queue != queue {
			continue
		}
		ch.deliveryTag++
		d.DeliveryTag = ch.deliveryTag
		d.ConsumerTag = c.info.Tag
		if d.Acknowledger == nil {
			d.Acknowledger = ch
		}
		select {
		case c.deliveries <- d:
			return true
		default:
			return false
		}
	}
	return false
}

// Confirm implements rabbitmq.Channel.
func (ch *Channel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyClose implements rabbitmq.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel.
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel.
func (ch *Channel) Close() error {
	if !ch.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

// Drop simulates a channel-level exception raised by the broker.
func (ch *Channel) Drop(err *amqp.Error) {
	ch.shutdown(err)
}

func (ch *Channel) shutdown(err *amqp.Error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	for _, c := range ch.consumers {
		close(c.deliveries)
	}
	ch.consumers = nil
	ch.mu.Unlock()

	deliver(notify, err)
	return true
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(Ack{Tag: tag, Kind: Acked})
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(Ack{Tag: tag, Kind: Nacked, Requeue: requeue})
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(Ack{Tag: tag, Kind: Rejected, Requeue: requeue})
}

func (ch *Channel) settle(a Ack) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.acks = append(ch.acks, a)
	return nil
}

// Confirming reports whether Confirm was called.
func (ch *Channel) Confirming() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirm
}

// Published returns the recorded publishes.
func (ch *Channel) Published() []Publishing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Publishing(nil), ch.published...)
}

// Acks returns the recorded settlements.
func (ch *Channel) Acks() []Ack {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Ack(nil), ch.acks...)
}

// Exchanges returns the recorded exchange declarations.
func (ch *Channel) Exchanges() []ExchangeDecl {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]ExchangeDecl(nil), ch.exchanges...)
}

// Queues returns the recorded queue declarations.
func (ch *Channel) Queues() []QueueDecl {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]QueueDecl(nil), ch.queues...)
}

// Bindings returns the recorded bindings.
func (ch *Channel) Bindings() []BindingDecl {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]BindingDecl(nil), ch.bindings...)
}

// QosCalls returns the prefetch counts passed to Qos.
func (ch *Channel) QosCalls() []int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]int(nil), ch.qos...)
}

// Consumers returns the registered consumers.
func (ch *Channel) Consumers() []ConsumerInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	infos := make([]ConsumerInfo, 0, len(ch.consumers))
	for _, c := range ch.consumers {
		infos = append(infos, c.info)
	}
	return infos
}

// HasConsumer reports whether queue has a consumer.
func (ch *Channel) HasConsumer(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, c := range ch.consumers {
		if c.info.Queue == queue {
			return true
		}
	}
	return false
}
