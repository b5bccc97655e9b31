package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"distreg/internal/obs"
	"distreg/internal/transport/socket"

	"github.com/rabbitmq/amqp091-go"
)

type ConsumerConfig struct {
	URL string
	// Exchange, when set, is declared as a durable topic exchange and the
	// queue is bound to it with RoutingKeys. Empty uses the default exchange.
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	TLS           TLSConfig
	Admission     socket.Admission
}

func (c *ConsumerConfig) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "distreg-partner"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 16
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 64
	}
}

func (c ConsumerConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	return nil
}

// Consumer is the partner-side receiver for amqp:// addresses. Deliveries are
// acked once the receiver holds the package, dropped when they can never be
// accepted, and requeued when the receiver fails.
type Consumer struct {
	cfg      ConsumerConfig
	receiver socket.Receiver
	log      *slog.Logger

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, receiver socket.Receiver, log *slog.Logger) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, fmt.Errorf("receiver is required")
	}
	if log == nil {
		log = obs.Discard()
	}
	return &Consumer{cfg: cfg, receiver: receiver, log: log, closed: make(chan struct{}), ops: make(chan amqp091.Delivery, cfg.DeliveryQueue)}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Close()
}

func (c *Consumer) Start(ctx context.Context) error {
	tlsCfg, err := buildTLSConfig(c.cfg.TLS)
	if err != nil {
		return err
	}
	conn, err := amqp091.DialConfig(c.cfg.URL, amqp091.Config{TLSClientConfig: tlsCfg})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(format string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf(format, err)
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fail("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("declare queue: %w", err)
	}
	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fail("declare exchange: %w", err)
		}
		routingKeys := c.cfg.RoutingKeys
		if len(routingKeys) == 0 {
			routingKeys = []string{"#"}
		}
		for _, key := range routingKeys {
			if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
				return fail("bind queue: %w", err)
			}
		}
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume queue: %w", err)
	}
	c.conn, c.ch, c.deliver = conn, ch, deliveries
	c.log.Info("rabbitmq receiver started", "op", "receive", "queue", c.cfg.Queue)

	c.wg.Add(1)
	go c.readLoop(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx)
	}
	return nil
}

func (c *Consumer) Close() error {
	select {
	case <-c.closed:
		if v := c.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Cancel(c.cfg.ConsumerTag, false)
	}
	c.wg.Wait()
	var errs []error
	if c.ch != nil && !c.ch.IsClosed() {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	err := errors.Join(errs...)
	c.closeErr.Store(err)
	return err
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d, ok := <-c.deliver:
			if !ok {
				return
			}
			select {
			case c.ops <- d:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d := <-c.ops:
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp091.Delivery) {
	ref := fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
	env, err := EnvelopeFromDelivery(d)
	if err == nil {
		err = c.cfg.Admission.Admit(env)
	}
	if err != nil {
		c.log.Warn("delivery rejected", "op", "receive", "source_ref", ref, "err", err)
		_ = d.Nack(false, false)
		return
	}
	rc, err := c.receiver.Accept(ctx, env)
	if err != nil {
		c.log.Error("delivery not stored", "op", "receive", "source_ref", ref, "package_id", env.PackageID, "err", err)
		_ = d.Nack(false, true)
		return
	}
	c.log.Debug("delivery acked", "op", "receive", "source_ref", ref, "receipt", rc.ID, "duplicate", rc.Duplicate)
	_ = d.Ack(false)
}
