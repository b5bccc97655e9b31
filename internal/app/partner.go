package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"distreg/internal/config"
	"distreg/internal/transport"
	"distreg/internal/transport/kafka"
	"distreg/internal/transport/rabbitmq"
	"distreg/internal/transport/socket"

	"golang.org/x/sync/errgroup"
)

// PartnerOptions selects the receivers a partner runs. Each non-empty field
// starts one receiver; all of them store into the same inbox.
type PartnerOptions struct {
	PartnerID string
	// Listen is a socket listen address.
	Listen string
	// Kafka is a kafka://broker[,broker]/topic address.
	Kafka      string
	KafkaGroup string
	// AMQP is an amqp(s):// address. The queue defaults to its routing_key.
	AMQP  string
	Queue string
}

// ServePartner runs partner-side receivers until ctx is cancelled.
func ServePartner(ctx context.Context, cfg config.Config, opts PartnerOptions, log *slog.Logger) error {
	if opts.Listen == "" && opts.Kafka == "" && opts.AMQP == "" {
		return errors.New("no receiver configured")
	}
	engine, err := OpenEngine(cfg.Storage)
	if err != nil {
		return err
	}
	defer engine.Close()
	inbox := socket.NewInbox(engine, log)
	admission := socket.Admission{PartnerID: opts.PartnerID, KeyTTL: cfg.Keys.TTL}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Listen != "" {
		srv := socket.NewServer(socket.Config{
			Network:   "tcp",
			Address:   opts.Listen,
			AuthToken: cfg.Transport.Socket.AuthToken,
			MaxFrame:  cfg.Transport.Socket.MaxFrame,
			PartnerID: admission.PartnerID,
			KeyTTL:    admission.KeyTTL,
		}, inbox, log)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if opts.Kafka != "" {
		c, err := kafkaReceiver(cfg, opts, admission, inbox, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(c.Start(ctx)) })
	}
	if opts.AMQP != "" {
		c, err := amqpReceiver(cfg, opts, admission, inbox, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

func kafkaReceiver(cfg config.Config, opts PartnerOptions, admission socket.Admission, inbox *socket.Inbox, log *slog.Logger) (*kafka.Consumer, error) {
	t, err := transport.ParseAddress(opts.Kafka)
	if err != nil {
		return nil, err
	}
	if t.Scheme != transport.SchemeKafka {
		return nil, fmt.Errorf("%s is not a kafka address", opts.Kafka)
	}
	group := opts.KafkaGroup
	if group == "" {
		group = "distreg-partner-" + opts.PartnerID
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:   t.Brokers,
		Topic:     t.Topic,
		GroupID:   group,
		ClientID:  cfg.Transport.Kafka.ClientID,
		Admission: admission,
	}, inbox, log)
}

func amqpReceiver(cfg config.Config, opts PartnerOptions, admission socket.Admission, inbox *socket.Inbox, log *slog.Logger) (*rabbitmq.Consumer, error) {
	t, err := transport.ParseAddress(opts.AMQP)
	if err != nil {
		return nil, err
	}
	if t.Scheme != transport.SchemeAMQP {
		return nil, fmt.Errorf("%s is not an amqp address", opts.AMQP)
	}
	queue := opts.Queue
	if queue == "" {
		queue = t.RoutingKey
	}
	return rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         t.URL,
		Exchange:    t.Exchange,
		Queue:       queue,
		RoutingKeys: []string{t.RoutingKey},
		Admission:   admission,
	}, inbox, log)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
