// Package rabbitmq delivers envelopes to partners that consume from an AMQP
// exchange. Publishes use publisher confirms; a send succeeds only on broker ack.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/transport"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	ConfirmTimeout time.Duration
	TLS            TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
}

// confirmer publishes one message and waits for the broker's confirm.
type confirmer interface {
	Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error
	Closed() bool
	Close() error
}

type Publisher struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]confirmer
	dial  func(url string) (confirmer, error)
}

var _ transport.Sender = (*Publisher)(nil)

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	p := &Publisher{cfg: cfg, conns: map[string]confirmer{}}
	p.dial = func(url string) (confirmer, error) { return dialConfirmer(url, tlsCfg, cfg.ConfirmTimeout) }
	return p, nil
}

func (p *Publisher) Send(ctx context.Context, partner domain.Partner, env transport.Envelope) (transport.Ack, error) {
	t, err := transport.ParseAddress(partner.Address)
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if t.Scheme != transport.SchemeAMQP {
		return transport.Ack{}, fmt.Errorf("%w: %s is not an amqp address", domain.ErrTransport, partner.Address)
	}
	c, err := p.confirmer(t.URL)
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	msg := Publishing(partner.ID, env)
	if err := c.Publish(ctx, t.Exchange, t.RoutingKey, msg); err != nil {
		p.drop(t.URL, c)
		return transport.Ack{}, fmt.Errorf("%w: publish to %s/%s: %v", domain.ErrTransport, t.Exchange, t.RoutingKey, err)
	}
	return transport.Ack{
		PartnerID:  partner.ID,
		Receipt:    fmt.Sprintf("%s/%s/%s", t.Exchange, t.RoutingKey, msg.MessageId),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Publishing builds the AMQP message for one envelope.
func Publishing(partnerID string, env transport.Envelope) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.DispatchID + ":" + partnerID,
		Timestamp:    env.SentAt.UTC(),
		AppId:        "distreg",
		Priority:     priority(env.PriorityClass),
		Body:         env.Payload,
		Headers: amqp091.Table{
			"dispatch_id":      env.DispatchID,
			"package_id":       env.PackageID,
			"name":             env.Name,
			"version":          int64(env.Version),
			"checksum":         env.Checksum,
			"priority_class":   string(env.PriorityClass),
			"distribution_key": env.Key,
			"source_tenant":    env.SourceTenant,
			"partner_id":       partnerID,
		},
	}
}

func priority(c domain.PriorityClass) uint8 {
	if c == domain.PriorityUrgent {
		return 9
	}
	return 0
}

// EnvelopeFromDelivery is the consumer-side inverse of Publishing.
func EnvelopeFromDelivery(d amqp091.Delivery) (transport.Envelope, error) {
	version, err := strconv.Atoi(headerString(d.Headers, "version"))
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("parse version header: %w", err)
	}
	return transport.Envelope{
		DispatchID:    headerString(d.Headers, "dispatch_id"),
		PackageID:     headerString(d.Headers, "package_id"),
		Name:          headerString(d.Headers, "name"),
		Version:       version,
		Checksum:      headerString(d.Headers, "checksum"),
		Payload:       append([]byte(nil), d.Body...),
		PriorityClass: domain.PriorityClass(headerString(d.Headers, "priority_class")),
		Key:           headerString(d.Headers, "distribution_key"),
		SourceTenant:  headerString(d.Headers, "source_tenant"),
		PartnerID:     headerString(d.Headers, "partner_id"),
		SentAt:        d.Timestamp.UTC(),
	}, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (p *Publisher) confirmer(url string) (confirmer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[url]; ok && !c.Closed() {
		return c, nil
	}
	c, err := p.dial(url)
	if err != nil {
		return nil, err
	}
	p.conns[url] = c
	return c, nil
}

// drop forgets a connection after a failed publish so the next send redials.
func (p *Publisher) drop(url string, c confirmer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[url]; ok && cur == c && c.Closed() {
		delete(p.conns, url)
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for url, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, url)
	}
	return errors.Join(errs...)
}

type amqpConfirmer struct {
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	timeout time.Duration
}

func dialConfirmer(url string, tlsCfg *tls.Config, timeout time.Duration) (confirmer, error) {
	dialCfg := amqp091.Config{TLSClientConfig: tlsCfg}
	conn, err := amqp091.DialConfig(url, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &amqpConfirmer{conn: conn, ch: ch, timeout: timeout}, nil
}

func (c *amqpConfirmer) Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("channel is not in confirm mode")
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	acked, err := dc.WaitContext(wctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("broker nacked publish")
	}
	return nil
}

func (c *amqpConfirmer) Closed() bool { return c.conn.IsClosed() || c.ch.IsClosed() }

func (c *amqpConfirmer) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
