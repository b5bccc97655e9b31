// Package kafka delivers envelopes to partners that consume from a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/transport"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const (
	HeaderDispatchID    = "distreg-dispatch-id"
	HeaderPackageID     = "distreg-package-id"
	HeaderName          = "distreg-name"
	HeaderVersion       = "distreg-version"
	HeaderChecksum      = "distreg-checksum"
	HeaderPriorityClass = "distreg-priority-class"
	HeaderKey           = "distreg-distribution-key"
	HeaderSourceTenant  = "distreg-source-tenant"
	HeaderSentAt        = "distreg-sent-at-utc-ns"
)

type Config struct {
	ClientID     string
	MaxRecordLen int32
	Auth         AuthConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

// syncProducer is the slice of *kgo.Client the producer uses.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer keeps one client per broker set and produces synchronously, so a
// send is acknowledged only once the broker has the record.
type Producer struct {
	cfg Config

	mu        sync.Mutex
	clients   map[string]syncProducer
	newClient func(brokers []string) (syncProducer, error)
}

var _ transport.Sender = (*Producer)(nil)

func NewProducer(cfg Config, opts ...kgo.Opt) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Producer{cfg: cfg, clients: map[string]syncProducer{}}
	p.newClient = func(brokers []string) (syncProducer, error) {
		kopts := []kgo.Opt{
			kgo.SeedBrokers(brokers...),
			kgo.ClientID(cfg.ClientID),
			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.ProducerBatchMaxBytes(cfg.MaxRecordLen),
		}
		if cfg.Auth.TLS.Enabled {
			kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
		}
		if cfg.Auth.SASL.Enabled {
			kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
		}
		kopts = append(kopts, opts...)
		cl, err := kgo.NewClient(kopts...)
		if err != nil {
			return nil, fmt.Errorf("new kafka client: %w", err)
		}
		return cl, nil
	}
	return p, nil
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "distreg"
	}
	if c.MaxRecordLen <= 0 {
		c.MaxRecordLen = 16 << 20
	}
	if c.Auth.SASL.Enabled && c.Auth.SASL.Mechanism == "" {
		c.Auth.SASL.Mechanism = "PLAIN"
	}
}

func (c Config) Validate() error {
	if c.Auth.SASL.Enabled {
		if !strings.EqualFold(c.Auth.SASL.Mechanism, "PLAIN") {
			return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
		}
		if c.Auth.SASL.Username == "" {
			return errors.New("kafka sasl username is required")
		}
	}
	return nil
}

func (p *Producer) Send(ctx context.Context, partner domain.Partner, env transport.Envelope) (transport.Ack, error) {
	t, err := transport.ParseAddress(partner.Address)
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if t.Scheme != transport.SchemeKafka {
		return transport.Ack{}, fmt.Errorf("%w: %s is not a kafka address", domain.ErrTransport, partner.Address)
	}
	cl, err := p.client(t.Brokers)
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	rec := Record(t.Topic, partner.ID, env)
	produced, err := cl.ProduceSync(ctx, rec).First()
	if err != nil {
		return transport.Ack{}, fmt.Errorf("%w: produce to %s: %v", domain.ErrTransport, t.Topic, err)
	}
	return transport.Ack{
		PartnerID:  partner.ID,
		Receipt:    fmt.Sprintf("%s/%d/%d", produced.Topic, produced.Partition, produced.Offset),
		ReceivedAt: produced.Timestamp.UTC(),
	}, nil
}

// Record builds the Kafka record for one envelope. The record key is the
// partner id so that all deliveries for a partner land on one partition.
func Record(topic, partnerID string, env transport.Envelope) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(partnerID),
		Value: env.Payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderDispatchID, Value: []byte(env.DispatchID)},
			{Key: HeaderPackageID, Value: []byte(env.PackageID)},
			{Key: HeaderName, Value: []byte(env.Name)},
			{Key: HeaderVersion, Value: []byte(strconv.Itoa(env.Version))},
			{Key: HeaderChecksum, Value: []byte(env.Checksum)},
			{Key: HeaderPriorityClass, Value: []byte(env.PriorityClass)},
			{Key: HeaderKey, Value: []byte(env.Key)},
			{Key: HeaderSourceTenant, Value: []byte(env.SourceTenant)},
			{Key: HeaderSentAt, Value: []byte(strconv.FormatInt(env.SentAt.UTC().UnixNano(), 10))},
		},
	}
}

// EnvelopeFromRecord is the consumer-side inverse of Record.
func EnvelopeFromRecord(rec *kgo.Record) (transport.Envelope, error) {
	h := map[string]string{}
	for _, kv := range rec.Headers {
		h[kv.Key] = string(kv.Value)
	}
	version, err := strconv.Atoi(h[HeaderVersion])
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("parse %s header: %w", HeaderVersion, err)
	}
	sentAt, err := strconv.ParseInt(h[HeaderSentAt], 10, 64)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("parse %s header: %w", HeaderSentAt, err)
	}
	return transport.Envelope{
		DispatchID:    h[HeaderDispatchID],
		PackageID:     h[HeaderPackageID],
		Name:          h[HeaderName],
		Version:       version,
		Checksum:      h[HeaderChecksum],
		Payload:       append([]byte(nil), rec.Value...),
		PriorityClass: domain.PriorityClass(h[HeaderPriorityClass]),
		Key:           h[HeaderKey],
		SourceTenant:  h[HeaderSourceTenant],
		PartnerID:     string(rec.Key),
		SentAt:        time.Unix(0, sentAt).UTC(),
	}, nil
}

func (p *Producer) client(brokers []string) (syncProducer, error) {
	sorted := append([]string(nil), brokers...)
	sort.Strings(sorted)
	k := strings.Join(sorted, ",")

	p.mu.Lock()
	defer p.mu.Unlock()
	if cl, ok := p.clients[k]; ok {
		return cl, nil
	}
	cl, err := p.newClient(sorted)
	if err != nil {
		return nil, err
	}
	p.clients[k] = cl
	return cl, nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, cl := range p.clients {
		cl.Close()
		delete(p.clients, k)
	}
	return nil
}
