package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"distreg/internal/domain"
	"distreg/internal/transport"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeConfirmer struct {
	mu     sync.Mutex
	msgs   []published
	nack   bool
	closed bool
}

func (f *fakeConfirmer) Publish(_ context.Context, exchange, key string, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nack {
		f.closed = true
		return errors.New("broker nacked publish")
	}
	f.msgs = append(f.msgs, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeConfirmer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConfirmer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakePublisher(t *testing.T, next func() *fakeConfirmer) (*Publisher, *[]string) {
	t.Helper()
	p, err := NewPublisher(Config{})
	if err != nil {
		t.Fatal(err)
	}
	var dials []string
	p.dial = func(url string) (confirmer, error) {
		dials = append(dials, url)
		return next(), nil
	}
	return p, &dials
}

func TestSendPublishesPersistentMessage(t *testing.T) {
	fc := &fakeConfirmer{}
	p, dials := newFakePublisher(t, func() *fakeConfirmer { return fc })
	partner := domain.Partner{ID: "C", Address: "amqp://guest:guest@mq:5672/?exchange=models&routing_key=partner.c"}
	env := transport.Envelope{DispatchID: "d1", PackageID: "sha256:p", Name: "risk-model", Version: 3, Checksum: "sha256:c", Payload: []byte("abc"), PriorityClass: domain.PriorityUrgent, Key: "k", SourceTenant: "DEMOFIRM", SentAt: time.Unix(7, 0)}

	for i := 0; i < 2; i++ {
		ack, err := p.Send(context.Background(), partner, env)
		if err != nil {
			t.Fatal(err)
		}
		if ack.Receipt != "models/partner.c/d1:C" {
			t.Fatalf("unexpected receipt %q", ack.Receipt)
		}
	}
	if len(*dials) != 1 || (*dials)[0] != "amqp://guest:guest@mq:5672/" {
		t.Fatalf("expected one dial without routing params, got %v", *dials)
	}

	got := fc.msgs[0]
	if got.exchange != "models" || got.key != "partner.c" {
		t.Fatalf("unexpected route %s/%s", got.exchange, got.key)
	}
	if got.msg.DeliveryMode != amqp091.Persistent || got.msg.Priority != 9 || string(got.msg.Body) != "abc" {
		t.Fatalf("unexpected publishing %+v", got.msg)
	}

	decoded, err := EnvelopeFromDelivery(amqp091.Delivery{Headers: got.msg.Headers, Body: got.msg.Body, Timestamp: got.msg.Timestamp})
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PackageID != env.PackageID || decoded.Version != 3 || decoded.PartnerID != "C" || decoded.PriorityClass != domain.PriorityUrgent {
		t.Fatalf("header round trip mismatch: %+v", decoded)
	}
}

func TestNackRedialsOnNextSend(t *testing.T) {
	first := &fakeConfirmer{nack: true}
	second := &fakeConfirmer{}
	pool := []*fakeConfirmer{first, second}
	p, dials := newFakePublisher(t, func() *fakeConfirmer {
		c := pool[0]
		pool = pool[1:]
		return c
	})
	partner := domain.Partner{ID: "C", Address: "amqp://mq:5672/?routing_key=q"}

	if _, err := p.Send(context.Background(), partner, transport.Envelope{}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error on nack, got %v", err)
	}
	if _, err := p.Send(context.Background(), partner, transport.Envelope{}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if len(*dials) != 2 || len(second.msgs) != 1 {
		t.Fatalf("expected redial after nack, dials=%v", *dials)
	}
	if err := p.Close(); err != nil || !second.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestSendRejectsOtherSchemes(t *testing.T) {
	p, _ := newFakePublisher(t, func() *fakeConfirmer { return &fakeConfirmer{} })
	if _, err := p.Send(context.Background(), domain.Partner{ID: "A", Address: "h:1"}, transport.Envelope{}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected scheme mismatch, got %v", err)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	if cfg, err := buildTLSConfig(TLSConfig{}); err != nil || cfg != nil {
		t.Fatalf("disabled tls should yield nil config: %v %v", cfg, err)
	}
	if _, err := buildTLSConfig(TLSConfig{Enabled: true, CAFile: "/does/not/exist.pem"}); err == nil {
		t.Fatal("expected missing ca file error")
	}
	cfg, err := buildTLSConfig(TLSConfig{Enabled: true, ServerName: "mq"})
	if err != nil || cfg.ServerName != "mq" {
		t.Fatalf("unexpected tls config %v %v", cfg, err)
	}
}
