package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"distreg/internal/domain"
	"distreg/internal/transport"

	"github.com/twmb/franz-go/pkg/kgo"
)

type stubClient struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	closed  bool
}

func (s *stubClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out kgo.ProduceResults
	for _, r := range rs {
		r.Partition = 3
		r.Offset = int64(len(s.records))
		r.Timestamp = time.Unix(1700000000, 0)
		s.records = append(s.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: s.err})
	}
	return out
}

func (s *stubClient) Close() { s.closed = true }

func newStubProducer(t *testing.T, stub *stubClient) (*Producer, *[][]string) {
	t.Helper()
	p, err := NewProducer(Config{})
	if err != nil {
		t.Fatal(err)
	}
	var dials [][]string
	p.newClient = func(brokers []string) (syncProducer, error) {
		dials = append(dials, brokers)
		return stub, nil
	}
	return p, &dials
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Auth: AuthConfig{SASL: SASLConfig{Enabled: true, Username: "u"}}}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ClientID != "distreg" || cfg.Auth.SASL.Mechanism != "PLAIN" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	cfg.Auth.SASL.Mechanism = "SCRAM-SHA-512"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported mechanism error")
	}
}

func TestSendProducesKeyedRecordWithHeaders(t *testing.T) {
	stub := &stubClient{}
	p, dials := newStubProducer(t, stub)
	partner := domain.Partner{ID: "B", Address: "kafka://b2:9092,b1:9092/packages"}
	env := transport.Envelope{DispatchID: "d1", PackageID: "sha256:p", Name: "risk-model", Version: 2, Checksum: "sha256:c", Payload: []byte("abc"), PriorityClass: domain.PriorityUrgent, Key: "k", SourceTenant: "DEMOFIRM", SentAt: time.Unix(5, 0)}

	for i := 0; i < 2; i++ {
		ack, err := p.Send(context.Background(), partner, env)
		if err != nil {
			t.Fatal(err)
		}
		if ack.PartnerID != "B" || ack.Receipt == "" {
			t.Fatalf("unexpected ack %+v", ack)
		}
	}
	if len(*dials) != 1 || (*dials)[0][0] != "b1:9092" {
		t.Fatalf("expected one client for the sorted broker set, got %v", *dials)
	}

	rec := stub.records[0]
	if rec.Topic != "packages" || string(rec.Key) != "B" || string(rec.Value) != "abc" {
		t.Fatalf("unexpected record %+v", rec)
	}
	decoded, err := EnvelopeFromRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PackageID != env.PackageID || decoded.Version != 2 || decoded.PriorityClass != domain.PriorityUrgent || decoded.PartnerID != "B" || !decoded.SentAt.Equal(env.SentAt) {
		t.Fatalf("header round trip mismatch: %+v", decoded)
	}

	if err := p.Close(); err != nil || !stub.closed {
		t.Fatalf("close: %v closed=%v", err, stub.closed)
	}
}

func TestSendWrapsProduceErrors(t *testing.T) {
	stub := &stubClient{err: errors.New("NOT_LEADER_FOR_PARTITION")}
	p, _ := newStubProducer(t, stub)
	_, err := p.Send(context.Background(), domain.Partner{ID: "B", Address: "kafka://b1:9092/t"}, transport.Envelope{Payload: []byte("x")})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := p.Send(context.Background(), domain.Partner{ID: "B", Address: "h:1"}, transport.Envelope{}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected scheme mismatch error, got %v", err)
	}
}
