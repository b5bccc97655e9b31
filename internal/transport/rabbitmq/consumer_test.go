package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"distreg/internal/domain"
	"distreg/internal/keys"
	"distreg/internal/pkgstore"
	"distreg/internal/transport"
	"distreg/internal/transport/socket"

	"github.com/rabbitmq/amqp091-go"
)

type fakeAcker struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

type stubReceiver struct {
	got []transport.Envelope
	err error
}

func (s *stubReceiver) Accept(_ context.Context, env transport.Envelope) (socket.Receipt, error) {
	s.got = append(s.got, env)
	if s.err != nil {
		return socket.Receipt{}, s.err
	}
	return socket.Receipt{ID: "r1", ReceivedAt: time.Now()}, nil
}

func (s *stubReceiver) Health(context.Context) (bool, string) { return true, "ok" }

func validEnvelope(t *testing.T, payload []byte) transport.Envelope {
	t.Helper()
	k, err := keys.NewIssuer().Generate("DEMOFIRM")
	if err != nil {
		t.Fatal(err)
	}
	checksum := pkgstore.Checksum(payload)
	return transport.Envelope{
		DispatchID:    "d1",
		PackageID:     pkgstore.PackageID("risk-model", 1, checksum),
		Name:          "risk-model",
		Version:       1,
		Checksum:      checksum,
		Payload:       payload,
		PriorityClass: domain.PriorityUrgent,
		Key:           keys.Format(k),
		SourceTenant:  "DEMOFIRM",
		SentAt:        time.Now(),
	}
}

func delivery(acker amqp091.Acknowledger, tag uint64, partnerID string, env transport.Envelope) amqp091.Delivery {
	msg := Publishing(partnerID, env)
	return amqp091.Delivery{Acknowledger: acker, DeliveryTag: tag, Headers: msg.Headers, Body: msg.Body, Timestamp: msg.Timestamp}
}

func TestConsumerConfigValidate(t *testing.T) {
	if err := (ConsumerConfig{Queue: "partner.c"}).Validate(); err == nil {
		t.Fatal("expected missing url error")
	}
	if err := (ConsumerConfig{URL: "amqp://mq/"}).Validate(); err == nil {
		t.Fatal("expected missing queue error")
	}
	if _, err := NewConsumer(ConsumerConfig{URL: "amqp://mq/", Queue: "partner.c"}, nil, nil); err == nil {
		t.Fatal("expected missing receiver error")
	}
}

func TestProcessAcksAcceptedDelivery(t *testing.T) {
	recv := &stubReceiver{}
	c, err := NewConsumer(ConsumerConfig{URL: "amqp://mq/", Queue: "partner.c", Admission: socket.Admission{PartnerID: "C"}}, recv, nil)
	if err != nil {
		t.Fatal(err)
	}
	acker := &fakeAcker{}
	c.process(context.Background(), delivery(acker, 7, "C", validEnvelope(t, []byte("abc"))))
	if len(acker.acked) != 1 || acker.acked[0] != 7 || len(acker.nacked) != 0 {
		t.Fatalf("expected ack of tag 7, got %+v", acker)
	}
	if len(recv.got) != 1 || recv.got[0].PriorityClass != domain.PriorityUrgent || string(recv.got[0].Payload) != "abc" {
		t.Fatalf("unexpected accepted envelopes %+v", recv.got)
	}
}

func TestProcessDropsUnusableDeliveries(t *testing.T) {
	recv := &stubReceiver{}
	c, _ := NewConsumer(ConsumerConfig{URL: "amqp://mq/", Queue: "partner.c", Admission: socket.Admission{PartnerID: "C"}}, recv, nil)
	acker := &fakeAcker{}

	tampered := delivery(acker, 1, "C", validEnvelope(t, []byte("abc")))
	tampered.Body = []byte("abd")
	c.process(context.Background(), tampered)
	c.process(context.Background(), delivery(acker, 2, "D", validEnvelope(t, []byte("abc"))))
	c.process(context.Background(), amqp091.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte("x")})

	if len(acker.nacked) != 3 || len(acker.acked) != 0 {
		t.Fatalf("expected three nacks, got %+v", acker)
	}
	for i, rq := range acker.requeue {
		if rq {
			t.Fatalf("delivery %d was requeued", acker.nacked[i])
		}
	}
	if len(recv.got) != 0 {
		t.Fatalf("unusable deliveries reached the receiver: %+v", recv.got)
	}
}

func TestProcessRequeuesWhenReceiverFails(t *testing.T) {
	recv := &stubReceiver{err: errors.New("disk full")}
	c, _ := NewConsumer(ConsumerConfig{URL: "amqp://mq/", Queue: "partner.c"}, recv, nil)
	acker := &fakeAcker{}
	c.process(context.Background(), delivery(acker, 4, "C", validEnvelope(t, []byte("abc"))))
	if len(acker.nacked) != 1 || !acker.requeue[0] {
		t.Fatalf("expected requeueing nack, got %+v", acker)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := NewConsumer(ConsumerConfig{URL: "amqp://mq/", Queue: "partner.c"}, &stubReceiver{}, nil)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
