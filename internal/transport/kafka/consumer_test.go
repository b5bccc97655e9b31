package kafka

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

	"github.com/twmb/franz-go/pkg/kgo"
)

type stubReceiver struct {
	mu   sync.Mutex
	got  []transport.Envelope
	err  error
	wait chan struct{}
}

func (s *stubReceiver) Accept(_ context.Context, env transport.Envelope) (socket.Receipt, error) {
	if s.wait != nil {
		<-s.wait
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	if s.err != nil {
		return socket.Receipt{}, s.err
	}
	return socket.Receipt{ID: "r1", ReceivedAt: time.Now()}, nil
}

func (s *stubReceiver) Health(context.Context) (bool, string) { return true, "ok" }

func (s *stubReceiver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func deliveryRecord(t *testing.T, partnerID string, payload []byte) *kgo.Record {
	t.Helper()
	k, err := keys.NewIssuer().Generate("DEMOFIRM")
	if err != nil {
		t.Fatal(err)
	}
	checksum := pkgstore.Checksum(payload)
	env := transport.Envelope{
		DispatchID:    "d1",
		PackageID:     pkgstore.PackageID("risk-model", 1, checksum),
		Name:          "risk-model",
		Version:       1,
		Checksum:      checksum,
		Payload:       payload,
		PriorityClass: domain.PriorityNormal,
		Key:           keys.Format(k),
		SourceTenant:  "DEMOFIRM",
		SentAt:        time.Now(),
	}
	rec := Record("packages", partnerID, env)
	rec.Offset = 1
	return rec
}

func testConsumer(recv socket.Receiver, commits chan<- *kgo.Record) *Consumer {
	cfg := ConsumerConfig{Brokers: []string{"b:9092"}, Topic: "packages", GroupID: "g", Admission: socket.Admission{PartnerID: "B"}}
	cfg.withDefaults()
	c := newConsumer(cfg, recv, nil)
	c.markCommit = func(r *kgo.Record) { commits <- r }
	c.commitMarked = func(context.Context) error { return nil }
	c.pauseFetch = func(...string) {}
	c.resumeFetch = func(...string) {}
	return c
}

func TestConsumerConfigValidate(t *testing.T) {
	cfg := ConsumerConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "packages", GroupID: "partner-b"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WorkerCount != 4 || cfg.ClientID != "distreg-partner" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := (ConsumerConfig{Brokers: []string{"b"}, Topic: "packages"}).Validate(); err == nil {
		t.Fatal("expected missing group id error")
	}
}

func TestOffsetCommitOnlyAfterAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recv := &stubReceiver{wait: make(chan struct{})}
	commits := make(chan *kgo.Record, 1)
	c := testConsumer(recv, commits)

	go c.handleAcks(ctx)
	go c.runWorker(ctx)
	c.records <- deliveryRecord(t, "B", []byte("abc"))

	select {
	case <-commits:
		t.Fatal("offset committed before the package was stored")
	case <-time.After(75 * time.Millisecond):
	}
	close(recv.wait)
	select {
	case <-commits:
	case <-time.After(time.Second):
		t.Fatal("expected commit after accept")
	}
	if recv.count() != 1 || string(recv.got[0].Payload) != "abc" {
		t.Fatalf("unexpected accepted envelopes %+v", recv.got)
	}
}

func TestRejectedRecordsAreCommittedWithoutAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recv := &stubReceiver{}
	commits := make(chan *kgo.Record, 3)
	c := testConsumer(recv, commits)
	go c.handleAcks(ctx)
	go c.runWorker(ctx)

	tampered := deliveryRecord(t, "B", []byte("abc"))
	tampered.Value = []byte("abd")
	c.records <- tampered
	c.records <- deliveryRecord(t, "C", []byte("abc"))
	c.records <- &kgo.Record{Topic: "packages", Value: []byte("no headers")}

	for i := 0; i < 3; i++ {
		select {
		case <-commits:
		case <-time.After(time.Second):
			t.Fatalf("expected rejected record %d to be committed", i)
		}
	}
	if recv.count() != 0 {
		t.Fatalf("rejected records reached the receiver: %d", recv.count())
	}
}

func TestCommitSkippedWhenReceiverFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recv := &stubReceiver{err: errors.New("disk full")}
	commits := make(chan *kgo.Record, 1)
	c := testConsumer(recv, commits)
	go c.handleAcks(ctx)
	go c.runWorker(ctx)

	c.records <- deliveryRecord(t, "B", []byte("abc"))
	select {
	case <-commits:
		t.Fatal("expected no offset commit when the receiver fails")
	case <-time.After(100 * time.Millisecond):
	}
	if recv.count() != 1 {
		t.Fatalf("expected one accept attempt, got %d", recv.count())
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	c := newConsumer(ConsumerConfig{Topic: "packages", QueueCapacity: 2}, &stubReceiver{}, nil)
	paused, resumed := 0, 0
	c.pauseFetch = func(...string) { paused++ }
	c.resumeFetch = func(...string) { resumed++ }

	c.records <- &kgo.Record{}
	c.records <- &kgo.Record{}
	c.maybePause()
	c.maybePause()
	if paused != 1 {
		t.Fatalf("expected one pause, got %d", paused)
	}
	<-c.records
	c.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}
