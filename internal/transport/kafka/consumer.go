package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"distreg/internal/domain"
	"distreg/internal/obs"
	"distreg/internal/transport/socket"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type ConsumerConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	Auth           AuthConfig
	Fetch          FetchConfig
	Admission      socket.Admission
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Consumer is the partner-side receiver for kafka:// addresses. Offsets are
// committed only once the receiver holds the package, or once the record is
// known to be unusable.
type Consumer struct {
	cfg      ConsumerConfig
	receiver socket.Receiver
	log      *slog.Logger

	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	poll           func(context.Context, int) kgo.Fetches
	allowRebalance func()
	closeClient    func()
	markCommit     func(*kgo.Record)
	commitMarked   func(context.Context) error
	pauseFetch     func(...string)
	resumeFetch    func(...string)
}

type recordAck struct {
	record *kgo.Record
	commit bool
}

func NewConsumer(cfg ConsumerConfig, receiver socket.Receiver, log *slog.Logger, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
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
	c := newConsumer(cfg, receiver, log)
	c.poll = cl.PollRecords
	c.allowRebalance = cl.AllowRebalance
	c.closeClient = cl.Close
	c.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	c.commitMarked = cl.CommitMarkedOffsets
	c.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	c.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return c, nil
}

func newConsumer(cfg ConsumerConfig, receiver socket.Receiver, log *slog.Logger) *Consumer {
	if log == nil {
		log = obs.Discard()
	}
	return &Consumer{
		cfg:      cfg,
		receiver: receiver,
		log:      log,
		records:  make(chan *kgo.Record, cfg.QueueCapacity),
		acks:     make(chan recordAck, cfg.QueueCapacity),
	}
}

func (c *ConsumerConfig) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "distreg-partner"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 100
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 64 << 20
	}
}

func (c ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka group id is required")
	}
	return nil
}

// Start consumes until ctx is cancelled or the client fails.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.closeClient()
	ackCtx, stopAcks := context.WithCancel(context.WithoutCancel(ctx))
	var workers, ackers sync.WaitGroup
	ackers.Add(1)
	go func() {
		defer ackers.Done()
		c.handleAcks(ackCtx)
	}()
	for i := 0; i < c.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.runWorker(ctx)
		}()
	}
	shutdown := func(err error) error {
		close(c.records)
		workers.Wait()
		stopAcks()
		ackers.Wait()
		return err
	}

	c.log.Info("kafka receiver started", "op", "receive", "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	for {
		if ctx.Err() != nil || c.closed.Load() {
			return shutdown(ctx.Err())
		}
		fetches := c.poll(ctx, c.cfg.MaxPollRecords)
		if ctx.Err() != nil {
			return shutdown(ctx.Err())
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return shutdown(fmt.Errorf("%w: poll %s: %v", domain.ErrTransport, errs[0].Topic, errs[0].Err))
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			c.enqueue(ctx, rec)
		})
		c.allowRebalance()
	}
}

func (c *Consumer) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Consumer) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case c.records <- rec:
			c.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			c.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (c *Consumer) runWorker(ctx context.Context) {
	for rec := range c.records {
		c.acks <- recordAck{record: rec, commit: c.process(ctx, rec)}
	}
}

// process reports whether the record's offset may be committed.
func (c *Consumer) process(ctx context.Context, rec *kgo.Record) bool {
	ref := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	env, err := EnvelopeFromRecord(rec)
	if err == nil {
		err = c.cfg.Admission.Admit(env)
	}
	if err != nil {
		c.log.Warn("delivery rejected", "op", "receive", "source_ref", ref, "err", err)
		return true
	}
	rc, err := c.receiver.Accept(ctx, env)
	if err != nil {
		c.log.Error("delivery not stored", "op", "receive", "source_ref", ref, "package_id", env.PackageID, "err", err)
		return false
	}
	c.log.Debug("delivery committed", "op", "receive", "source_ref", ref, "receipt", rc.ID, "duplicate", rc.Duplicate)
	return true
}

func (c *Consumer) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-c.acks:
			if ack.record == nil || !ack.commit {
				continue
			}
			c.markCommit(ack.record)
			if err := c.commitMarked(ctx); err != nil {
				c.log.Warn("offset commit failed", "op", "receive", "topic", ack.record.Topic, "err", err)
			}
		}
	}
}

func (c *Consumer) maybePause() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if c.paused || len(c.records) < cap(c.records) {
		return
	}
	c.pauseFetch(c.cfg.Topic)
	c.paused = true
}

func (c *Consumer) maybeResume() {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if !c.paused || len(c.records) > cap(c.records)/2 {
		return
	}
	c.resumeFetch(c.cfg.Topic)
	c.paused = false
}
