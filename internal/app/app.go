// Package app wires configuration into a running register.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"distreg/internal/api"
	"distreg/internal/config"
	"distreg/internal/dispatch"
	"distreg/internal/epoch"
	"distreg/internal/obs"
	"distreg/internal/pkgstore"
	"distreg/internal/registry"
	"distreg/internal/status"
	"distreg/internal/storage"
	"distreg/internal/storage/memory"
	"distreg/internal/storage/s3backup"
	"distreg/internal/storage/sqlite"
	"distreg/internal/transport"
	"distreg/internal/transport/kafka"
	"distreg/internal/transport/rabbitmq"
	"distreg/internal/transport/socket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	// Sender replaces the scheme mux built from config.
	Sender transport.Sender
	// Engine replaces the storage engine selected by storage.driver.
	Engine storage.Engine
	// Mirror replaces the S3 mirror selected by backup.s3.
	Mirror    pkgstore.Mirror
	LogOutput io.Writer
}

type App struct {
	Config     config.Config
	Log        *slog.Logger
	Metrics    *obs.Metrics
	Gatherer   prometheus.Gatherer
	Engine     storage.Engine
	Gate       *epoch.Gate
	Partners   *registry.Registry
	Packages   *pkgstore.Store
	Book       *dispatch.Book
	Dispatcher *dispatch.Dispatcher
	Status     *status.Facade

	mux *transport.Mux
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := obs.NewLogger(out, cfg.Log.Level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	engine := opts.Engine
	if engine == nil {
		var err error
		if engine, err = OpenEngine(cfg.Storage); err != nil {
			return nil, err
		}
	}

	a := &App{Config: cfg, Log: log, Metrics: metrics, Gatherer: reg, Engine: engine, Gate: epoch.New()}
	if err := a.wire(ctx, opts); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config
	var err error
	if a.Partners, err = registry.Open(ctx, a.Engine, a.Gate, a.Log, a.Metrics); err != nil {
		return err
	}

	mirror := opts.Mirror
	if mirror == nil && cfg.Backup.S3.Enabled {
		m, err := s3backup.New(ctx, s3backup.Config{
			Bucket:   cfg.Backup.S3.Bucket,
			Region:   cfg.Backup.S3.Region,
			Endpoint: cfg.Backup.S3.Endpoint,
			Prefix:   cfg.Backup.S3.Prefix,
		})
		if err != nil {
			return fmt.Errorf("s3 backup: %w", err)
		}
		mirror = m
	}
	a.Packages = pkgstore.New(a.Engine, mirror, a.Log, a.Metrics)

	if a.Book, err = dispatch.OpenBook(ctx, a.Engine, a.Gate); err != nil {
		return err
	}
	a.Metrics.SetPendingUrgent(a.Book.PendingUrgent())

	sender := opts.Sender
	if sender == nil {
		if a.mux, err = NewMux(cfg.Transport); err != nil {
			return err
		}
		sender = a.mux
	}
	a.Dispatcher = dispatch.New(dispatch.Config{
		FirmID:         cfg.Server.FirmID,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		Backoff:        dispatch.Backoff{Base: cfg.Dispatch.BaseDelay, Max: cfg.Dispatch.MaxDelay, Jitter: cfg.Dispatch.Jitter},
		Concurrency:    cfg.Dispatch.Concurrency,
		RateLimit:      cfg.Dispatch.RateLimit,
	}, a.Packages, a.Partners, a.Book, sender, a.Log, a.Metrics)
	a.Status = status.New(a.Gate, a.Partners, a.Book)
	return nil
}

// OpenEngine opens the storage driver named in cfg.
func OpenEngine(cfg config.StorageConfig) (storage.Engine, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewEngine(), nil
	case "sqlite":
		s, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewMux registers a sender for every supported address scheme.
func NewMux(cfg config.TransportConfig) (*transport.Mux, error) {
	mux := transport.NewMux()
	mux.Handle(transport.SchemeSocket, socket.NewClient(cfg.Socket.AuthToken, cfg.Socket.MaxFrame))
	producer, err := kafka.NewProducer(kafka.Config{ClientID: cfg.Kafka.ClientID})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	mux.Handle(transport.SchemeKafka, producer)
	publisher, err := rabbitmq.NewPublisher(rabbitmq.Config{ConfirmTimeout: cfg.RabbitMQ.ConfirmTimeout})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq publisher: %w", err)
	}
	mux.Handle(transport.SchemeAMQP, publisher)
	return mux, nil
}

// Handler serves the API with /metrics alongside.
func (a *App) Handler() http.Handler {
	srv := api.NewServer(a.Status, a.Partners, a.Packages, a.Log, a.Metrics)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the HTTP surface on addr until ctx is cancelled, then shuts
// down gracefully.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var (
		wg       sync.WaitGroup
		serveErr error
	)
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Log.Info("http listening", "op", "serve", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown", "op", "serve", "err", err)
	}
	wg.Wait()
	a.Log.Info("http stopped", "op", "serve")
	return serveErr
}

func (a *App) Close() error {
	var errs []error
	if a.mux != nil {
		errs = append(errs, a.mux.Close())
	}
	errs = append(errs, a.Engine.Close())
	return errors.Join(errs...)
}
