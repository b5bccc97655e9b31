// Package dispatch fans packages out to the registered partners.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/keys"
	"distreg/internal/obs"
	"distreg/internal/pkgstore"
	"distreg/internal/transport"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Config struct {
	// FirmID is the tenant stamped into every envelope's distribution key.
	FirmID         string
	MaxRetries     int
	AttemptTimeout time.Duration
	Backoff        Backoff
	Concurrency    int
	// RateLimit is sends per second across all partners. Zero disables it.
	RateLimit float64
	// TierDelay pauses between urgent tiers after the previous tier is issued.
	TierDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
}

type Packages interface {
	Fetch(ctx context.Context, id string) (domain.Package, error)
	Publish(ctx context.Context, name string, payload []byte) (domain.Package, error)
}

type Partners interface {
	Snapshot() []domain.Partner
	MarkUnreachable(ctx context.Context, id string) error
	MarkContacted(ctx context.Context, id string, at time.Time) error
}

type Options struct {
	// Partners restricts the dispatch to these partner ids.
	Partners []string
}

type Dispatcher struct {
	cfg      Config
	packages Packages
	partners Partners
	book     *Book
	sender   transport.Sender
	issuer   *keys.Issuer
	notifier Notifier
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	log      *slog.Logger
	metrics  *obs.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func New(cfg Config, packages Packages, partners Partners, book *Book, sender transport.Sender, log *slog.Logger, metrics *obs.Metrics) *Dispatcher {
	cfg.withDefaults()
	if log == nil {
		log = obs.Discard()
	}
	d := &Dispatcher{
		cfg:      cfg,
		packages: packages,
		partners: partners,
		book:     book,
		sender:   sender,
		issuer:   keys.NewIssuer(),
		notifier: LogNotifier{Log: log},
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:      log,
		metrics:  metrics,
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// SetNotifier replaces the default log notifier used by SendUrgent.
func (d *Dispatcher) SetNotifier(n Notifier) {
	if n != nil {
		d.notifier = n
	}
}

// target is one partner's share of a dispatch.
type target struct {
	partner domain.Partner
	key     string
	record  domain.DeliveryRecord
	result  domain.PartnerResult
}

// Dispatch delivers package packageID to every Active partner. Individual
// partner failures are reported, not returned. A caller deadline returns a
// report with Partial set and the unfinished records left non-terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, packageID string, class domain.PriorityClass, opts Options) (domain.DispatchReport, error) {
	start := d.now()
	if class == "" {
		class = domain.PriorityNormal
	}
	if class != domain.PriorityNormal && class != domain.PriorityUrgent {
		return domain.DispatchReport{}, fmt.Errorf("%w: priority class %q", domain.ErrValidation, class)
	}
	pkg, err := d.packages.Fetch(ctx, packageID)
	if err != nil {
		return domain.DispatchReport{}, err
	}
	if !pkgstore.Verify(pkg) {
		d.log.Error("dispatch aborted", "op", "dispatch", "package_id", packageID, "err", "checksum mismatch")
		return domain.DispatchReport{}, fmt.Errorf("%w: package %s payload does not match checksum", domain.ErrIntegrity, packageID)
	}
	partners, err := d.eligible(opts)
	if err != nil {
		return domain.DispatchReport{}, err
	}

	report := domain.DispatchReport{
		DispatchID:    d.newID(),
		PackageID:     pkg.ID,
		PriorityClass: class,
		StartedAt:     start.UTC(),
		Total:         len(partners),
	}

	var live []*target
	targets := make([]*target, len(partners))
	for i, p := range partners {
		t := &target{partner: p, result: domain.PartnerResult{PartnerID: p.ID, Priority: p.Priority}}
		targets[i] = t
		if rec, ok := d.book.Get(pkg.ID, p.ID); ok && rec.Outcome.Terminal() {
			t.result.Outcome, t.result.Attempts, t.result.Skipped = rec.Outcome, rec.AttemptCount, true
			continue
		}
		k, err := d.issuer.Generate(d.cfg.FirmID)
		if err != nil {
			d.release(pkg.ID, report.DispatchID, live)
			return domain.DispatchReport{}, fmt.Errorf("issue distribution key: %w", err)
		}
		t.key = keys.Format(k)
		rec, claimed, err := d.book.Begin(ctx, pkg.ID, p.ID, report.DispatchID, class)
		if err != nil {
			d.release(pkg.ID, report.DispatchID, live)
			return domain.DispatchReport{}, fmt.Errorf("begin delivery record: %w", err)
		}
		t.result.Outcome, t.result.Attempts = rec.Outcome, rec.AttemptCount
		switch {
		case rec.Outcome.Terminal():
			t.result.Skipped = true
			continue
		case !claimed:
			t.result.InFlight = true
			continue
		}
		t.record = rec
		live = append(live, t)
	}
	defer d.release(pkg.ID, report.DispatchID, live)

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		fault error
	)
	fail := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if fault == nil {
			fault = err
		}
	}
	for i, tier := range tiers(live, class) {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && d.cfg.TierDelay > 0 {
			if d.sleep(ctx, d.cfg.TierDelay) != nil {
				break
			}
		}
		issued := make(chan struct{}, len(tier))
		for _, t := range tier {
			wg.Add(1)
			go func(t *target) {
				defer wg.Done()
				if err := d.deliver(ctx, pkg, class, report.DispatchID, t, issued); err != nil {
					fail(err)
				}
			}(t)
		}
		// Every send of this tier is issued before the next tier starts.
		for range tier {
			<-issued
		}
	}
	wg.Wait()

	report.FinishedAt = d.now().UTC()
	for _, t := range targets {
		switch {
		case t.result.Skipped:
			report.Skipped++
		case t.result.Outcome == domain.OutcomeDelivered:
			report.Delivered++
		case t.result.Outcome == domain.OutcomeAbandoned:
			report.Abandoned++
		default:
			report.Pending++
		}
		report.Results = append(report.Results, t.result)
	}
	report.Partial = report.Pending > 0

	if err := d.book.SaveReport(context.WithoutCancel(ctx), report); err != nil {
		fail(fmt.Errorf("save dispatch report: %w", err))
	}
	d.metrics.ObserveDispatch(string(class), report.Partial)
	d.metrics.SetPendingUrgent(d.book.PendingUrgent())
	d.log.Info("dispatch", "op", "dispatch", "dispatch_id", report.DispatchID, "package_id", pkg.ID,
		"priority_class", class, "total", report.Total, "delivered", report.Delivered,
		"abandoned", report.Abandoned, "pending", report.Pending, "skipped", report.Skipped,
		"partial", report.Partial, obs.Since(start))
	return report, fault
}

// eligible returns the Active partners in priority order, optionally limited
// to ids. Naming an unknown partner is an error; naming an inactive one
// simply leaves it out.
func (d *Dispatcher) eligible(opts Options) ([]domain.Partner, error) {
	snap := d.partners.Snapshot()
	var want map[string]bool
	if len(opts.Partners) > 0 {
		want = map[string]bool{}
		known := map[string]bool{}
		for _, p := range snap {
			known[p.ID] = true
		}
		for _, id := range opts.Partners {
			if !known[id] {
				return nil, fmt.Errorf("%w: partner %s", domain.ErrNotFound, id)
			}
			want[id] = true
		}
	}
	var out []domain.Partner
	for _, p := range snap {
		if p.Status != domain.PartnerActive {
			continue
		}
		if want != nil && !want[p.ID] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// tiers groups urgent targets by ascending priority. Normal traffic is a
// single tier.
func tiers(ts []*target, class domain.PriorityClass) [][]*target {
	if len(ts) == 0 {
		return nil
	}
	if class != domain.PriorityUrgent {
		return [][]*target{ts}
	}
	sorted := append([]*target(nil), ts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].partner.Priority < sorted[j].partner.Priority })
	var out [][]*target
	for _, t := range sorted {
		n := len(out)
		if n == 0 || out[n-1][0].partner.Priority != t.partner.Priority {
			out = append(out, []*target{t})
			continue
		}
		out[n-1] = append(out[n-1], t)
	}
	return out
}

// deliver runs the attempt loop for one partner. It signals issued once the
// first attempt starts, or when it gives up before starting one. The error
// return is reserved for delivery log faults.
func (d *Dispatcher) deliver(ctx context.Context, pkg domain.Package, class domain.PriorityClass, dispatchID string, t *target, issued chan<- struct{}) error {
	signal := sync.OnceFunc(func() { issued <- struct{}{} })
	defer signal()

	env := transport.Envelope{
		DispatchID:    dispatchID,
		PackageID:     pkg.ID,
		Name:          pkg.Name,
		Version:       pkg.Version,
		Checksum:      pkg.Checksum,
		Payload:       pkg.Payload,
		PriorityClass: class,
		Key:           t.key,
		SourceTenant:  d.cfg.FirmID,
		PartnerID:     t.partner.ID,
	}
	seed := dispatchID + ":" + t.partner.ID
	if t.record.AttemptCount >= d.cfg.MaxRetries {
		// The retry budget shrank since this record's last attempts.
		return d.abandon(ctx, pkg.ID, class, dispatchID, t)
	}
	for t.record.AttemptCount < d.cfg.MaxRetries {
		if d.limiter != nil {
			if d.limiter.Wait(ctx) != nil {
				return nil
			}
		}
		if d.sem.Acquire(ctx, 1) != nil {
			return nil
		}
		signal()
		began := d.now()
		env.SentAt = began.UTC()
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		ack, err := d.sender.Send(actx, t.partner, env)
		cancel()
		d.sem.Release(1)
		latency := d.now().Sub(began)

		if err == nil {
			d.metrics.ObserveAttempt(string(class), "ok", latency)
			rec, err := d.book.Attempt(context.WithoutCancel(ctx), pkg.ID, t.partner.ID, dispatchID, domain.OutcomeDelivered, began, "")
			if err != nil {
				return err
			}
			t.apply(rec)
			contact := ack.ReceivedAt
			if contact.IsZero() {
				contact = d.now()
			}
			if err := d.partners.MarkContacted(context.WithoutCancel(ctx), t.partner.ID, contact); err != nil {
				d.log.Warn("mark contacted failed", "op", "dispatch", "partner_id", t.partner.ID, "err", err)
			}
			d.metrics.ObserveDelivery(string(class), string(domain.OutcomeDelivered))
			d.log.Debug("delivered", "op", "deliver", "dispatch_id", dispatchID, "partner_id", t.partner.ID, "attempts", rec.AttemptCount, "receipt", ack.Receipt)
			return nil
		}
		// Attempts cut short by the caller are not counted.
		if ctx.Err() != nil {
			d.metrics.ObserveAttempt(string(class), "cancelled", latency)
			return nil
		}
		d.metrics.ObserveAttempt(string(class), attemptResult(err), latency)
		rec, terr := d.book.Attempt(context.WithoutCancel(ctx), pkg.ID, t.partner.ID, dispatchID, domain.OutcomeFailed, began, err.Error())
		if terr != nil {
			return terr
		}
		t.apply(rec)
		d.log.Warn("delivery attempt failed", "op", "deliver", "dispatch_id", dispatchID, "partner_id", t.partner.ID, "attempt", rec.AttemptCount, "err", err)
		if rec.AttemptCount >= d.cfg.MaxRetries {
			return d.abandon(ctx, pkg.ID, class, dispatchID, t)
		}
		signal()
		if d.sleep(ctx, d.cfg.Backoff.Delay(rec.AttemptCount-1, seed)) != nil {
			return nil
		}
	}
	return nil
}

// abandon gives up on t's record and marks the partner Unreachable in the
// same gate change.
func (d *Dispatcher) abandon(ctx context.Context, packageID string, class domain.PriorityClass, dispatchID string, t *target) error {
	rec, err := d.book.Abandon(context.WithoutCancel(ctx), packageID, t.partner.ID, dispatchID, func(ctx context.Context) error {
		if err := d.partners.MarkUnreachable(ctx, t.partner.ID); err != nil {
			d.log.Warn("mark unreachable failed", "op", "dispatch", "partner_id", t.partner.ID, "err", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.apply(rec)
	d.metrics.ObserveDelivery(string(class), string(domain.OutcomeAbandoned))
	d.log.Warn("delivery abandoned", "op", "deliver", "dispatch_id", dispatchID, "partner_id", t.partner.ID, "attempts", rec.AttemptCount)
	return nil
}

func (d *Dispatcher) release(packageID, dispatchID string, ts []*target) {
	for _, t := range ts {
		d.book.Release(packageID, t.partner.ID, dispatchID)
	}
}

func (t *target) apply(rec domain.DeliveryRecord) {
	t.record = rec
	t.result.Outcome = rec.Outcome
	t.result.Attempts = rec.AttemptCount
	t.result.LastError = rec.LastError
}

func attemptResult(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
