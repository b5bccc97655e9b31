package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/epoch"
	"distreg/internal/storage"
)

// Book holds one delivery record per (package, partner) and the most recent
// dispatch report. Every change is written through to the delivery log
// before it becomes visible.
type Book struct {
	mu      sync.RWMutex
	records map[recordKey]domain.DeliveryRecord
	// claims maps a record to the dispatch currently delivering it.
	claims  map[recordKey]string
	last    *domain.DispatchReport

	store storage.DeliveryLog
	gate  *epoch.Gate
}

type recordKey struct {
	packageID string
	partnerID string
}

func OpenBook(ctx context.Context, store storage.DeliveryLog, gate *epoch.Gate) (*Book, error) {
	b := &Book{records: map[recordKey]domain.DeliveryRecord{}, claims: map[recordKey]string{}, store: store, gate: gate}
	list, err := store.ListDeliveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load delivery records: %w", err)
	}
	for _, r := range list {
		b.records[recordKey{r.PackageID, r.PartnerID}] = r
	}
	last, ok, err := store.LastReport(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last report: %w", err)
	}
	if ok {
		b.last = &last
	}
	return b, nil
}

func (b *Book) Get(packageID, partnerID string) (domain.DeliveryRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[recordKey{packageID, partnerID}]
	return r, ok
}

// Begin claims the record for (packageID, partnerID) for dispatchID,
// creating it Pending when absent. claimed is false when the record is
// terminal or another dispatch holds it; the record is then returned as is.
func (b *Book) Begin(ctx context.Context, packageID, partnerID, dispatchID string, class domain.PriorityClass) (rec domain.DeliveryRecord, claimed bool, err error) {
	b.gate.MutateContext(ctx, func(ctx context.Context) {
		b.mu.Lock()
		defer b.mu.Unlock()
		k := recordKey{packageID, partnerID}
		r, ok := b.records[k]
		if ok && r.Outcome.Terminal() {
			rec = r
			return
		}
		if owner, held := b.claims[k]; held && owner != dispatchID {
			rec = r
			return
		}
		if !ok {
			r = domain.DeliveryRecord{PackageID: packageID, PartnerID: partnerID, Outcome: domain.OutcomePending}
		}
		r.DispatchID = dispatchID
		r.PriorityClass = class
		if err = b.store.UpsertDelivery(ctx, r); err != nil {
			return
		}
		b.records[k] = r
		b.claims[k] = dispatchID
		rec, claimed = r, true
	})
	return rec, claimed, err
}

// Release gives up dispatchID's claim on the record.
func (b *Book) Release(packageID, partnerID, dispatchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := recordKey{packageID, partnerID}
	if b.claims[k] == dispatchID {
		delete(b.claims, k)
	}
}

// Attempt records one finished attempt: the stored attempt count goes up by
// one and the outcome moves to to.
func (b *Book) Attempt(ctx context.Context, packageID, partnerID, dispatchID string, to domain.Outcome, at time.Time, lastErr string) (domain.DeliveryRecord, error) {
	var (
		out domain.DeliveryRecord
		err error
	)
	b.gate.MutateContext(ctx, func(ctx context.Context) {
		out, err = b.transition(ctx, packageID, partnerID, dispatchID, func(r *domain.DeliveryRecord) {
			r.Outcome = to
			r.AttemptCount++
			r.LastAttemptAt = at.UTC()
			r.LastError = lastErr
		})
	})
	return out, err
}

// Abandon moves the record to Abandoned without counting an attempt. then
// runs inside the same gate change once the record is written, so a status
// view sees both or neither.
func (b *Book) Abandon(ctx context.Context, packageID, partnerID, dispatchID string, then func(context.Context) error) (domain.DeliveryRecord, error) {
	var (
		out domain.DeliveryRecord
		err error
	)
	b.gate.MutateContext(ctx, func(ctx context.Context) {
		out, err = b.transition(ctx, packageID, partnerID, dispatchID, func(r *domain.DeliveryRecord) {
			r.Outcome = domain.OutcomeAbandoned
		})
		if err == nil && then != nil {
			err = then(ctx)
		}
	})
	return out, err
}

func (b *Book) transition(ctx context.Context, packageID, partnerID, dispatchID string, fn func(*domain.DeliveryRecord)) (domain.DeliveryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := recordKey{packageID, partnerID}
	r, ok := b.records[k]
	if !ok {
		return domain.DeliveryRecord{}, fmt.Errorf("%w: delivery record %s/%s", domain.ErrNotFound, packageID, partnerID)
	}
	if b.claims[k] != dispatchID {
		return domain.DeliveryRecord{}, fmt.Errorf("delivery %s/%s is not claimed by dispatch %s", packageID, partnerID, dispatchID)
	}
	next := r
	fn(&next)
	if !r.Outcome.CanTransition(next.Outcome) {
		return domain.DeliveryRecord{}, fmt.Errorf("delivery %s/%s: illegal transition %s -> %s", packageID, partnerID, r.Outcome, next.Outcome)
	}
	if err := b.store.UpsertDelivery(ctx, next); err != nil {
		return domain.DeliveryRecord{}, err
	}
	b.records[k] = next
	return next, nil
}

// Records returns every record ordered by package then partner.
func (b *Book) Records() []domain.DeliveryRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.DeliveryRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PackageID != out[j].PackageID {
			return out[i].PackageID < out[j].PackageID
		}
		return out[i].PartnerID < out[j].PartnerID
	})
	return out
}

// PendingUrgent counts urgent records that are not yet terminal.
func (b *Book) PendingUrgent() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, r := range b.records {
		if r.PriorityClass == domain.PriorityUrgent && !r.Outcome.Terminal() {
			n++
		}
	}
	return n
}

func (b *Book) SaveReport(ctx context.Context, r domain.DispatchReport) error {
	var err error
	b.gate.MutateContext(ctx, func(ctx context.Context) {
		if err = b.store.SaveReport(ctx, r); err != nil {
			return
		}
		b.mu.Lock()
		b.last = &r
		b.mu.Unlock()
	})
	return err
}

func (b *Book) LastReport() (domain.DispatchReport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return domain.DispatchReport{}, false
	}
	return *b.last, true
}
