package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"distreg/internal/domain"
)

type Engine struct {
	mu         sync.Mutex
	partners   map[string]domain.Partner
	packages   map[string]domain.Package
	deliveries map[string]domain.DeliveryRecord
	reports    []domain.DispatchReport
}

func NewEngine() *Engine {
	return &Engine{
		partners:   map[string]domain.Partner{},
		packages:   map[string]domain.Package{},
		deliveries: map[string]domain.DeliveryRecord{},
	}
}

func (e *Engine) InsertPartner(_ context.Context, p domain.Partner) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.partners[p.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicatePartner, p.ID)
	}
	e.partners[p.ID] = p
	return nil
}

func (e *Engine) UpdatePartner(_ context.Context, p domain.Partner) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.partners[p.ID]; !ok {
		return fmt.Errorf("%w: partner %s", domain.ErrNotFound, p.ID)
	}
	e.partners[p.ID] = p
	return nil
}

func (e *Engine) ListPartners(context.Context) ([]domain.Partner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Partner, 0, len(e.partners))
	for _, p := range e.partners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) InsertPackage(_ context.Context, p domain.Package) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.packages[p.ID]; ok {
		return nil
	}
	p.Payload = append([]byte(nil), p.Payload...)
	e.packages[p.ID] = p
	return nil
}

func (e *Engine) GetPackage(_ context.Context, id string) (domain.Package, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.packages[id]
	if !ok {
		return domain.Package{}, false, nil
	}
	p.Payload = append([]byte(nil), p.Payload...)
	return p, true, nil
}

func (e *Engine) ListPackageHeaders(context.Context) ([]domain.Package, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Package, 0, len(e.packages))
	for _, p := range e.packages {
		out = append(out, p.Header())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// Corrupt overwrites stored payload bytes in place. Tests use it to simulate
// storage corruption.
func (e *Engine) Corrupt(id string, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.packages[id]
	p.Payload = append([]byte(nil), payload...)
	e.packages[id] = p
}

func (e *Engine) UpsertDelivery(_ context.Context, r domain.DeliveryRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries[r.PackageID+"::"+r.PartnerID] = r
	return nil
}

func (e *Engine) ListDeliveries(context.Context) ([]domain.DeliveryRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.DeliveryRecord, 0, len(e.deliveries))
	for _, r := range e.deliveries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PackageID != out[j].PackageID {
			return out[i].PackageID < out[j].PackageID
		}
		return out[i].PartnerID < out[j].PartnerID
	})
	return out, nil
}

func (e *Engine) SaveReport(_ context.Context, r domain.DispatchReport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, r)
	return nil
}

func (e *Engine) LastReport(context.Context) (domain.DispatchReport, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.reports) == 0 {
		return domain.DispatchReport{}, false, nil
	}
	return e.reports[len(e.reports)-1], true, nil
}

func (e *Engine) Close() error { return nil }
