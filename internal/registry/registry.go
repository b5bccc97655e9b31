// Package registry owns the set of distribution partners.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/epoch"
	"distreg/internal/obs"
	"distreg/internal/storage"
	"distreg/internal/transport"
)

const MaxIDWidth = 64

type Registry struct {
	mu       sync.RWMutex
	partners map[string]domain.Partner

	store   storage.PartnerStore
	gate    *epoch.Gate
	log     *slog.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

// Open loads the partner table from store. gate may be nil when no
// cross-store reader is needed.
func Open(ctx context.Context, store storage.PartnerStore, gate *epoch.Gate, log *slog.Logger, metrics *obs.Metrics) (*Registry, error) {
	if log == nil {
		log = obs.Discard()
	}
	r := &Registry{partners: map[string]domain.Partner{}, store: store, gate: gate, log: log, metrics: metrics, now: time.Now}
	list, err := store.ListPartners(ctx)
	if err != nil {
		return nil, fmt.Errorf("load partners: %w", err)
	}
	for _, p := range list {
		r.partners[p.ID] = p
	}
	r.publishGauges()
	return r, nil
}

func validID(id string) bool {
	if id == "" || len(id) > MaxIDWidth {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// Validate checks a registration request without touching state.
func Validate(in domain.PartnerInput) error {
	if !validID(in.ID) {
		return fmt.Errorf("%w: id %q", domain.ErrInvalidPartner, in.ID)
	}
	if _, err := transport.ParseAddress(in.Address); err != nil {
		return err
	}
	if in.Priority < 1 {
		return fmt.Errorf("%w: priority must be >= 1, got %d", domain.ErrInvalidPartner, in.Priority)
	}
	if in.ContactEmail != "" {
		addr, err := mail.ParseAddress(in.ContactEmail)
		if err != nil || addr.Address != in.ContactEmail {
			return fmt.Errorf("%w: contact email %q", domain.ErrInvalidPartner, in.ContactEmail)
		}
	}
	return nil
}

func (r *Registry) Register(ctx context.Context, in domain.PartnerInput) (domain.Partner, error) {
	start := time.Now()
	if err := Validate(in); err != nil {
		return domain.Partner{}, err
	}
	now := r.now().UTC()
	p := domain.Partner{
		ID:           in.ID,
		Address:      in.Address,
		Priority:     in.Priority,
		ContactEmail: in.ContactEmail,
		Status:       domain.PartnerActive,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	var err error
	r.gate.Mutate(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.partners[p.ID]; exists {
			err = fmt.Errorf("%w: %s", domain.ErrDuplicatePartner, p.ID)
			return
		}
		if err = r.store.InsertPartner(ctx, p); err != nil {
			return
		}
		r.partners[p.ID] = p
	})
	if err != nil {
		return domain.Partner{}, err
	}
	r.publishGauges()
	r.log.Info("register partner", "op", "register_partner", "partner_id", p.ID, "priority", p.Priority, obs.Since(start))
	return p, nil
}

// update applies fn to partner id under the gate and writes it through.
// fn returns false when nothing changed. A ctx already inside a gate change
// joins it.
func (r *Registry) update(ctx context.Context, id string, fn func(*domain.Partner) bool) (domain.Partner, error) {
	var (
		out domain.Partner
		err error
	)
	r.gate.MutateContext(ctx, func(ctx context.Context) {
		r.mu.Lock()
		defer r.mu.Unlock()
		p, ok := r.partners[id]
		if !ok {
			err = fmt.Errorf("%w: partner %s", domain.ErrNotFound, id)
			return
		}
		if !fn(&p) {
			out = p
			return
		}
		p.UpdatedAt = r.now().UTC()
		if err = r.store.UpdatePartner(ctx, p); err != nil {
			return
		}
		r.partners[id] = p
		out = p
	})
	if err == nil {
		r.publishGauges()
	}
	return out, err
}

// Disable excludes a partner from future dispatches. Disabling twice is a no-op.
func (r *Registry) Disable(ctx context.Context, id string) (domain.Partner, error) {
	p, err := r.update(ctx, id, func(p *domain.Partner) bool {
		if p.Status == domain.PartnerDisabled {
			return false
		}
		p.Status = domain.PartnerDisabled
		return true
	})
	if err == nil {
		r.log.Info("disable partner", "op", "disable_partner", "partner_id", id)
	}
	return p, err
}

// Enable returns a Disabled or Unreachable partner to Active.
func (r *Registry) Enable(ctx context.Context, id string) (domain.Partner, error) {
	p, err := r.update(ctx, id, func(p *domain.Partner) bool {
		if p.Status == domain.PartnerActive {
			return false
		}
		p.Status = domain.PartnerActive
		return true
	})
	if err == nil {
		r.log.Info("enable partner", "op", "enable_partner", "partner_id", id)
	}
	return p, err
}

// MarkUnreachable is called by the dispatcher once a partner's delivery is
// abandoned. Disabled partners stay disabled.
func (r *Registry) MarkUnreachable(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, func(p *domain.Partner) bool {
		if p.Status != domain.PartnerActive {
			return false
		}
		p.Status = domain.PartnerUnreachable
		return true
	})
	return err
}

func (r *Registry) MarkContacted(ctx context.Context, id string, at time.Time) error {
	_, err := r.update(ctx, id, func(p *domain.Partner) bool {
		if !at.After(p.LastContactAt) {
			return false
		}
		p.LastContactAt = at.UTC()
		return true
	})
	return err
}

func (r *Registry) Get(id string) (domain.Partner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partners[id]
	if !ok {
		return domain.Partner{}, fmt.Errorf("%w: partner %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// Snapshot is a point-in-time copy ordered by ascending priority, then id.
func (r *Registry) Snapshot() []domain.Partner {
	r.mu.RLock()
	out := make([]domain.Partner, 0, len(r.partners))
	for _, p := range r.partners {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Export is Snapshot with contact emails redacted.
func (r *Registry) Export() []domain.Partner {
	out := r.Snapshot()
	for i := range out {
		if out[i].ContactEmail != "" {
			out[i].ContactEmail = redact(out[i].ContactEmail)
		}
	}
	return out
}

func redact(email string) string {
	local, domainPart, ok := cut(email)
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domainPart
}

func cut(email string) (string, string, bool) {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[:i], email[i+1:], true
		}
	}
	return "", "", false
}

// Counts returns partners per status.
func (r *Registry) Counts() map[domain.PartnerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[domain.PartnerStatus]int{
		domain.PartnerActive:      0,
		domain.PartnerUnreachable: 0,
		domain.PartnerDisabled:    0,
	}
	for _, p := range r.partners {
		out[p.Status]++
	}
	return out
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	for status, n := range r.Counts() {
		r.metrics.SetPartners(string(status), n)
	}
}
