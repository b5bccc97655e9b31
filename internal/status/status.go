// Package status answers "what does the register look like right now".
package status

import (
	"distreg/internal/domain"
	"distreg/internal/epoch"
)

type Partners interface {
	Counts() map[domain.PartnerStatus]int
}

type Records interface {
	PendingUrgent() int
	LastReport() (domain.DispatchReport, bool)
}

type Snapshot struct {
	ActivePartners      int                    `json:"active_partners"`
	UnreachablePartners int                    `json:"unreachable_partners"`
	DisabledPartners    int                    `json:"disabled_partners"`
	PendingUrgent       int                    `json:"pending_urgent"`
	Version             uint64                 `json:"version"`
	LastDispatch        *domain.DispatchReport `json:"last_dispatch"`
}

type Facade struct {
	gate     *epoch.Gate
	partners Partners
	records  Records
}

// New returns a facade over partners and records. gate must be the one both
// stores mutate under.
func New(gate *epoch.Gate, partners Partners, records Records) *Facade {
	return &Facade{gate: gate, partners: partners, records: records}
}

// Status reads partner counts and delivery state at one logical instant.
func (f *Facade) Status() Snapshot {
	var s Snapshot
	s.Version = f.gate.View(func() {
		counts := f.partners.Counts()
		s.ActivePartners = counts[domain.PartnerActive]
		s.UnreachablePartners = counts[domain.PartnerUnreachable]
		s.DisabledPartners = counts[domain.PartnerDisabled]
		s.PendingUrgent = f.records.PendingUrgent()
		if r, ok := f.records.LastReport(); ok {
			r.Results = nil
			s.LastDispatch = &r
		}
	})
	return s
}
