package domain

import (
	"strconv"
	"strings"
	"time"
)

type PartnerStatus string

const (
	PartnerActive      PartnerStatus = "active"
	PartnerUnreachable PartnerStatus = "unreachable"
	PartnerDisabled    PartnerStatus = "disabled"
)

type PriorityClass string

const (
	PriorityNormal PriorityClass = "normal"
	PriorityUrgent PriorityClass = "urgent"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
	OutcomeDelivered Outcome = "delivered"
	OutcomeAbandoned Outcome = "abandoned"
)

// Terminal reports whether no further attempts may change the record.
func (o Outcome) Terminal() bool {
	return o == OutcomeDelivered || o == OutcomeAbandoned
}

// CanTransition enforces Pending -> Failed -> {Delivered | Abandoned}.
func (o Outcome) CanTransition(to Outcome) bool {
	switch o {
	case OutcomePending:
		return to == OutcomeFailed || to == OutcomeDelivered
	case OutcomeFailed:
		return to == OutcomeFailed || to == OutcomeDelivered || to == OutcomeAbandoned
	default:
		return false
	}
}

// DistributionKey is an opaque correlation identifier. It carries no
// cryptographic claim.
type DistributionKey struct {
	TenantID string
	IssuedAt int64
	Nonce    string
	Check    string
}

// KeyPrefix is a cosmetic label inherited from the COMBSEC naming scheme.
// It is not key material.
const KeyPrefix = "\U0001F310"

// String renders PREFIX-NONCE-ISSUEDAT-CHECK-TENANT. The tenant is last so
// that it may contain the delimiter.
func (k DistributionKey) String() string {
	return strings.Join([]string{KeyPrefix, k.Nonce, strconv.FormatInt(k.IssuedAt, 10), k.Check, k.TenantID}, "-")
}

type PartnerInput struct {
	ID           string
	Address      string
	Priority     int
	ContactEmail string
}

type Partner struct {
	ID            string        `json:"partner_id"`
	Address       string        `json:"address"`
	Priority      int           `json:"priority"`
	ContactEmail  string        `json:"contact_email,omitempty"`
	Status        PartnerStatus `json:"status"`
	RegisteredAt  time.Time     `json:"registered_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastContactAt time.Time     `json:"last_contact_at,omitempty"`
}

type Package struct {
	ID        string    `json:"package_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Payload   []byte    `json:"-"`
	Size      int       `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Header returns the package without its payload bytes.
func (p Package) Header() Package {
	p.Payload = nil
	return p
}

type DeliveryRecord struct {
	PackageID     string        `json:"package_id"`
	PartnerID     string        `json:"partner_id"`
	DispatchID    string        `json:"dispatch_id"`
	AttemptCount  int           `json:"attempt_count"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	PriorityClass PriorityClass `json:"priority_class"`
	LastError     string        `json:"last_error,omitempty"`
}

type PartnerResult struct {
	PartnerID string  `json:"partner_id"`
	Priority  int     `json:"priority"`
	Outcome   Outcome `json:"outcome"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`
	// InFlight marks a record another dispatch was still delivering.
	InFlight bool `json:"in_flight,omitempty"`
}

type DispatchReport struct {
	DispatchID    string          `json:"dispatch_id"`
	PackageID     string          `json:"package_id"`
	PriorityClass PriorityClass   `json:"priority_class"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Total         int             `json:"total"`
	Delivered     int             `json:"delivered"`
	Abandoned     int             `json:"abandoned"`
	Pending       int             `json:"pending"`
	Skipped       int             `json:"skipped"`
	Partial       bool            `json:"partial"`
	Results       []PartnerResult `json:"results,omitempty"`
}

// Incomplete reports whether any partner was abandoned or left unfinished.
func (r DispatchReport) Incomplete() bool {
	return r.Abandoned > 0 || r.Pending > 0
}
