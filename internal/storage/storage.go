package storage

import (
	"context"

	"distreg/internal/domain"
)

// PartnerStore persists the partner registry table.
type PartnerStore interface {
	// InsertPartner returns domain.ErrDuplicatePartner when the id exists.
	InsertPartner(ctx context.Context, p domain.Partner) error
	UpdatePartner(ctx context.Context, p domain.Partner) error
	ListPartners(ctx context.Context) ([]domain.Partner, error)
}

// PackageStore persists package blobs keyed by package id. Rows are immutable.
type PackageStore interface {
	InsertPackage(ctx context.Context, p domain.Package) error
	GetPackage(ctx context.Context, id string) (domain.Package, bool, error)
	// ListPackageHeaders returns every package without payload bytes.
	ListPackageHeaders(ctx context.Context) ([]domain.Package, error)
}

// DeliveryLog persists delivery records keyed by (package_id, partner_id)
// and the dispatch reports.
type DeliveryLog interface {
	UpsertDelivery(ctx context.Context, r domain.DeliveryRecord) error
	ListDeliveries(ctx context.Context) ([]domain.DeliveryRecord, error)
	SaveReport(ctx context.Context, r domain.DispatchReport) error
	LastReport(ctx context.Context) (domain.DispatchReport, bool, error)
}

// Engine is the storage contract for local durable persistence.
type Engine interface {
	PartnerStore
	PackageStore
	DeliveryLog
	Close() error
}
