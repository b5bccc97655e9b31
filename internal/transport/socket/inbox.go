package socket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distreg/internal/domain"
	"distreg/internal/obs"
	"distreg/internal/storage"
	"distreg/internal/transport"

	"github.com/google/uuid"
)

type Receipt struct {
	ID         string
	ReceivedAt time.Time
	Duplicate  bool
}

// Receiver is the partner-side sink for verified deliveries.
type Receiver interface {
	Accept(ctx context.Context, env transport.Envelope) (Receipt, error)
	Health(ctx context.Context) (bool, string)
}

// Inbox stores received packages in a package store. Redelivery of a package
// already held is acknowledged as a duplicate.
type Inbox struct {
	store storage.PackageStore
	log   *slog.Logger
	now   func() time.Time
}

func NewInbox(store storage.PackageStore, log *slog.Logger) *Inbox {
	if log == nil {
		log = obs.Discard()
	}
	return &Inbox{store: store, log: log, now: time.Now}
}

func (i *Inbox) Accept(ctx context.Context, env transport.Envelope) (Receipt, error) {
	now := i.now().UTC()
	rc := Receipt{ID: uuid.NewString(), ReceivedAt: now}
	_, held, err := i.store.GetPackage(ctx, env.PackageID)
	if err != nil {
		return Receipt{}, fmt.Errorf("inbox lookup: %w", err)
	}
	if held {
		rc.Duplicate = true
		i.log.Info("delivery received", "op", "receive", "package_id", env.PackageID, "dispatch_id", env.DispatchID, "duplicate", true)
		return rc, nil
	}
	pkg := domain.Package{
		ID:        env.PackageID,
		Name:      env.Name,
		Version:   env.Version,
		Payload:   env.Payload,
		Size:      len(env.Payload),
		Checksum:  env.Checksum,
		CreatedAt: now,
	}
	if err := i.store.InsertPackage(ctx, pkg); err != nil {
		return Receipt{}, fmt.Errorf("inbox store: %w", err)
	}
	i.log.Info("delivery received", "op", "receive", "package_id", env.PackageID, "dispatch_id", env.DispatchID,
		"priority_class", string(env.PriorityClass), "source_tenant", env.SourceTenant, "size", len(env.Payload))
	return rc, nil
}

func (i *Inbox) Health(ctx context.Context) (bool, string) {
	if _, err := i.store.ListPackageHeaders(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// Packages lists held package headers.
func (i *Inbox) Packages(ctx context.Context) ([]domain.Package, error) {
	return i.store.ListPackageHeaders(ctx)
}
