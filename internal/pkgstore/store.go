// Package pkgstore keeps immutable, versioned packages addressed by content.
package pkgstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"distreg/internal/domain"
	"distreg/internal/obs"
	"distreg/internal/storage"
)

const MaxNameWidth = 128

// Mirror copies a newly stored payload somewhere durable.
type Mirror interface {
	Mirror(ctx context.Context, checksum string, payload []byte) error
}

type Store struct {
	// mu serializes publishes so version numbers per name stay dense.
	mu      sync.Mutex
	engine  storage.PackageStore
	mirror  Mirror
	log     *slog.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

func New(engine storage.PackageStore, mirror Mirror, log *slog.Logger, metrics *obs.Metrics) *Store {
	if log == nil {
		log = obs.Discard()
	}
	return &Store{engine: engine, mirror: mirror, log: log, metrics: metrics, now: time.Now}
}

// Checksum renders the payload digest as sha256:<hex>.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PackageID is the content address of (name, version, checksum).
func PackageID(name string, version int, checksum string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(version)))
	h.Write([]byte{0})
	h.Write([]byte(checksum))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ValidName reports whether name uses only [A-Za-z0-9._-].
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameWidth {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Publish stores payload as the next version of name. Publishing a payload
// identical to any existing version of name returns that package unchanged.
func (s *Store) Publish(ctx context.Context, name string, payload []byte) (domain.Package, error) {
	start := time.Now()
	if !ValidName(name) {
		s.metrics.ObservePublish("rejected")
		return domain.Package{}, fmt.Errorf("%w: name %q", domain.ErrInvalidPackage, name)
	}
	if len(payload) == 0 {
		s.metrics.ObservePublish("rejected")
		return domain.Package{}, domain.ErrEmptyPayload
	}
	checksum := Checksum(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	headers, err := s.engine.ListPackageHeaders(ctx)
	if err != nil {
		return domain.Package{}, fmt.Errorf("list packages: %w", err)
	}
	latest := 0
	for _, h := range headers {
		if h.Name != name {
			continue
		}
		if h.Checksum == checksum {
			s.metrics.ObservePublish("duplicate")
			s.log.Info("publish", "op", "publish", "package_id", h.ID, "name", name, "version", h.Version, "result", "duplicate", obs.Since(start))
			h.Payload = append([]byte(nil), payload...)
			return h, nil
		}
		if h.Version > latest {
			latest = h.Version
		}
	}

	pkg := domain.Package{
		Name:      name,
		Version:   latest + 1,
		Payload:   append([]byte(nil), payload...),
		Size:      len(payload),
		Checksum:  checksum,
		CreatedAt: s.now().UTC(),
	}
	pkg.ID = PackageID(pkg.Name, pkg.Version, pkg.Checksum)
	if err := s.engine.InsertPackage(ctx, pkg); err != nil {
		return domain.Package{}, fmt.Errorf("store package: %w", err)
	}
	s.metrics.ObservePublish("stored")

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, checksum, pkg.Payload); err != nil {
			s.metrics.ObserveBackupFailure()
			s.log.Warn("package backup failed", "op", "publish", "package_id", pkg.ID, "err", err)
		}
	}
	s.log.Info("publish", "op", "publish", "package_id", pkg.ID, "name", name, "version", pkg.Version, "size", pkg.Size, "result", "stored", obs.Since(start))
	return pkg, nil
}

func (s *Store) Fetch(ctx context.Context, id string) (domain.Package, error) {
	pkg, ok, err := s.engine.GetPackage(ctx, id)
	if err != nil {
		return domain.Package{}, fmt.Errorf("fetch package: %w", err)
	}
	if !ok {
		return domain.Package{}, fmt.Errorf("%w: package %s", domain.ErrNotFound, id)
	}
	return pkg, nil
}

// Verify recomputes the payload checksum and the package id.
func Verify(pkg domain.Package) bool {
	checksum := Checksum(pkg.Payload)
	return checksum == pkg.Checksum && PackageID(pkg.Name, pkg.Version, checksum) == pkg.ID
}

// Latest returns the header of the highest version of name.
func (s *Store) Latest(ctx context.Context, name string) (domain.Package, error) {
	headers, err := s.engine.ListPackageHeaders(ctx)
	if err != nil {
		return domain.Package{}, fmt.Errorf("list packages: %w", err)
	}
	var best domain.Package
	for _, h := range headers {
		if h.Name == name && h.Version > best.Version {
			best = h
		}
	}
	if best.ID == "" {
		return domain.Package{}, fmt.Errorf("%w: package name %s", domain.ErrNotFound, name)
	}
	return best, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Package, error) {
	return s.engine.ListPackageHeaders(ctx)
}
