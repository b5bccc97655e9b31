package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"distreg/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "distreg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"partners", "packages", "delivery_records", "dispatch_reports"} {
		var cnt int
		if err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&cnt); err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("%s table missing", name)
		}
	}
}

func TestPackagesAreImmutableViaTriggers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	pkg := domain.Package{ID: "sha256:aa", Name: "risk-model", Version: 1, Checksum: "sha256:bb", Payload: []byte("abc"), CreatedAt: time.Now()}
	if err := s.InsertPackage(ctx, pkg); err != nil {
		t.Fatal(err)
	}

	_, err := s.db.Exec(`UPDATE packages SET name='x' WHERE package_id=?`, pkg.ID)
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutable update error, got %v", err)
	}
	_, err = s.db.Exec(`DELETE FROM packages WHERE package_id=?`, pkg.ID)
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutable delete error, got %v", err)
	}

	// Same id again is a no-op rather than a trigger violation.
	if err := s.InsertPackage(ctx, pkg); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	got, ok, err := s.GetPackage(ctx, pkg.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "abc" || got.Size != 3 || got.Version != 1 {
		t.Fatalf("unexpected package %+v", got)
	}

	clash := pkg
	clash.ID = "sha256:cc"
	if err := s.InsertPackage(ctx, clash); !errors.Is(err, domain.ErrInvalidPackage) {
		t.Fatalf("expected version clash to be rejected, got %v", err)
	}
}

func TestPartnersInsertUpdateList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := domain.Partner{ID: "A", Address: "127.0.0.1:9000", Priority: 1, Status: domain.PartnerActive, RegisteredAt: now, UpdatedAt: now}
	if err := s.InsertPartner(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPartner(ctx, p); !errors.Is(err, domain.ErrDuplicatePartner) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	p.Status = domain.PartnerUnreachable
	p.LastContactAt = now.Add(time.Minute)
	if err := s.UpdatePartner(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePartner(ctx, domain.Partner{ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := s.ListPartners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one partner, got %d", len(list))
	}
	if list[0].Status != domain.PartnerUnreachable || !list[0].LastContactAt.Equal(p.LastContactAt) || !list[0].RegisteredAt.Equal(now) {
		t.Fatalf("unexpected partner %+v", list[0])
	}
}

func TestDeliveryUpsertKeepsOneRowPerPair(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := domain.DeliveryRecord{PackageID: "p1", PartnerID: "A", DispatchID: "d1", AttemptCount: 1, Outcome: domain.OutcomeFailed, PriorityClass: domain.PriorityNormal, LastError: "refused"}
	if err := s.UpsertDelivery(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.AttemptCount = 2
	r.Outcome = domain.OutcomeDelivered
	r.LastError = ""
	r.LastAttemptAt = time.Now().UTC()
	if err := s.UpsertDelivery(ctx, r); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].AttemptCount != 2 || list[0].Outcome != domain.OutcomeDelivered {
		t.Fatalf("unexpected deliveries %+v", list)
	}
}

func TestLastReportReturnsNewest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, ok, err := s.LastReport(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	for i, id := range []string{"d1", "d2"} {
		rep := domain.DispatchReport{DispatchID: id, PackageID: "p1", Total: i + 1, Delivered: i + 1, FinishedAt: time.Now().UTC()}
		if err := s.SaveReport(ctx, rep); err != nil {
			t.Fatal(err)
		}
	}
	rep, ok, err := s.LastReport(ctx)
	if err != nil || !ok {
		t.Fatalf("last report: ok=%v err=%v", ok, err)
	}
	if rep.DispatchID != "d2" || rep.Delivered != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "distreg.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPartner(ctx, domain.Partner{ID: "A", Address: "h:1", Priority: 1, Status: domain.PartnerActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	list, err := s.ListPartners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "A" {
		t.Fatalf("state not preserved: %+v", list)
	}
}
