package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"distreg/internal/domain"
	"distreg/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS partners (
	partner_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	priority INTEGER NOT NULL,
	contact_email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	registered_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	last_contact_at_utc_ns INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS packages (
	package_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	size INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	UNIQUE(name, version)
);

CREATE TRIGGER IF NOT EXISTS trg_packages_no_update
BEFORE UPDATE ON packages
BEGIN
	SELECT RAISE(ABORT, 'packages are immutable: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_packages_no_delete
BEFORE DELETE ON packages
BEGIN
	SELECT RAISE(ABORT, 'packages are immutable: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS delivery_records (
	package_id TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	dispatch_id TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	last_attempt_at_utc_ns INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	priority_class TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (package_id, partner_id)
);

CREATE TABLE IF NOT EXISTS dispatch_reports (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	dispatch_id TEXT NOT NULL,
	package_id TEXT NOT NULL,
	finished_at_utc_ns INTEGER NOT NULL,
	report_json TEXT NOT NULL
);
`

// Store is a single-file sqlite engine.
type Store struct {
	db *sql.DB
}

var _ storage.Engine = (*Store)(nil)

// NewStore opens (or creates) the database at path. The parent directory is
// created when missing.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InsertPartner(ctx context.Context, p domain.Partner) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO partners(
	partner_id, address, priority, contact_email, status,
	registered_at_utc_ns, updated_at_utc_ns, last_contact_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(partner_id) DO NOTHING`,
		p.ID, p.Address, p.Priority, p.ContactEmail, string(p.Status),
		unixNanos(p.RegisteredAt), unixNanos(p.UpdatedAt), unixNanos(p.LastContactAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDuplicatePartner, p.ID)
	}
	return nil
}

func (s *Store) UpdatePartner(ctx context.Context, p domain.Partner) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE partners
SET address=?, priority=?, contact_email=?, status=?, updated_at_utc_ns=?, last_contact_at_utc_ns=?
WHERE partner_id=?`,
		p.Address, p.Priority, p.ContactEmail, string(p.Status),
		unixNanos(p.UpdatedAt), unixNanos(p.LastContactAt), p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: partner %s", domain.ErrNotFound, p.ID)
	}
	return nil
}

func (s *Store) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT partner_id, address, priority, contact_email, status,
	registered_at_utc_ns, updated_at_utc_ns, last_contact_at_utc_ns
FROM partners
ORDER BY partner_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Partner
	for rows.Next() {
		var p domain.Partner
		var status string
		var registered, updated, contacted int64
		if err := rows.Scan(&p.ID, &p.Address, &p.Priority, &p.ContactEmail, &status, &registered, &updated, &contacted); err != nil {
			return nil, err
		}
		p.Status = domain.PartnerStatus(status)
		p.RegisteredAt = fromUnixNanos(registered)
		p.UpdatedAt = fromUnixNanos(updated)
		p.LastContactAt = fromUnixNanos(contacted)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPackage stores a package row. Re-inserting an existing id is a no-op.
func (s *Store) InsertPackage(ctx context.Context, p domain.Package) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO packages(package_id, name, version, checksum, size, payload, created_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(package_id) DO NOTHING`,
		p.ID, p.Name, p.Version, p.Checksum, len(p.Payload), p.Payload, unixNanos(p.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s v%d already stored with different content", domain.ErrInvalidPackage, p.Name, p.Version)
	}
	return err
}

func (s *Store) GetPackage(ctx context.Context, id string) (domain.Package, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT package_id, name, version, checksum, size, payload, created_at_utc_ns
FROM packages WHERE package_id=?`, id)
	var p domain.Package
	var created int64
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Checksum, &p.Size, &p.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Package{}, false, nil
	}
	if err != nil {
		return domain.Package{}, false, err
	}
	p.CreatedAt = fromUnixNanos(created)
	return p, true, nil
}

func (s *Store) ListPackageHeaders(ctx context.Context) ([]domain.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT package_id, name, version, checksum, size, created_at_utc_ns
FROM packages
ORDER BY name ASC, version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Package
	for rows.Next() {
		var p domain.Package
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Checksum, &p.Size, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromUnixNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDelivery(ctx context.Context, r domain.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_records(
	package_id, partner_id, dispatch_id, attempt_count, last_attempt_at_utc_ns,
	outcome, priority_class, last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(package_id, partner_id) DO UPDATE SET
	dispatch_id=excluded.dispatch_id,
	attempt_count=excluded.attempt_count,
	last_attempt_at_utc_ns=excluded.last_attempt_at_utc_ns,
	outcome=excluded.outcome,
	priority_class=excluded.priority_class,
	last_error=excluded.last_error`,
		r.PackageID, r.PartnerID, r.DispatchID, r.AttemptCount, unixNanos(r.LastAttemptAt),
		string(r.Outcome), string(r.PriorityClass), r.LastError)
	return err
}

func (s *Store) ListDeliveries(ctx context.Context) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT package_id, partner_id, dispatch_id, attempt_count, last_attempt_at_utc_ns,
	outcome, priority_class, last_error
FROM delivery_records
ORDER BY package_id ASC, partner_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		var r domain.DeliveryRecord
		var last int64
		var outcome, class string
		if err := rows.Scan(&r.PackageID, &r.PartnerID, &r.DispatchID, &r.AttemptCount, &last, &outcome, &class, &r.LastError); err != nil {
			return nil, err
		}
		r.LastAttemptAt = fromUnixNanos(last)
		r.Outcome = domain.Outcome(outcome)
		r.PriorityClass = domain.PriorityClass(class)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveReport(ctx context.Context, r domain.DispatchReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dispatch_reports(dispatch_id, package_id, finished_at_utc_ns, report_json)
VALUES (?, ?, ?, ?)`, r.DispatchID, r.PackageID, unixNanos(r.FinishedAt), string(raw))
	return err
}

func (s *Store) LastReport(ctx context.Context) (domain.DispatchReport, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM dispatch_reports ORDER BY seq DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchReport{}, false, nil
	}
	if err != nil {
		return domain.DispatchReport{}, false, err
	}
	var r domain.DispatchReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return domain.DispatchReport{}, false, fmt.Errorf("decode report: %w", err)
	}
	return r, true, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
