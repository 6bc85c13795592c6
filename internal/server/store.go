package server

import (
	"context"
	"database/sql"
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrPoolExhausted means every pool member is committed. It is a
	// normal outcome, not a failure.
	ErrPoolExhausted = errors.New("resource pool exhausted")
	// ErrNotFound means the handle has no record of any kind.
	ErrNotFound = errors.New("user not found")
	// ErrNoAsn means the handle is known but holds no ASN assignment.
	ErrNoAsn = errors.New("user has no ASN assigned")
)

// AsnAssignment maps a handle to its ASN. At most one row per handle, at
// most one handle per ASN; rows are never deleted.
type AsnAssignment struct {
	ID        string
	UserHash  string
	UserID    string // raw external identity, used only for enrichment
	Asn       int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrefixLease is one time-bounded grant of a /48 block. Many historical
// rows may exist per handle; only rows with end_time in the future count
// toward occupancy.
type PrefixLease struct {
	ID        string
	UserHash  string
	Prefix    netip.Prefix
	StartTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l PrefixLease) Active(now time.Time) bool {
	return l.EndTime.After(now)
}

// Mapping pairs an assignment with the handle's active leases.
type Mapping struct {
	Assignment AsnAssignment
	Leases     []PrefixLease
}

// Store is the sole source of truth for committed assignments and leases.
type Store struct {
	db *sql.DB
	d  dialect
}

func NewStore(db *sql.DB, d dialect) *Store {
	return &Store{db: db, d: d}
}

const asnColumns = `id, user_hash, COALESCE(user_id, ''), asn, created_at, updated_at`

func scanAsn(row *sql.Row) (*AsnAssignment, error) {
	var a AsnAssignment
	var created, updated int64
	if err := row.Scan(&a.ID, &a.UserHash, &a.UserID, &a.Asn, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// GetAsn returns the handle's assignment, or nil if it has none.
func (s *Store) GetAsn(ctx context.Context, handle string) (*AsnAssignment, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+asnColumns+` FROM asn_assignments WHERE user_hash = ?`), handle)
	return scanAsn(row)
}

// IsAsnAssigned reports whether any handle holds the given ASN.
func (s *Store) IsAsnAssigned(ctx context.Context, asn int) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*) FROM asn_assignments WHERE asn = ?`), asn).Scan(&n)
	return n > 0, err
}

// IsPrefixLeased reports whether the prefix has an active lease.
func (s *Store) IsPrefixLeased(ctx context.Context, prefix netip.Prefix) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*) FROM prefix_leases WHERE prefix = ? AND end_time > ?`),
		prefix.String(), time.Now().Unix()).Scan(&n)
	return n > 0, err
}

func (s *Store) assignedAsns(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asn FROM asn_assignments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assigned := map[int]bool{}
	for rows.Next() {
		var asn int
		if err := rows.Scan(&asn); err != nil {
			return nil, err
		}
		assigned[asn] = true
	}
	return assigned, rows.Err()
}

func scanLeases(rows *sql.Rows) ([]PrefixLease, error) {
	var leases []PrefixLease
	for rows.Next() {
		var l PrefixLease
		var prefix string
		var start, end, created, updated int64
		if err := rows.Scan(&l.ID, &l.UserHash, &prefix, &start, &end, &created, &updated); err != nil {
			return nil, err
		}
		pfx, err := netip.ParsePrefix(prefix)
		if err != nil {
			// a row we wrote should always parse
			return nil, err
		}
		l.Prefix = pfx
		l.StartTime = time.Unix(start, 0).UTC()
		l.EndTime = time.Unix(end, 0).UTC()
		l.CreatedAt = time.Unix(created, 0).UTC()
		l.UpdatedAt = time.Unix(updated, 0).UTC()
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

const leaseColumns = `id, user_hash, prefix, start_time, end_time, created_at, updated_at`

// ActiveLeases returns the handle's unexpired leases, soonest-expiring last.
func (s *Store) ActiveLeases(ctx context.Context, handle string) ([]PrefixLease, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+leaseColumns+` FROM prefix_leases
		 WHERE user_hash = ? AND end_time > ?
		 ORDER BY end_time DESC`), handle, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeases(rows)
}

// AllActiveLeases returns every unexpired lease system-wide. This drives
// prefix pool occupancy.
func (s *Store) AllActiveLeases(ctx context.Context) ([]PrefixLease, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+leaseColumns+` FROM prefix_leases
		 WHERE end_time > ?
		 ORDER BY end_time DESC`), time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeases(rows)
}

func (s *Store) hasLeaseHistory(ctx context.Context, handle string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT COUNT(*) FROM prefix_leases WHERE user_hash = ?`), handle).Scan(&n)
	return n > 0, err
}

// UserInfo returns the handle's assignment (nil if none) and active leases.
func (s *Store) UserInfo(ctx context.Context, handle string) (*AsnAssignment, []PrefixLease, error) {
	assignment, err := s.GetAsn(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	leases, err := s.ActiveLeases(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	return assignment, leases, nil
}

// UserMapping resolves the service-facing single-handle lookup.
// ErrNotFound and ErrNoAsn distinguish an unknown handle from one that
// exists but never received an ASN.
func (s *Store) UserMapping(ctx context.Context, handle string) (*Mapping, error) {
	assignment, leases, err := s.UserInfo(ctx, handle)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		known, err := s.hasLeaseHistory(ctx, handle)
		if err != nil {
			return nil, err
		}
		if known {
			return nil, ErrNoAsn
		}
		return nil, ErrNotFound
	}
	return &Mapping{Assignment: *assignment, Leases: leases}, nil
}

// AllMappings returns every assignment with its active leases, newest
// assignment first.
func (s *Store) AllMappings(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+asnColumns+` FROM asn_assignments ORDER BY created_at DESC, asn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []AsnAssignment
	for rows.Next() {
		var a AsnAssignment
		var created, updated int64
		if err := rows.Scan(&a.ID, &a.UserHash, &a.UserID, &a.Asn, &created, &updated); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		a.UpdatedAt = time.Unix(updated, 0).UTC()
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var mappings []Mapping
	for _, a := range assignments {
		leases, err := s.ActiveLeases(ctx, a.UserHash)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, Mapping{Assignment: a, Leases: leases})
	}
	return mappings, nil
}
