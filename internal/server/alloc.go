package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Bounded retries for allocation races. Each attempt starts from a fresh
// occupancy snapshot; a lost race is never resumed. Every loss implies
// another request committed, so the budget bounds latency, not progress.
const allocAttempts = 10

// allocBackoff spaces retries so concurrent losers do not immediately
// collide on the same snapshot again.
func allocBackoff(ctx context.Context, attempt int) {
	t := time.NewTimer(time.Duration(attempt+1) * 10 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// GetOrCreateAsn commits the given ASN to the handle unless the handle
// already holds one, in which case the existing assignment is returned
// with a refreshed updated_at and asn is ignored. Callers must have
// checked availability; this method only guarantees per-handle
// idempotency and surfaces a lost race on the asn column as a unique
// violation.
func (s *Store) GetOrCreateAsn(ctx context.Context, handle, userID string, asn int) (*AsnAssignment, error) {
	if existing, err := s.GetAsn(ctx, handle); err != nil {
		return nil, err
	} else if existing != nil {
		return s.touchAsn(ctx, handle)
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO asn_assignments (id, user_hash, user_id, asn, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), handle, userID, asn, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Either a concurrent request created this handle's row, or the
			// asn itself was taken. The re-read disambiguates.
			if existing, rerr := s.GetAsn(ctx, handle); rerr == nil && existing != nil {
				return existing, nil
			}
			return nil, fmt.Errorf("asn %d taken: %w", asn, err)
		}
		return nil, err
	}
	return s.GetAsn(ctx, handle)
}

// touchAsn refreshes updated_at on a repeat request for an assignment
// that already exists.
func (s *Store) touchAsn(ctx context.Context, handle string) (*AsnAssignment, error) {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE asn_assignments SET updated_at = ? WHERE user_hash = ?`),
		time.Now().Unix(), handle)
	if err != nil {
		return nil, err
	}
	return s.GetAsn(ctx, handle)
}

// AllocateAsn assigns the lowest free ASN from the pool to the handle.
// Idempotent per handle. A unique violation on insert means another
// request committed the candidate first; allocation retries with a fresh
// snapshot rather than trusting the pre-check. Lock contention on the
// write path retries the same way instead of surfacing to the caller.
func (s *Store) AllocateAsn(ctx context.Context, pool AsnPool, handle, userID string) (*AsnAssignment, error) {
	if existing, err := s.GetAsn(ctx, handle); err != nil {
		return nil, err
	} else if existing != nil {
		return s.touchAsn(ctx, handle)
	}

	var lastErr error
	for attempt := 0; attempt < allocAttempts; attempt++ {
		assigned, err := s.assignedAsns(ctx)
		if err != nil {
			return nil, err
		}
		candidate, ok := pool.FindAvailable(assigned)
		if !ok {
			return nil, ErrPoolExhausted
		}

		rec, err := s.GetOrCreateAsn(ctx, handle, userID, candidate)
		if err == nil {
			return rec, nil
		}
		if !isUniqueViolation(err) && !isRetryableTxErr(err) {
			return nil, err
		}
		lastErr = err
		allocBackoff(ctx, attempt)
	}
	return nil, fmt.Errorf("asn allocation contention after %d attempts: %w", allocAttempts, lastErr)
}

// AllocatePrefix leases the first free /48 from the pool to the handle for
// durationHours. The occupancy read and the insert share one serializable
// transaction so two requests cannot both commit the same block; a
// serialization failure restarts the whole decision.
func (s *Store) AllocatePrefix(ctx context.Context, pool *PrefixPool, handle string, durationHours int) (*PrefixLease, error) {
	var lastErr error
	for attempt := 0; attempt < allocAttempts; attempt++ {
		lease, err := s.tryAllocatePrefix(ctx, pool, handle, durationHours)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, ErrPoolExhausted) || !isRetryableTxErr(err) {
			return nil, err
		}
		lastErr = err
		allocBackoff(ctx, attempt)
	}
	return nil, fmt.Errorf("prefix allocation contention after %d attempts: %w", allocAttempts, lastErr)
}

func (s *Store) tryAllocatePrefix(ctx context.Context, pool *PrefixPool, handle string, durationHours int) (*PrefixLease, error) {
	// SQLite transactions are serializable already; asking for the level
	// explicitly is only needed (and only supported) on Postgres.
	var txOpts *sql.TxOptions
	if s.d == dialectPostgres {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	start := time.Now().UTC().Truncate(time.Second)

	rows, err := tx.QueryContext(ctx, s.d.rebind(
		`SELECT prefix FROM prefix_leases WHERE end_time > ?`), start.Unix())
	if err != nil {
		return nil, err
	}
	leased := map[netip.Prefix]bool{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		if pfx, err := netip.ParsePrefix(raw); err == nil {
			leased[pfx.Masked()] = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	candidate, ok := pool.FindAvailable(leased)
	if !ok {
		return nil, ErrPoolExhausted
	}

	end := start.Add(time.Duration(durationHours) * time.Hour)
	lease := &PrefixLease{
		ID:        uuid.NewString(),
		UserHash:  handle,
		Prefix:    candidate,
		StartTime: start,
		EndTime:   end,
		CreatedAt: start,
		UpdatedAt: start,
	}

	_, err = tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO prefix_leases (id, user_hash, prefix, start_time, end_time, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		lease.ID, handle, candidate.String(), start.Unix(), end.Unix(), start.Unix(), start.Unix())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lease, nil
}

// CleanupExpiredLeases purges leases more than 7 days past expiry. Pure
// storage reclamation; expiry itself is always computed at read time.
func (s *Store) CleanupExpiredLeases(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour).Unix()
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`DELETE FROM prefix_leases WHERE end_time < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isRetryableTxErr(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure / deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
