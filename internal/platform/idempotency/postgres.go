package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/storefront/payments-api/internal/platform/postgres"
)

// PostgresStore keeps reservations in the idempotency_keys table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: database is required")
	}
	return &PostgresStore{db: db}, nil
}

const reserveKeySQL = `
INSERT INTO idempotency_keys (key_hash, fingerprint, status, response_status, content_type, response_body, expires_at, updated_at)
VALUES ($1, $2, 'pending', 0, '', NULL, $3, $4)
ON CONFLICT (key_hash) DO UPDATE
   SET fingerprint = EXCLUDED.fingerprint,
       status = 'pending',
       response_status = 0,
       content_type = '',
       response_body = NULL,
       expires_at = EXCLUDED.expires_at,
       updated_at = EXCLUDED.updated_at
 WHERE idempotency_keys.expires_at <= EXCLUDED.updated_at
RETURNING key_hash`

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, hold time.Duration) (Reservation, error) {
	if hold <= 0 {
		hold = DefaultHold
	}
	id := hashKey(key)

	var claimed string
	err := s.db.QueryRowContext(ctx, reserveKeySQL, id, fingerprint, now.Add(hold), now).Scan(&claimed)
	if err == nil {
		return Reservation{State: StateNew}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, postgres.WrapError("idempotency.reserve", err)
	}

	var (
		storedFingerprint string
		status            string
		resp              Response
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, status, response_status, content_type, response_body FROM idempotency_keys WHERE key_hash = $1`,
		id,
	).Scan(&storedFingerprint, &status, &resp.Status, &resp.ContentType, &resp.Body)
	if errors.Is(err, sql.ErrNoRows) {
		// Purged between the two statements; the caller retries later.
		return Reservation{State: StateInFlight}, nil
	}
	if err != nil {
		return Reservation{}, postgres.WrapError("idempotency.reserve", err)
	}
	if storedFingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if status == statusCompleted {
		return Reservation{State: StateReplay, Response: resp}, nil
	}
	return Reservation{State: StateInFlight}, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		    SET status = 'completed', response_status = $3, content_type = $4, response_body = $5, expires_at = $6, updated_at = $7
		  WHERE key_hash = $1 AND fingerprint = $2`,
		hashKey(key), fingerprint, resp.Status, resp.ContentType, cloneBody(resp.Body), now.Add(ttl), now,
	)
	if err != nil {
		return postgres.WrapError("idempotency.complete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrReservationLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key_hash = $1 AND fingerprint = $2 AND status = 'pending'`,
		hashKey(key), fingerprint,
	)
	if err != nil {
		return postgres.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		  WHERE key_hash IN (SELECT key_hash FROM idempotency_keys WHERE expires_at <= $1 LIMIT $2)`,
		now, limit,
	)
	if err != nil {
		return 0, postgres.WrapError("idempotency.purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, postgres.WrapError("idempotency.purge", err)
	}
	return int(n), nil
}
