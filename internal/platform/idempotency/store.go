package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultTTL is how long a completed response stays replayable.
	DefaultTTL = 24 * time.Hour
	// DefaultHold bounds how long a pending reservation blocks its key.
	DefaultHold = 2 * time.Minute
)

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller owns the key and must run the request.
	StateNew State = iota
	// StateReplay means a completed response exists and is returned in Reservation.Response.
	StateReplay
	// StateInFlight means another request holds the key and has not finished.
	StateInFlight
)

const (
	statusPending   = "pending"
	statusCompleted = "completed"
)

// Response is the stored result replayed for a repeated key.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Reservation is returned by Store.Reserve.
type Reservation struct {
	State    State
	Response Response
}

// Store persists key reservations and their completed responses.
// Expired entries behave as absent. A reservation expires after hold unless
// Complete extends it to ttl.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, hold time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// ErrReservationLost is returned by Complete when the pending reservation no longer exists.
var ErrReservationLost = errors.New("idempotency: reservation not found")

func hashKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return append([]byte(nil), body...)
}
