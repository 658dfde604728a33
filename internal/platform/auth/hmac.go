package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/storefront/payments-api/internal/platform/httpx"
	"github.com/storefront/payments-api/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	// KeyHeader names the shared secret the caller signed with.
	KeyHeader = "X-Signature-Key"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
	maxSignedBody    = 1 << 20

	metricNamespace = "github.com/storefront/payments-api/internal/platform/auth"
)

var (
	errUnknownKey     = errors.New("auth: unknown signing key")
	errBadSignature   = errors.New("auth: signature mismatch")
	errReplayedNonce  = errors.New("auth: nonce already used")
	errStaleTimestamp = errors.New("auth: timestamp outside allowed window")
)

// NonceStore remembers nonces until they expire so signed requests cannot be replayed.
type NonceStore interface {
	// Claim records the nonce for key and reports false when it was already claimed.
	Claim(ctx context.Context, key, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Claim(_ context.Context, key, nonce string, expiry time.Time) (bool, error) {
	if key == "" || nonce == "" {
		return false, errors.New("auth: key and nonce are required")
	}
	id := key + "::" + nonce
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[id]; seen {
		return false, nil
	}
	s.nonces[id] = expiry
	return true, nil
}

// OperatorVerifier authenticates operator requests signed with a shared secret.
// The signature is an HMAC-SHA256 over method, path, timestamp, nonce and the
// body digest, encoded as base64 or hex.
type OperatorVerifier struct {
	secrets map[string][]byte
	nonces  NonceStore
	logger  *zap.Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration

	verifications metric.Int64Counter
}

// Option customises the verifier.
type Option func(*OperatorVerifier)

func WithLogger(logger *zap.Logger) Option {
	return func(v *OperatorVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *OperatorVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHeaders overrides the signature, timestamp and nonce header names. Empty values keep the defaults.
func WithHeaders(signature, timestamp, nonce string) Option {
	return func(v *OperatorVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithClockSkew(d time.Duration) Option {
	return func(v *OperatorVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithNonceTTL(d time.Duration) Option {
	return func(v *OperatorVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

func WithNonceStore(store NonceStore) Option {
	return func(v *OperatorVerifier) {
		if store != nil {
			v.nonces = store
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(v *OperatorVerifier) {
		if meter == nil {
			return
		}
		if counter, err := meter.Int64Counter(metricNamespace+".verifications",
			metric.WithDescription("Operator request signature verifications by outcome")); err == nil {
			v.verifications = counter
		}
	}
}

// NewOperatorVerifier builds a verifier over the configured key id to secret map.
func NewOperatorVerifier(secrets map[string]string, opts ...Option) *OperatorVerifier {
	keys := make(map[string][]byte, len(secrets))
	for name, secret := range secrets {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.TrimSpace(secret) == "" {
			continue
		}
		keys[name] = []byte(secret)
	}

	counter, _ := noop.NewMeterProvider().Meter(metricNamespace).Int64Counter("verifications")
	v := &OperatorVerifier{
		secrets:         keys,
		nonces:          NewMemoryNonceStore(),
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
		verifications:   counter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Enabled reports whether any signing key is configured.
func (v *OperatorVerifier) Enabled() bool {
	return v != nil && len(v.secrets) > 0
}

// RequireOperator rejects requests without a valid, fresh, unreplayed signature.
// With no keys configured every request is refused with 503.
func (v *OperatorVerifier) RequireOperator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !v.Enabled() {
				v.record(ctx, "not_configured")
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "operator keys not configured", http.StatusServiceUnavailable))
				return
			}

			body, err := httpx.ReadBody(r, maxSignedBody)
			if err != nil {
				v.record(ctx, "body_unreadable")
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read body for signature verification", http.StatusBadRequest))
				return
			}
			r.Body = http.NoBody
			if len(body) > 0 {
				r.Body = newBodyReader(body)
			}

			keyID, reason, err := v.verify(ctx, r, body)
			if err != nil {
				v.record(ctx, reason)
				logger := v.logger
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Warn("operator signature rejected",
					zap.String("reason", reason),
					zap.String("key", keyID),
					zap.Error(err),
				)
				status := http.StatusUnauthorized
				if reason == "nonce_store_error" {
					status = http.StatusServiceUnavailable
				}
				httpx.WriteError(ctx, w, httpx.NewError(reason, "operator signature verification failed", status))
				return
			}

			v.record(ctx, "ok")
			next.ServeHTTP(w, r.WithContext(requestctx.WithOperator(ctx, keyID)))
		})
	}
}

func (v *OperatorVerifier) verify(ctx context.Context, r *http.Request, body []byte) (string, string, error) {
	keyID := strings.ToLower(strings.TrimSpace(r.Header.Get(KeyHeader)))
	secret, ok := v.secrets[keyID]
	if !ok {
		return keyID, "unknown_key", errUnknownKey
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if rawSignature == "" || timestampValue == "" || nonce == "" {
		return keyID, "signature_missing", errors.New("auth: signature, timestamp and nonce headers are required")
	}

	timestamp, err := parseTimestamp(timestampValue)
	if err != nil {
		return keyID, "timestamp_invalid", err
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return keyID, "timestamp_skew", errStaleTimestamp
	}

	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return keyID, "signature_invalid", err
	}
	if !hmac.Equal(signature, Sign(secret, CanonicalString(r.Method, r.URL.EscapedPath(), timestampValue, nonce, body))) {
		return keyID, "signature_mismatch", errBadSignature
	}

	claimed, err := v.nonces.Claim(ctx, keyID, nonce, now.Add(v.nonceTTL))
	if err != nil {
		return keyID, "nonce_store_error", err
	}
	if !claimed {
		return keyID, "nonce_replay", errReplayedNonce
	}
	return keyID, "ok", nil
}

func (v *OperatorVerifier) record(ctx context.Context, outcome string) {
	v.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CanonicalString builds the message covered by an operator signature.
func CanonicalString(method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

// Sign computes the HMAC-SHA256 of message with secret.
func Sign(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func newBodyReader(body []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(body))
}
