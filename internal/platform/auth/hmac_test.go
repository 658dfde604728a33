package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/payments-api/internal/platform/requestctx"
)

const testSecret = "ops-secret"

type signedRequest struct {
	method    string
	path      string
	body      []byte
	key       string
	secret    string
	timestamp string
	nonce     string
	hexEncode bool
}

func (s signedRequest) build() *http.Request {
	req := httptest.NewRequest(s.method, s.path, bytes.NewReader(s.body))
	sig := Sign([]byte(s.secret), CanonicalString(s.method, req.URL.EscapedPath(), s.timestamp, s.nonce, s.body))
	encoded := base64.StdEncoding.EncodeToString(sig)
	if s.hexEncode {
		encoded = hex.EncodeToString(sig)
	}
	req.Header.Set(KeyHeader, s.key)
	req.Header.Set(defaultSignatureHeader, encoded)
	req.Header.Set(defaultTimestampHeader, s.timestamp)
	req.Header.Set(defaultNonceHeader, s.nonce)
	return req
}

func newTestVerifier(now time.Time) *OperatorVerifier {
	return NewOperatorVerifier(map[string]string{"Ops": testSecret, "empty": "  "},
		WithClock(func() time.Time { return now }),
	)
}

func validRequest(now time.Time, nonce string) signedRequest {
	return signedRequest{
		method:    http.MethodPost,
		path:      "/internal/orders/ord_1/refund",
		body:      []byte(`{"reason":"damaged"}`),
		key:       "ops",
		secret:    testSecret,
		timestamp: now.Format(time.RFC3339),
		nonce:     nonce,
	}
}

func serve(v *OperatorVerifier, req *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	var seen *http.Request
	rec := httptest.NewRecorder()
	v.RequireOperator()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireOperatorAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(now)

	rec, seen := serve(v, validRequest(now, "n-1").build())

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ops", requestctx.Operator(seen.Context()))

	body, err := io.ReadAll(seen.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"damaged"}`, string(body))
}

func TestRequireOperatorAcceptsHexAndUnixTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(now)

	signed := validRequest(now, "n-hex")
	signed.hexEncode = true
	signed.timestamp = strconv.FormatInt(now.Unix(), 10)

	rec, _ := serve(v, signed.build())
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireOperatorRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(*signedRequest)
		code   string
	}{
		{name: "unknown key", mutate: func(s *signedRequest) { s.key = "support" }, code: "unknown_key"},
		{name: "blank secret key", mutate: func(s *signedRequest) { s.key = "empty" }, code: "unknown_key"},
		{name: "wrong secret", mutate: func(s *signedRequest) { s.secret = "other" }, code: "signature_mismatch"},
		{name: "stale timestamp", mutate: func(s *signedRequest) { s.timestamp = now.Add(-10 * time.Minute).Format(time.RFC3339) }, code: "timestamp_skew"},
		{name: "future timestamp", mutate: func(s *signedRequest) { s.timestamp = now.Add(10 * time.Minute).Format(time.RFC3339) }, code: "timestamp_skew"},
		{name: "garbage timestamp", mutate: func(s *signedRequest) { s.timestamp = "yesterday" }, code: "timestamp_invalid"},
		{name: "missing nonce", mutate: func(s *signedRequest) { s.nonce = "" }, code: "signature_missing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(now)
			signed := validRequest(now, "n-"+tc.name)
			tc.mutate(&signed)

			rec, seen := serve(v, signed.build())
			assert.Nil(t, seen)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"`+tc.code+`"`)
		})
	}
}

func TestRequireOperatorRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(now)

	req := validRequest(now, "n-tamper").build()
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"reason":"other"}`)))

	rec, seen := serve(v, req)
	assert.Nil(t, seen)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireOperatorRejectsReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(now)
	signed := validRequest(now, "n-replay")

	first, _ := serve(v, signed.build())
	require.Equal(t, http.StatusNoContent, first.Code)

	second, seen := serve(v, signed.build())
	assert.Nil(t, seen)
	assert.Equal(t, http.StatusUnauthorized, second.Code)
	assert.Contains(t, second.Body.String(), "nonce_replay")
}

func TestRequireOperatorWithoutKeys(t *testing.T) {
	v := NewOperatorVerifier(nil)
	assert.False(t, v.Enabled())

	rec, seen := serve(v, httptest.NewRequest(http.MethodPost, "/internal/orders/x/refund", nil))
	assert.Nil(t, seen)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	store := NewMemoryNonceStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.Claim(ctx, "ops", "n", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "ops", "n", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Claim(ctx, "support", "n", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "nonces are scoped per key")

	now = now.Add(2 * time.Minute)
	ok, err = store.Claim(ctx, "ops", "n", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired nonces may be reused")

	_, err = store.Claim(ctx, "", "n", now)
	assert.Error(t, err)
}
