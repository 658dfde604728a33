package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/payments-api/internal/platform/config"
)

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shop/secrets/stripe-api/versions/latest"
	client.values[resource] = "sk_test_remote"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("shop"), WithFallbackFile(""))
	require.NoError(t, err)
	defer fetcher.Close()

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe/api")
		require.NoError(t, err)
		assert.Equal(t, "sk_test_remote", got)
	}
	assert.Equal(t, 1, client.callCount(resource))
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shop/secrets/webhook/versions/3"
	client.values[resource] = "whsec_1"

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("shop"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	_, err = fetcher.Resolve(ctx, "secret://webhook?version=3")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = fetcher.Resolve(ctx, "secret://webhook?version=3")
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount(resource))

	fetcher.Invalidate("secret://webhook?version=3")
	_, err = fetcher.Resolve(ctx, "secret://webhook?version=3")
	require.NoError(t, err)
	assert.Equal(t, 3, client.callCount(resource))
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors["projects/shop/secrets/stripe-api/versions/latest"] = status.Error(codes.Unavailable, "down")

	fallbackPath := writeFallback(t, "# local overrides\nsecret://stripe/api=sk_test_local\n")
	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("shop"), WithFallbackFile(fallbackPath))
	require.NoError(t, err)

	got, err := fetcher.Resolve(ctx, "sm://stripe/api")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_local", got)
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()

	fallbackPath := writeFallback(t, "secret://stripe/api=sk_test_local\n")
	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("shop"), WithFallbackFile(fallbackPath))
	require.NoError(t, err)

	_, err = fetcher.Resolve(ctx, "secret://stripe/api")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fallbackPath := writeFallback(t, "secret://postgres/dsn=postgres://localhost/shop\n")
	fetcher, err := NewFetcher(ctx, WithProject("shop"), WithFallbackFile(fallbackPath))
	require.NoError(t, err)

	got, err := fetcher.Resolve(ctx, "secret://postgres/dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/shop", got)

	_, err = fetcher.Resolve(ctx, "secret://missing")
	assert.Error(t, err)
	_, err = fetcher.Resolve(ctx, "https://not-a-secret")
	assert.Error(t, err)
}

func TestFetcherResolvesConfigSecrets(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://stripe/webhook=whsec_local\n")
	fetcher, err := NewFetcher(ctx, WithFallbackFile(fallbackPath))
	require.NoError(t, err)

	cfg, err := config.Load(ctx,
		config.WithEnvMap(map[string]string{"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook"}),
		config.WithoutSystemEnv(),
		config.WithEnvFile(""),
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	require.NoError(t, err)
	assert.Equal(t, "whsec_local", cfg.PSP.StripeWebhookSecret)
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
