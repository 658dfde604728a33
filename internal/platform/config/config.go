package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultStoreDriver         = StoreDriverMemory
	defaultPostgresMaxOpen     = 10
	defaultPostgresMaxIdle     = 5
	defaultSuccessURL          = "http://localhost:3000/checkout/success?session_id={CHECKOUT_SESSION_ID}"
	defaultCancelURL           = "http://localhost:3000/checkout/cancel"
	defaultPSPRequestTimeout   = 20 * time.Second
	defaultFallbackCurrency    = "eur"
	defaultFallbackUnitAmount  = 2000
	defaultCheckoutRateLimit   = 30
	defaultCheckoutRateWindow  = time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyCleanup  = time.Hour
	defaultIdempotencyBatch    = 200
	defaultInvoiceDaysDue      = 30
	defaultInvoicePollInterval = time.Second
	defaultInvoicePollTimeout  = 15 * time.Second
	defaultInvoiceDispatch     = time.Minute
	defaultEventsTopic         = "orders"
	defaultSecurityEnvironment = "local"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
)

// Store drivers accepted by API_STORE_DRIVER.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Idempotency IdempotencyConfig
	Invoice     InvoiceConfig
	Events      EventsConfig
	Security    SecurityConfig
}

// ServerConfig contains HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver    string
	SeedFile  string
	Firestore FirestoreConfig
	Postgres  PostgresConfig
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig stores connection parameters for the lib/pq driver.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// PSPConfig collects Stripe credentials and checkout redirect URLs.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
	RequestTimeout      time.Duration
}

// CheckoutConfig holds the inline price used for products without a registered price
// and the per-client session creation limit. A zero RateLimit disables limiting.
type CheckoutConfig struct {
	FallbackCurrency   string
	FallbackUnitAmount int64
	RateLimit          int
	RateWindow         time.Duration
}

// IdempotencyConfig controls replay of checkout session requests.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// InvoiceConfig tunes invoice emission after fulfillment.
type InvoiceConfig struct {
	DaysUntilDue    int
	PollInterval    time.Duration
	PollTimeout     time.Duration
	DispatchTimeout time.Duration
}

// EventsConfig points order events at a Pub/Sub topic. Empty project disables publishing.
type EventsConfig struct {
	ProjectID   string
	OrdersTopic string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures operator request signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists the config fields that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field paths, e.g. "Store.Postgres.DSN".
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret lookup with the reference that was requested.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing. Error
// only prints redacted names so it is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// RedactedNames returns short hashes of the missing field names, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the missing field names, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	overrides             map[string]string
	useSystemEnv          bool
	resolver              SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile points the loader at a dotenv file. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.overrides = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets names config fields that must hold a value after resolution,
// e.g. "PSP.StripeAPIKey" or "Security.HMAC.Secrets[ops]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// envSource layers explicit overrides over the process environment over a dotenv file.
type envSource struct {
	overrides map[string]string
	system    bool
	dotenv    map[string]string
}

func newEnvSource(o loaderOptions) (envSource, error) {
	dotenv, err := loadDotEnv(o.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{overrides: o.overrides, system: o.useSystemEnv, dotenv: dotenv}, nil
}

func (s envSource) lookup(key string) (string, bool) {
	if v, ok := s.overrides[key]; ok {
		return v, true
	}
	if s.system {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := s.dotenv[key]
	return v, ok
}

func (s envSource) values() map[string]string {
	out := make(map[string]string, len(s.dotenv))
	for k, v := range s.dotenv {
		out[k] = v
	}
	if s.system {
		for _, entry := range os.Environ() {
			k, v, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(k) != "" {
				out[strings.TrimSpace(k)] = v
			}
		}
	}
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

func (s envSource) str(key, fallback string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

// Unparseable durations, ints and bools fall back to the default; validation catches nonsense values.
func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s envSource) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (s envSource) boolean(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// keyed parses "id=value,id2=value2". IDs are lowercased; empty pairs are skipped.
func (s envSource) keyed(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(s.str(key, ""), ",") {
		id, value, ok := strings.Cut(entry, "=")
		id = strings.ToLower(strings.TrimSpace(id))
		value = strings.TrimSpace(value)
		if ok && id != "" && value != "" {
			out[id] = value
		}
	}
	return out
}

// EnvironmentValues returns the merged environment with the same precedence as Load,
// so bootstrap code can read keys that Config does not model.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	env, err := newEnvSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return env.values(), nil
}

// Load reads the environment, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	env, err := newEnvSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Store: StoreConfig{
			Driver:   strings.ToLower(env.str("API_STORE_DRIVER", defaultStoreDriver)),
			SeedFile: env.str("API_STORE_SEED_FILE", ""),
			Firestore: FirestoreConfig{
				ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
				EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
			},
			Postgres: PostgresConfig{
				DSN:          env.str("API_POSTGRES_DSN", ""),
				MaxOpenConns: env.integer("API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
				MaxIdleConns: env.integer("API_POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
				AutoMigrate:  env.boolean("API_POSTGRES_AUTO_MIGRATE", false),
			},
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          env.str("API_PSP_SUCCESS_URL", defaultSuccessURL),
			CancelURL:           env.str("API_PSP_CANCEL_URL", defaultCancelURL),
			RequestTimeout:      env.duration("API_PSP_REQUEST_TIMEOUT", defaultPSPRequestTimeout),
		},
		Checkout: CheckoutConfig{
			FallbackCurrency:   strings.ToLower(env.str("API_CHECKOUT_FALLBACK_CURRENCY", defaultFallbackCurrency)),
			FallbackUnitAmount: int64(env.integer("API_CHECKOUT_FALLBACK_UNIT_AMOUNT", defaultFallbackUnitAmount)),
			RateLimit:          env.integer("API_CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit),
			RateWindow:         env.duration("API_CHECKOUT_RATE_WINDOW", defaultCheckoutRateWindow),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyCleanup),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Invoice: InvoiceConfig{
			DaysUntilDue:    env.integer("API_INVOICE_DAYS_UNTIL_DUE", defaultInvoiceDaysDue),
			PollInterval:    env.duration("API_INVOICE_POLL_INTERVAL", defaultInvoicePollInterval),
			PollTimeout:     env.duration("API_INVOICE_POLL_TIMEOUT", defaultInvoicePollTimeout),
			DispatchTimeout: env.duration("API_INVOICE_DISPATCH_TIMEOUT", defaultInvoiceDispatch),
		},
		Events: EventsConfig{
			ProjectID:   env.str("API_EVENTS_PROJECT_ID", ""),
			OrdersTopic: env.str("API_EVENTS_ORDERS_TOPIC", defaultEventsTopic),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         env.keyed("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	resolved, err := resolveSecrets(ctx, &cfg, o.resolver)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(o.requiredSecrets, resolved); missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// resolveSecrets replaces secret references in place and returns every secret-capable
// field by name, resolved or plain.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := map[string]*string{
		"PSP.StripeAPIKey":        &cfg.PSP.StripeAPIKey,
		"PSP.StripeWebhookSecret": &cfg.PSP.StripeWebhookSecret,
		"Store.Postgres.DSN":      &cfg.Store.Postgres.DSN,
	}
	out := make(map[string]string, len(fields)+len(cfg.Security.HMAC.Secrets))
	for name, field := range fields {
		value, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return nil, err
		}
		*field = value
		out[name] = strings.TrimSpace(value)
	}
	for id, ref := range cfg.Security.HMAC.Secrets {
		value, err := resolveSecret(ctx, ref, resolver)
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[id] = value
		out[fmt.Sprintf("Security.HMAC.Secrets[%s]", id)] = strings.TrimSpace(value)
	}
	return out, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		if cfg.Store.Firestore.ProjectID == "" {
			missing = append(missing, "Store.Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			missing = append(missing, "Store.Postgres.DSN")
		}
	default:
		missing = append(missing, "Store.Driver")
	}
	if strings.TrimSpace(cfg.PSP.SuccessURL) == "" {
		missing = append(missing, "PSP.SuccessURL")
	}
	if strings.TrimSpace(cfg.PSP.CancelURL) == "" {
		missing = append(missing, "PSP.CancelURL")
	}
	if len(cfg.Checkout.FallbackCurrency) != 3 {
		missing = append(missing, "Checkout.FallbackCurrency")
	}
	if cfg.Checkout.FallbackUnitAmount <= 0 {
		missing = append(missing, "Checkout.FallbackUnitAmount")
	}
	if cfg.Checkout.RateLimit < 0 || (cfg.Checkout.RateLimit > 0 && cfg.Checkout.RateWindow <= 0) {
		missing = append(missing, "Checkout.RateWindow")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval < 0 || cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Invoice.DaysUntilDue <= 0 {
		missing = append(missing, "Invoice.DaysUntilDue")
	}
	if cfg.Invoice.PollInterval <= 0 || cfg.Invoice.PollTimeout < cfg.Invoice.PollInterval {
		missing = append(missing, "Invoice.PollTimeout")
	}
	if cfg.Events.ProjectID != "" && strings.TrimSpace(cfg.Events.OrdersTopic) == "" {
		missing = append(missing, "Events.OrdersTopic")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

// normalizeSecretReference rewrites the legacy sm:// scheme to secret://.
func normalizeSecretReference(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv reads KEY=VALUE lines, tolerating comments, blank lines, quotes and an
// "export " prefix. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
