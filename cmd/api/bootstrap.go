package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/payments-api/internal/platform/config"
	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
	"github.com/storefront/payments-api/internal/platform/idempotency"
	"github.com/storefront/payments-api/internal/platform/postgres"
	"github.com/storefront/payments-api/internal/platform/secrets"
	"github.com/storefront/payments-api/internal/repositories"
	firestoreRepo "github.com/storefront/payments-api/internal/repositories/firestore"
	"github.com/storefront/payments-api/internal/repositories/memory"
	postgresRepo "github.com/storefront/payments-api/internal/repositories/postgres"
)

// backend pairs the repository registry with the idempotency store kept on the same driver.
type backend struct {
	registry    repositories.Registry
	idempotency idempotency.Store
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Store.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider, time.Now)
		if err != nil {
			return backend{}, err
		}
		store, err := idempotency.NewFirestoreStore(provider)
		if err != nil {
			return backend{}, err
		}
		return backend{registry: reg, idempotency: store}, nil

	case config.StoreDriverPostgres:
		db, err := postgres.Open(ctx, cfg.Store.Postgres)
		if err != nil {
			return backend{}, err
		}
		if cfg.Store.Postgres.AutoMigrate {
			if err := postgresRepo.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return backend{}, err
			}
			logger.Info("postgres schema applied")
		}
		reg, err := postgresRepo.NewRegistry(db, time.Now)
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}
		store, err := idempotency.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}
		return backend{registry: reg, idempotency: store}, nil

	default:
		store := memory.NewStore()
		if path := strings.TrimSpace(cfg.Store.SeedFile); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return backend{}, fmt.Errorf("open seed file: %w", err)
			}
			defer f.Close()
			if err := store.LoadSeed(f); err != nil {
				return backend{}, fmt.Errorf("load seed file %s: %w", path, err)
			}
			logger.Info("memory store seeded", zap.String("file", path))
		} else {
			logger.Warn("memory store started empty; set API_STORE_SEED_FILE to load products")
		}
		return backend{registry: store, idempotency: idempotency.NewMemoryStore()}, nil
	}
}

// startIdempotencyCleanup purges expired keys on an interval. The returned func stops the loop and waits for it.
func startIdempotencyCleanup(store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) func() {
	if store == nil || cfg.CleanupInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.CleanupInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, done := context.WithTimeout(ctx, time.Minute)
				removed, err := store.PurgeExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				done()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed keys", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		cancel()
		wg.Wait()
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse API_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if file := lookup("API_SECRET_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve before the server starts.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
	if strings.EqualFold(strings.TrimSpace(env["API_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Store.Postgres.DSN")
	}
	for _, key := range hmacKeyIDs(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func hmacKeyIDs(raw string) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" || strings.TrimSpace(value) == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
