package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

type firestoreEntry struct {
	Fingerprint    string    `firestore:"fingerprint"`
	Status         string    `firestore:"status"`
	ResponseStatus int       `firestore:"responseStatus"`
	ContentType    string    `firestore:"contentType"`
	ResponseBody   []byte    `firestore:"responseBody"`
	ExpiresAt      time.Time `firestore:"expiresAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// FirestoreStore keeps reservations in a Firestore collection, one document per hashed key.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	s := &FirestoreStore{provider: provider, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(hashKey(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, hold time.Duration) (Reservation, error) {
	if hold <= 0 {
		hold = DefaultHold
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var entry firestoreEntry
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&entry); err != nil {
				return err
			}
		}

		if snap == nil || !snap.Exists() || !now.Before(entry.ExpiresAt) {
			result = Reservation{State: StateNew}
			return tx.Set(ref, firestoreEntry{
				Fingerprint: fingerprint,
				Status:      statusPending,
				ExpiresAt:   now.Add(hold),
				UpdatedAt:   now,
			})
		}
		if entry.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		if entry.Status == statusCompleted {
			result = Reservation{State: StateReplay, Response: Response{
				Status:      entry.ResponseStatus,
				ContentType: entry.ContentType,
				Body:        entry.ResponseBody,
			}}
			return nil
		}
		result = Reservation{State: StateInFlight}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return Reservation{}, err
		}
		return Reservation{}, pfirestore.WrapError("idempotency.reserve", err)
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}

	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrReservationLost
		}
		if err != nil {
			return err
		}
		var entry firestoreEntry
		if err := snap.DataTo(&entry); err != nil {
			return err
		}
		if entry.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, firestoreEntry{
			Fingerprint:    fingerprint,
			Status:         statusCompleted,
			ResponseStatus: resp.Status,
			ContentType:    resp.ContentType,
			ResponseBody:   cloneBody(resp.Body),
			ExpiresAt:      now.Add(ttl),
			UpdatedAt:      now,
		})
	})
	if err != nil && !errors.Is(err, ErrFingerprintMismatch) && !errors.Is(err, ErrReservationLost) {
		return pfirestore.WrapError("idempotency.complete", err)
	}
	return err
}

func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var entry firestoreEntry
		if err := snap.DataTo(&entry); err != nil {
			return err
		}
		if entry.Fingerprint != fingerprint || entry.Status != statusPending {
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	bulk := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bulk.Delete(doc.Ref); err != nil {
			bulk.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	bulk.End()
	return len(docs), nil
}
