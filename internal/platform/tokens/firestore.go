package tokens

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
)

const (
	defaultCollection   = "order_tokens"
	defaultCleanupLimit = 100
)

var errFirestoreProviderMissing = errors.New("tokens: firestore provider is required")

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection tokens are written to.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(clock func() time.Time) FirestoreOption {
	return func(s *FirestoreStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// FirestoreStore implements Store on Firestore. DeleteIfEquals runs as a single transaction
// so the compare and the delete commit together.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
	clock      func() time.Time
}

// NewFirestoreStore constructs a Firestore-backed token store.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errFirestoreProviderMissing
	}
	store := &FirestoreStore{
		provider:   provider,
		collection: defaultCollection,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Register implements Store.
func (s *FirestoreStore) Register(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	coll, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	_, err = coll.Doc(documentID(key)).Set(ctx, entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	return pfirestore.WrapError("tokens.register", err)
}

// DeleteIfEquals implements Store.
func (s *FirestoreStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	coll, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return false, err
	}
	ref := coll.Doc(documentID(key))

	var deleted bool
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		current, err := pfirestore.Decode[entry](snap)
		if err != nil {
			return err
		}
		if current.Value != expected || current.expired(s.clock().UTC()) {
			return nil
		}
		if err := tx.Delete(ref); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("tokens.deleteIfEquals", err)
	}
	return deleted, nil
}

// CleanupExpired implements Store.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	coll, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return 0, err
	}
	docs, err := coll.Where("expires_at", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("tokens.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	bulk := client.BulkWriter(ctx)
	jobs := make([]deleteJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bulk.Delete(doc.Ref)
		if err != nil {
			bulk.End()
			removed, jobErr := settleDeletes(jobs)
			return removed, pfirestore.WrapError("tokens.cleanup", errors.Join(err, jobErr))
		}
		jobs = append(jobs, job)
	}
	bulk.End()
	removed, err := settleDeletes(jobs)
	return removed, pfirestore.WrapError("tokens.cleanup", err)
}

type deleteJob interface {
	Results() (*firestore.WriteResult, error)
}

// settleDeletes counts the deletes the bulk writer committed. Documents already gone count
// as removed.
func settleDeletes(jobs []deleteJob) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if status.Code(err) == codes.NotFound {
				removed++
				continue
			}
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
