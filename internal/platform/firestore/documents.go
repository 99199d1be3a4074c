package firestore

import (
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decode hydrates a typed document from a snapshot.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	if snap == nil {
		return target, errors.New("firestore: nil snapshot")
	}
	if err := snap.DataTo(&target); err != nil {
		return target, fmt.Errorf("firestore: decode %s: %w", snap.Ref.ID, err)
	}
	return target, nil
}

// DecodeAll drains the iterator, decoding each snapshot. The iterator is always stopped.
func DecodeAll[T any](op string, iter *firestore.DocumentIterator, fn func(id string, doc T)) error {
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return WrapError(op, err)
		}
		doc, err := Decode[T](snap)
		if err != nil {
			return err
		}
		fn(snap.Ref.ID, doc)
	}
}
