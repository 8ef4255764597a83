// Package classifier defines the boundary between the proxy and the
// message classifier. The proxy treats classification as a black box: it
// streams a message in and gets a bucket name back, and it resolves bucket
// names to the classifier's stable numeric ids for the history store.
package classifier

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotRegistered is returned by Open for an unknown classifier type.
	ErrNotRegistered = errors.New("classifier type not registered")

	// ErrUnknownBucket is returned by BucketID for a name the classifier does not own.
	ErrUnknownBucket = errors.New("unknown bucket")
)

// Result is the outcome of classifying one message.
// Magnet is empty unless a magnet rule forced the bucket.
type Result struct {
	Bucket string
	Magnet string
}

// Classifier hands out working sessions. Implementations must be safe for
// concurrent use; sessions need not be.
type Classifier interface {
	// Open resolves a session credential (typically the mail user) to a
	// working context.
	Open(ctx context.Context, credential string) (Session, error)

	// Close releases resources held by the classifier.
	Close() error
}

// Session is a classifier working context.
type Session interface {
	// BucketID resolves a bucket name to its id.
	BucketID(ctx context.Context, name string) (int64, error)

	// Classify reads the raw RFC 5322 message from r until EOF and returns
	// the bucket it belongs in. r is always consumed completely.
	Classify(ctx context.Context, r io.Reader) (Result, error)

	// Close releases the working context.
	Close() error
}
