package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes the key so a request that did not commit can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// SetStock mirrors a committed quantity for read-side consumers. version
	// is the Seq of the committing adjustment; writes with a version not newer
	// than the mirrored one are ignored.
	SetStock(ctx context.Context, sweetID int64, quantity int64, version int64) error
}
