package cache

import (
	"context"
	"errors"
	"time"

	"github.com/iago/wa-marketing-back/internal/domain"
)

// ErrNotFound means the durable tier verified the key is absent, as
// opposed to the tier being unreachable.
var ErrNotFound = errors.New("cache entry not found")

// Store is the durable tier behind the in-process map. Implementations
// must distinguish verified absence (ErrNotFound) from infrastructure
// failures, because only the latter degrade the cache to memory-only mode.
type Store interface {
	// Probe is a cheap availability check, run once after a failure
	// instead of hammering the tier on every call.
	Probe(ctx context.Context) error
	Get(ctx context.Context, groupID string) (domain.GroupMetadata, time.Time, error)
	Upsert(ctx context.Context, meta domain.GroupMetadata) error
}
