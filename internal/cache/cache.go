// Package cache provides the content-addressed prediction cache (§4.4).
//
// A cache key always embeds the model type, the request fingerprint, and the
// active model version ("{type}:{fingerprint}:{version}") so that promotion
// automatically partitions the key space (Invariant C1): explicit
// invalidation after a promotion is defensive, not load-bearing for
// correctness. Values are opaque, versioned envelopes (see envelope.go) so a
// future serialization format can coexist with entries written by an older
// one (Invariant C2).
//
// Two backends are provided, mirroring the teacher's in-memory/persistent
// split for its key store: InMemory for development and tests, and Redis
// for shared, multi-replica deployments. Both satisfy Cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maliev/predictionservice/internal/model"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the prediction cache contract (§4.4). Implementations must treat
// infrastructure failures as a miss on read (fail-open, §7
// TransientInfraError) rather than propagating an error to the caller; Get
// only returns an error distinct from ErrMiss for caller-programming errors
// (e.g. a malformed key).
type Cache interface {
	// Get returns the cached value for key, or ErrMiss if absent/expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes every key matching prefix. The prefix is either a
	// literal key prefix such as "{type}:" (TypePrefix) or may contain one
	// "*" standing in for the fingerprint, as in "{type}:*:{version}"
	// (VersionPrefix).
	Invalidate(ctx context.Context, prefix string) error
}

// Key formats the canonical prediction cache key (§3 CacheEntry, §4.3 step
// 4). version is always embedded, which is what makes P3/P5 hold regardless
// of backend.
func Key(t model.Type, fingerprint string, version model.Version) string {
	return fmt.Sprintf("%s:%s:%s", t, fingerprint, version.String())
}

// VersionPrefix returns the key prefix that scopes every cache entry for a
// given (type, version) pair, used to invalidate a deprecated version's
// entries after promotion (§4.4, defensive invalidation).
func VersionPrefix(t model.Type, version model.Version) string {
	return fmt.Sprintf("%s:", t) + "*:" + version.String()
}

// TypePrefix returns the key prefix that scopes every cache entry for a
// given model type, regardless of fingerprint or version.
func TypePrefix(t model.Type) string {
	return fmt.Sprintf("%s:", t)
}

// matchesPrefix reports whether key is covered by prefix, where prefix may
// contain a single "*" wildcard segment standing in for the fingerprint
// (e.g. "PrintTime:*:1.0.0" matches "PrintTime:abcd...:1.0.0").
func matchesPrefix(key, prefix string) bool {
	if !strings.Contains(prefix, "*") {
		return strings.HasPrefix(key, prefix)
	}

	prefixParts := strings.SplitN(prefix, "*", 2)

	return strings.HasPrefix(key, prefixParts[0]) && strings.HasSuffix(key, prefixParts[1])
}
