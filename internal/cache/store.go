// internal/cache/store.go
package cache

import (
	"context"
	"time"
)

// Store is the contract every component uses to reach the shared key-value store.
// Missing keys surface as models.ErrNotFound; transport failures wrap models.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites key. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// SetNX creates key only if it does not exist.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces key with value only if its current value equals expected.
	// A nil expected means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, r ZRange) ([]ScoredMember, error)
	ZRem(ctx context.Context, key string, members ...string) error
}

// ZRange selects a score window of an ordered set. Min and Max use Redis range syntax
// ("-inf", "+inf", "(123" for exclusive). Rev walks from Max down to Min.
type ZRange struct {
	Min    string
	Max    string
	Offset int64
	Count  int64
	Rev    bool
}

// ScoredMember is one ordered-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}
