// Package kvstore is a flat, quota-bounded key/value substrate.
//
// Values are opaque byte strings. A store refuses any write that would push
// the total size of stored values past its quota with ErrQuotaExceeded, which
// wraps errs.ErrQuotaExceeded.
package kvstore

import (
	"errors"
	"fmt"

	"reminder-store/internal/errs"
)

var (
	ErrQuotaExceeded = fmt.Errorf("kvstore: %w", errs.ErrQuotaExceeded)

	// ErrReadOnly is returned by stores that open but refuse writes.
	ErrReadOnly = errors.New("kvstore: store is read-only")
)

// Store is implemented by FileStore and MemStore.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)
	// Set replaces the value for key. The replace is atomic: a failed Set
	// leaves the previous value in place.
	Set(key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// Usage is the number of bytes currently stored.
	Usage() (int64, error)
	// Quota is the byte ceiling, or 0 when unbounded.
	Quota() int64
}

func checkQuota(quota, usage, replaced, incoming int64) error {
	if quota <= 0 {
		return nil
	}
	if usage-replaced+incoming > quota {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrQuotaExceeded, incoming, usage-replaced, quota)
	}
	return nil
}
