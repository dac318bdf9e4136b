// Package errs contains the storage error taxonomy shared by every backend.
//
// Adapters wrap these sentinels with fmt.Errorf("...: %w", ...) so callers can
// branch on the kind with errors.Is without knowing which backend produced it.
package errs

import "errors"

var (
	// ErrNotFound indicates an operation referenced an id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates input violated a field or shape rule. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrQuotaExceeded indicates a backend size limit was hit, possibly after eviction.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrBackendUnavailable indicates probing or construction of a backend failed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTransactionFailed indicates a multi-step backend operation aborted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrStorageCorrupted indicates a stored payload could not be decoded.
	ErrStorageCorrupted = errors.New("storage corrupted")
)

// IsStorageWarning reports whether err is a storage-capacity or availability
// problem the user can act on (clear old data, free disk) rather than a generic failure.
func IsStorageWarning(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrBackendUnavailable)
}
