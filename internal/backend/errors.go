package backend

import "errors"

// Error taxonomy shared by all backend implementations. Anything not
// matching one of these sentinels is treated as transient I/O: logged
// by the caller, never retried automatically, never fatal.
var (
	// ErrUnauthenticated means no valid session exists. Surfaced to an
	// external guard; the core itself never recovers from it.
	ErrUnauthenticated = errors.New("backend: unauthenticated")

	// ErrNotConfigured means an optional collaborator feature (presence,
	// friendships) is unavailable. Callers degrade to no-ops.
	ErrNotConfigured = errors.New("backend: feature not configured")

	// ErrConflict means the operation would violate a uniqueness rule
	// (duplicate friend request, taken user id). State is unchanged.
	ErrConflict = errors.New("backend: conflict")
)

// IsNotConfigured reports whether err is the degradable-feature error.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}
