package persist

import "fmt"

// DuplicateLoadError reports a Put for an EntityKey already present in the
// scope's identity map. It signals a caller bug and is never retried.
type DuplicateLoadError struct {
	Key EntityKey
}

func (e DuplicateLoadError) Error() string {
	return fmt.Sprintf("duplicate load for %s: entry already managed in this scope", e.Key)
}

// ProxyReentrancyError reports a proxy resolved while already resolving,
// which usually indicates a recursive access pattern during serialization of
// the entity itself.
type ProxyReentrancyError struct {
	Key EntityKey
}

func (e ProxyReentrancyError) Error() string {
	return fmt.Sprintf("reentrant resolution of proxy %s", e.Key)
}

// OptimisticLockError reports a version-stamp mismatch at flush time. The
// caller decides recovery; the engine never retries.
type OptimisticLockError struct {
	Key      EntityKey
	Expected VersionStamp
}

func (e OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s: stored version differs from loaded version %d", e.Key, e.Expected)
}

// ScopeClosedError reports an operation attempted after the owning scope
// reached its terminal state.
type ScopeClosedError struct {
	Op string
}

func (e ScopeClosedError) Error() string {
	return fmt.Sprintf("scope closed: %s not permitted", e.Op)
}

// StoreError wraps a failure raised by the external query executor. It is
// propagated unchanged to the caller and transitions the owning scope to
// rollback.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes the executor failure for errors.Is / errors.As.
func (e StoreError) Unwrap() error { return e.Err }

// NotFoundError reports a load for a key the store has no row for.
type NotFoundError struct {
	Key EntityKey
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Key)
}
