package session

import (
	"context"

	"sessioncore/pkg/persist"
)

type proxyState int

const (
	proxyUninitialized proxyState = iota
	proxyResolving
	proxyResolved
)

// ProxyHandle is a lazy placeholder for a single referenced entity. It owns
// no data until resolved; resolution is idempotent and memoized. The target
// key never changes after construction.
type ProxyHandle struct {
	key      EntityKey
	path     string
	state    proxyState
	resolved *Record
}

// TargetKey implements persist.Reference.
func (h *ProxyHandle) TargetKey() EntityKey { return h.key }

// IsResolved implements persist.Reference.
func (h *ProxyHandle) IsResolved() bool { return h.state == proxyResolved }

// Path names the association path the handle was issued for; empty for
// reference-only handles.
func (h *ProxyHandle) Path() string { return h.path }

// CollectionHandle is the lazy placeholder for a to-many association left
// unplanned by the fetch strategy. Resolution loads the full collection for
// the owning record in one query.
type CollectionHandle struct {
	owner    EntityKey
	assoc    persist.AssociationSpec
	state    proxyState
	resolved []*Record
}

// TargetKey implements persist.Reference; collections are addressed through
// their owning record's key.
func (h *CollectionHandle) TargetKey() EntityKey { return h.owner }

// IsResolved implements persist.Reference.
func (h *CollectionHandle) IsResolved() bool { return h.state == proxyResolved }

// Path names the association path the handle was issued for.
func (h *CollectionHandle) Path() string { return h.assoc.Name }

// recordLoader is the capability a proxy needs from its owning context: load
// one record by key, or a collection by owner, through the external executor
// and into the identity map.
type recordLoader interface {
	loadForProxy(ctx context.Context, key EntityKey) (*Record, error)
	loadCollection(ctx context.Context, owner EntityKey, assoc persist.AssociationSpec) ([]*Record, error)
}

// ProxyManager issues and resolves lazy-loading placeholders. Resolution
// defers all I/O until first access; that deferral is what lets the fetch
// plan decide whether an association is fetched at all.
type ProxyManager struct {
	loader  recordLoader
	onLoad  func(path string)
	touched int
}

func newProxyManager(loader recordLoader, onLoad func(path string)) *ProxyManager {
	if onLoad == nil {
		onLoad = func(string) {}
	}
	return &ProxyManager{loader: loader, onLoad: onLoad}
}

// CreateProxy issues an uninitialized handle for the key. No store calls are
// performed.
func (m *ProxyManager) CreateProxy(key EntityKey, path string) *ProxyHandle {
	return &ProxyHandle{key: key, path: path}
}

// CreateCollection issues an uninitialized collection handle for the owning
// record and association. No store calls are performed.
func (m *ProxyManager) CreateCollection(owner EntityKey, assoc persist.AssociationSpec) *CollectionHandle {
	return &CollectionHandle{owner: owner, assoc: assoc}
}

// Resolve loads the handle's target exactly once. The first call issues one
// load through the executor and memoizes the result; subsequent calls return
// the cached record with no I/O. A Resolve while already resolving is a
// reentrant access bug and fails with a ProxyReentrancyError.
func (m *ProxyManager) Resolve(ctx context.Context, handle *ProxyHandle) (*Record, error) {
	switch handle.state {
	case proxyResolved:
		return handle.resolved, nil
	case proxyResolving:
		return nil, persist.ProxyReentrancyError{Key: handle.key}
	}
	handle.state = proxyResolving
	record, err := m.loader.loadForProxy(ctx, handle.key)
	if err != nil {
		handle.state = proxyUninitialized
		return nil, err
	}
	handle.resolved = record
	handle.state = proxyResolved
	m.touched++
	m.onLoad(handle.path)
	return record, nil
}

// ResolveCollection loads a collection handle exactly once, batching the full
// collection for the owner into one query.
func (m *ProxyManager) ResolveCollection(ctx context.Context, handle *CollectionHandle) ([]*Record, error) {
	switch handle.state {
	case proxyResolved:
		return handle.resolved, nil
	case proxyResolving:
		return nil, persist.ProxyReentrancyError{Key: handle.owner}
	}
	handle.state = proxyResolving
	records, err := m.loader.loadCollection(ctx, handle.owner, handle.assoc)
	if err != nil {
		handle.state = proxyUninitialized
		return nil, err
	}
	handle.resolved = records
	handle.state = proxyResolved
	m.touched++
	m.onLoad(handle.assoc.Name)
	return records, nil
}

// Resolutions reports how many handles this manager has resolved.
func (m *ProxyManager) Resolutions() int { return m.touched }
