// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching token
data for distributed systems or for multiple local applications that share one
cache.

The host application implements Notifier. Before every cache operation the library
calls BeforeAccess, giving the host a chance to load external storage into the
cache via the Serializer handle in the NotificationArgs. Mutating operations are
additionally preceded by BeforeWrite. After every operation AfterAccess runs;
HasStateChanged on the args tells the host whether the cache was written and should
be persisted. All three calls are synchronous with the operation they wrap.

The serialized data is considered opaque: there are no guarantees to implementers
on the format being passed beyond it being a complete snapshot of the cache.
*/
package cache

import "context"

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache,
// overwriting it.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

// NotificationArgs is passed to every Notifier callback. It identifies the cache
// instance and the request that triggered the operation.
type NotificationArgs struct {
	// Cache is a handle the host can use to load or dump the cache state.
	Cache Serializer
	// ClientID of the application the triggering request was made for.
	ClientID string
	// PrincipalID of the account the triggering request was made for. Empty for
	// app-only (client credential) requests and for whole-cache operations.
	PrincipalID string
	// HasStateChanged is true when the operation that just completed wrote to the
	// cache. Only meaningful in AfterAccess.
	HasStateChanged bool
}

// Notifier is implemented by the host application to synchronize the in-memory
// cache with external storage. Implementations must honor ctx cancellation but
// cannot fail the cache operation: errors are the implementation's to handle.
type Notifier interface {
	// BeforeAccess is called before any cache read or write.
	BeforeAccess(ctx context.Context, args NotificationArgs)
	// BeforeWrite is called after BeforeAccess and before the first mutation of a
	// writing operation.
	BeforeWrite(ctx context.Context, args NotificationArgs)
	// AfterAccess is called after the operation completes, on success and failure.
	AfterAccess(ctx context.Context, args NotificationArgs)
}
