// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package oauth

import (
	"context"
	"sync"

	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
	"golang.org/x/sync/singleflight"
)

// instanceDiscoveryer allows faking the discovery endpoint in tests.
// It is implemented in production by ops/authority.Client.
type instanceDiscoveryer interface {
	InstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error)
}

// AuthorityResolver resolves an authority host to its preferred network/cache
// hosts and alias set. Results are memoized for the process lifetime (or until
// Clear). Concurrent resolves of the same unresolved host share one network call.
//
// Discovery failure is absorbed: the resolver degrades to treating the host as its
// own alias and logs, because the cache has well-defined, correct behavior without
// cross-host equivalence. The only errors returned are context cancellations.
type AuthorityResolver struct {
	requests instanceDiscoveryer
	log      logger.LoggerInterface

	group singleflight.Group

	mu       sync.RWMutex
	metadata map[string]authority.InstanceDiscoveryMetadata
}

// NewAuthorityResolver is the constructor for AuthorityResolver.
func NewAuthorityResolver(requests instanceDiscoveryer, log logger.LoggerInterface) *AuthorityResolver {
	if log == nil {
		log = logger.Nop()
	}
	return &AuthorityResolver{
		requests: requests,
		log:      log,
		metadata: make(map[string]authority.InstanceDiscoveryMetadata),
	}
}

// selfMetadata is the degenerate alias set for a host the directory does not know
// about (or could not be asked about): the host is its own preferred network and
// cache host.
func selfMetadata(host string) authority.InstanceDiscoveryMetadata {
	return authority.InstanceDiscoveryMetadata{
		PreferredNetwork: host,
		PreferredCache:   host,
		Aliases:          []string{host},
	}
}

// Resolve returns the alias metadata for the authority's host.
func (r *AuthorityResolver) Resolve(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryMetadata, error) {
	host := authorityInfo.Host
	if authorityInfo.Kind == authority.Private {
		// Private authorities never participate in discovery.
		return selfMetadata(host), nil
	}

	r.mu.RLock()
	md, ok := r.metadata[host]
	r.mu.RUnlock()
	if ok {
		return md, nil
	}

	// Collapse concurrent discovery of the same host into one round trip; every
	// waiter observes the leader's result. The flight runs detached from the
	// leader's context so one caller's cancellation cannot fail the rest; each
	// caller then reports its own ctx state.
	v, err, _ := r.group.Do(host, func() (any, error) {
		return r.discover(context.WithoutCancel(ctx), authorityInfo)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return authority.InstanceDiscoveryMetadata{}, ctxErr
	}
	if err != nil {
		return authority.InstanceDiscoveryMetadata{}, err
	}
	return v.(authority.InstanceDiscoveryMetadata), nil
}

func (r *AuthorityResolver) discover(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryMetadata, error) {
	host := authorityInfo.Host

	// Another caller may have resolved the host between the fast path and the
	// singleflight leader election.
	r.mu.RLock()
	md, ok := r.metadata[host]
	r.mu.RUnlock()
	if ok {
		return md, nil
	}

	resp, err := r.requests.InstanceDiscovery(ctx, authorityInfo)
	if err != nil {
		// Degraded, not fatal. Not memoized, so a later request retries discovery.
		degraded := errors.DiscoveryDegradedError{Host: host, Err: err}
		r.log.Log(ctx, logger.Warn, degraded.Error(), logger.Field("host", host))
		return selfMetadata(host), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range resp.Metadata {
		entry.TenantDiscoveryEndpoint = resp.TenantDiscoveryEndpoint
		for _, alias := range entry.Aliases {
			r.metadata[alias] = entry
		}
	}
	if _, ok := r.metadata[host]; !ok {
		// The directory answered but did not list our host. It still gets a
		// memoized degenerate entry so matching works.
		r.log.Log(ctx, logger.Info, "authority host not present in instance discovery metadata",
			logger.Field("host", host))
		r.metadata[host] = selfMetadata(host)
	}
	return r.metadata[host], nil
}

// Aliases returns every host equivalent to the authority's host for cache-matching
// purposes, always including the host itself.
func (r *AuthorityResolver) Aliases(ctx context.Context, authorityInfo authority.Info) ([]string, error) {
	md, err := r.Resolve(ctx, authorityInfo)
	if err != nil {
		return nil, err
	}
	for _, alias := range md.Aliases {
		if alias == authorityInfo.Host {
			return md.Aliases, nil
		}
	}
	return append([]string{authorityInfo.Host}, md.Aliases...), nil
}

// Clear resets the memoized metadata. Used by cache-clear operations and tests.
func (r *AuthorityResolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = make(map[string]authority.InstanceDiscoveryMetadata)
}
