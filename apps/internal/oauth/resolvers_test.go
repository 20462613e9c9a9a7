// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package oauth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
)

type fakeDiscoveryer struct {
	resp  authority.InstanceDiscoveryResponse
	err   error
	calls atomic.Int64

	block chan struct{} // when non-nil, InstanceDiscovery waits on it
}

func (f *fakeDiscoveryer) InstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return authority.InstanceDiscoveryResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return authority.InstanceDiscoveryResponse{}, f.err
	}
	return f.resp, nil
}

func discoveryResponse(hosts ...string) authority.InstanceDiscoveryResponse {
	return authority.InstanceDiscoveryResponse{
		TenantDiscoveryEndpoint: "https://" + hosts[0] + "/contoso/.well-known/openid-configuration",
		Metadata: []authority.InstanceDiscoveryMetadata{
			{
				PreferredNetwork: hosts[0],
				PreferredCache:   hosts[0],
				Aliases:          hosts,
			},
		},
	}
}

func cloudInfo(t *testing.T, host string) authority.Info {
	t.Helper()
	info, err := authority.NewInfoFromAuthorityURI("https://" + host + "/contoso")
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestResolveMemoizes(t *testing.T) {
	discovery := &fakeDiscoveryer{resp: discoveryResponse("login.omnidir.net", "login.omnidir.us")}
	resolver := NewAuthorityResolver(discovery, nil)

	info := cloudInfo(t, "login.omnidir.net")
	for i := 0; i < 3; i++ {
		md, err := resolver.Resolve(context.Background(), info)
		if err != nil {
			t.Fatalf("TestResolveMemoizes: got err == %v, want err == nil", err)
		}
		want := []string{"login.omnidir.net", "login.omnidir.us"}
		if diff := pretty.Compare(want, md.Aliases); diff != "" {
			t.Fatalf("TestResolveMemoizes: -want/+got:\n%s", diff)
		}
	}
	if got := discovery.calls.Load(); got != 1 {
		t.Errorf("TestResolveMemoizes: got %d discovery calls, want 1", got)
	}

	// Every alias host in the response was memoized, not just the one asked for.
	if _, err := resolver.Resolve(context.Background(), cloudInfo(t, "login.omnidir.us")); err != nil {
		t.Fatal(err)
	}
	if got := discovery.calls.Load(); got != 1 {
		t.Errorf("TestResolveMemoizes: alias lookup made %d extra calls", got-1)
	}
}

func TestResolveCollapsesConcurrentCalls(t *testing.T) {
	discovery := &fakeDiscoveryer{
		resp:  discoveryResponse("login.omnidir.net"),
		block: make(chan struct{}),
	}
	resolver := NewAuthorityResolver(discovery, nil)
	info := cloudInfo(t, "login.omnidir.net")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.Resolve(context.Background(), info); err != nil {
				errs <- err
			}
		}()
	}
	close(discovery.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("TestResolveCollapsesConcurrentCalls: got err == %v, want err == nil", err)
	}
	// Singleflight admits a new leader once a flight completes, so a small number
	// of calls can slip through; all ten must not.
	if got := discovery.calls.Load(); got > 2 {
		t.Errorf("TestResolveCollapsesConcurrentCalls: got %d discovery calls for %d concurrent resolves", got, workers)
	}
}

func TestResolveDegradesOnFailure(t *testing.T) {
	discovery := &fakeDiscoveryer{err: fmt.Errorf("discovery endpoint unreachable")}
	resolver := NewAuthorityResolver(discovery, nil)
	info := cloudInfo(t, "login.omnidir.net")

	md, err := resolver.Resolve(context.Background(), info)
	if err != nil {
		t.Fatalf("TestResolveDegradesOnFailure: got err == %v, want degraded success", err)
	}
	want := []string{"login.omnidir.net"}
	if diff := pretty.Compare(want, md.Aliases); diff != "" {
		t.Errorf("TestResolveDegradesOnFailure: -want/+got:\n%s", diff)
	}

	// Degraded results are not memoized: once the endpoint recovers, discovery
	// succeeds and is then cached.
	discovery.err = nil
	discovery.resp = discoveryResponse("login.omnidir.net", "login.omnidir.us")
	md, err = resolver.Resolve(context.Background(), info)
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Aliases) != 2 {
		t.Errorf("TestResolveDegradesOnFailure: recovery not observed, aliases == %v", md.Aliases)
	}
	if got := discovery.calls.Load(); got != 2 {
		t.Errorf("TestResolveDegradesOnFailure: got %d discovery calls, want 2", got)
	}
}

func TestResolveCanceledContext(t *testing.T) {
	discovery := &fakeDiscoveryer{err: context.Canceled}
	resolver := NewAuthorityResolver(discovery, nil)
	info := cloudInfo(t, "login.omnidir.net")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := resolver.Resolve(ctx, info); err == nil {
		t.Fatalf("TestResolveCanceledContext: got err == nil, want the cancellation propagated")
	}
}

func TestResolveWaiterSurvivesLeaderCancellation(t *testing.T) {
	discovery := &fakeDiscoveryer{
		resp:  discoveryResponse("login.omnidir.net", "login.omnidir.us"),
		block: make(chan struct{}),
	}
	resolver := NewAuthorityResolver(discovery, nil)
	info := cloudInfo(t, "login.omnidir.net")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(leaderCtx, info)
		leaderErr <- err
	}()
	for discovery.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	var md authority.InstanceDiscoveryMetadata
	waiterErr := make(chan error, 1)
	go func() {
		var err error
		md, err = resolver.Resolve(context.Background(), info)
		waiterErr <- err
	}()

	// Canceling the first caller must fail only that caller. The in-flight
	// discovery keeps running and serves everyone else.
	cancel()
	close(discovery.block)

	if err := <-leaderErr; err == nil {
		t.Errorf("TestResolveWaiterSurvivesLeaderCancellation: canceled caller got err == nil, want its cancellation")
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("TestResolveWaiterSurvivesLeaderCancellation: got err == %v, want err == nil", err)
	}
	want := []string{"login.omnidir.net", "login.omnidir.us"}
	if diff := pretty.Compare(want, md.Aliases); diff != "" {
		t.Errorf("TestResolveWaiterSurvivesLeaderCancellation: -want/+got:\n%s", diff)
	}
	if got := discovery.calls.Load(); got != 1 {
		t.Errorf("TestResolveWaiterSurvivesLeaderCancellation: got %d discovery calls, want 1", got)
	}
}

func TestResolvePrivateAuthoritySkipsDiscovery(t *testing.T) {
	discovery := &fakeDiscoveryer{resp: discoveryResponse("login.omnidir.net")}
	resolver := NewAuthorityResolver(discovery, nil)

	info, err := authority.NewInfoFromAuthorityURI("https://directory.internal.example/contoso")
	if err != nil {
		t.Fatal(err)
	}
	if info.Kind != authority.Private {
		t.Fatalf("TestResolvePrivateAuthoritySkipsDiscovery: got kind %v, want Private", info.Kind)
	}

	md, err := resolver.Resolve(context.Background(), info)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"directory.internal.example"}
	if diff := pretty.Compare(want, md.Aliases); diff != "" {
		t.Errorf("TestResolvePrivateAuthoritySkipsDiscovery: -want/+got:\n%s", diff)
	}
	if got := discovery.calls.Load(); got != 0 {
		t.Errorf("TestResolvePrivateAuthoritySkipsDiscovery: %d discovery calls for a private authority", got)
	}
}

func TestResolveUnlistedHostMemoizedDegenerate(t *testing.T) {
	// The directory answers but does not list the asked-for host.
	discovery := &fakeDiscoveryer{resp: discoveryResponse("login.omnidir.us")}
	resolver := NewAuthorityResolver(discovery, nil)
	info := cloudInfo(t, "login.omnidir.net")

	for i := 0; i < 2; i++ {
		md, err := resolver.Resolve(context.Background(), info)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"login.omnidir.net"}
		if diff := pretty.Compare(want, md.Aliases); diff != "" {
			t.Fatalf("TestResolveUnlistedHostMemoizedDegenerate: -want/+got:\n%s", diff)
		}
	}
	// Unlike a network failure, a definitive "not listed" answer is memoized.
	if got := discovery.calls.Load(); got != 1 {
		t.Errorf("TestResolveUnlistedHostMemoizedDegenerate: got %d discovery calls, want 1", got)
	}
}
