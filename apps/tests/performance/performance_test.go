// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package performance measures token cache lookup latency as the number of
// cached principals and scopes grows. The numbers are printed, not asserted;
// the test exists to catch order-of-magnitude regressions by inspection.
package performance

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/mock"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
)

func fakeClient() (base.Client, error) {
	srv := mock.NewClient()
	srv.AppendResponse(mock.WithBody(mock.GetInstanceDiscoveryBody("login.omnidir.net", "perf-tenant")))
	return base.New("fake-client-id", "https://login.omnidir.net/perf-tenant", srv)
}

func populateCache(users, tokens int, client base.Client) {
	for user := 0; user < users; user++ {
		for token := 0; token < tokens; token++ {
			authParams := client.AuthParams
			authParams.UserAssertion = fmt.Sprintf("fake-user-assertion%d", user)
			authParams.AuthorizationType = authority.ATOnBehalfOf
			authParams.Scopes = []string{fmt.Sprintf("scope%d", token)}

			_, err := client.AuthResultFromToken(context.Background(), authParams, accesstokens.TokenResponse{
				AccessToken:   fmt.Sprintf("fake-access-token%d", user),
				RefreshToken:  "fake-refresh-token",
				ClientInfo:    accesstokens.ClientInfo{UID: "perf-uid", UTID: fmt.Sprintf("%dperf-utid", user)},
				ExpiresOn:     time.Now().Add(1 * time.Hour),
				GrantedScopes: []string{fmt.Sprintf("scope%d", token)},
			})
			if err != nil {
				panic(err)
			}
		}
	}
}

func queryCache(users, tokens int, client base.Client) {
	userAssertion := fmt.Sprintf("fake-user-assertion%d", rand.Intn(users))
	scopes := []string{fmt.Sprintf("scope%d", rand.Intn(tokens))}
	cred := &accesstokens.Credential{Secret: "fake-secret"}
	_, err := client.AcquireTokenOnBehalfOf(context.Background(), userAssertion, cred, scopes)
	if err != nil {
		panic(err)
	}
}

func benchmarkOnBehalfOf(users, tokens int, client base.Client) {
	var duration []float64
	for start := time.Now(); time.Since(start) < 30*time.Second; {
		s := time.Now()
		queryCache(users, tokens, client)
		duration = append(duration, float64(time.Since(s)))
	}
	calculateStats(users, tokens, duration)
}

func calculateStats(users, tokens int, duration []float64) {
	fmt.Printf("users: %d, tokens per user: %d\n", users, tokens)

	report := func(name string, f func(stats.Float64Data) (float64, error)) {
		v, err := f(duration)
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s: %.2fus\n", name, v/float64(time.Microsecond))
	}
	report("mean", stats.Mean)
	report("median", stats.Median)
	report("stddev", stats.StandardDeviation)
	report("min", stats.Min)
	report("max", stats.Max)
}

func TestOnBehalfOfCacheScaling(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping testing in CI environment")
	}
	tests := []struct {
		Users  int
		Tokens int
	}{
		{1, 10000},
		{1, 100000},
		{100, 10000},
		{1000, 10000},
		{10000, 100},
	}

	for _, test := range tests {
		client, err := fakeClient()
		if err != nil {
			panic(err)
		}
		populateCache(test.Users, test.Tokens, client)
		benchmarkOnBehalfOf(test.Users, test.Tokens, client)
	}
}
