// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package public

import (
	"context"
	"testing"

	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/mock"
)

const (
	testHost     = "login.omnidir.net"
	testRealm    = "contoso"
	testClientID = "client-id-1"
	testUsername = "user@contoso.com"
)

var testAuthority = "https://" + testHost + "/" + testRealm

func TestNew(t *testing.T) {
	if _, err := New(testClientID); err != nil {
		t.Fatalf("TestNew: got err == %v, want err == nil", err)
	}
	if _, err := New(testClientID, WithAuthority("http://login.omnidir.net/contoso")); err == nil {
		t.Errorf("TestNew: got err == nil for a non-https authority")
	}
}

func TestAcquireTokenSilentRoundTrip(t *testing.T) {
	httpClient := mock.NewClient()
	client, err := New(testClientID, WithAuthority(testAuthority), WithHTTPClient(httpClient))
	if err != nil {
		t.Fatal(err)
	}

	// An empty cache cannot answer silently.
	httpClient.AppendResponse(mock.WithBody(mock.GetInstanceDiscoveryBody(testHost, testRealm)))
	_, err = client.AcquireTokenSilent(context.Background(), []string{"mail.read"})
	if !errors.IsInteractionRequired(err) {
		t.Fatalf("TestAcquireTokenSilentRoundTrip: got err == %v, want an interaction required error", err)
	}

	// The host signs the user in on its own and feeds the refresh token in.
	idToken := mock.GetIDToken(testRealm, testAuthority, "object-id", testUsername)
	httpClient.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("at-secret", idToken, "rt-secret", mock.GetClientInfo("uid", "utid"), 3600)))
	ar, err := client.AcquireTokenByRefreshToken(context.Background(), "migrated-rt", []string{"mail.read"})
	if err != nil {
		t.Fatalf("TestAcquireTokenSilentRoundTrip(by refresh token): got err == %v, want err == nil", err)
	}
	if ar.AccessToken != "at-secret" {
		t.Errorf("TestAcquireTokenSilentRoundTrip: got access token %q", ar.AccessToken)
	}

	// From here on the cache answers.
	ar, err = client.AcquireTokenSilent(context.Background(), []string{"mail.read"}, WithSilentAccount(ar.Account))
	if err != nil {
		t.Fatalf("TestAcquireTokenSilentRoundTrip(silent): got err == %v, want err == nil", err)
	}
	if ar.AccessToken != "at-secret" {
		t.Errorf("TestAcquireTokenSilentRoundTrip(silent): got access token %q", ar.AccessToken)
	}

	accounts := client.Accounts(context.Background())
	if len(accounts) != 1 || accounts[0].PreferredUsername != testUsername {
		t.Fatalf("TestAcquireTokenSilentRoundTrip: got accounts %+v", accounts)
	}

	client.RemoveAccount(context.Background(), accounts[0])
	if got := client.Accounts(context.Background()); len(got) != 0 {
		t.Errorf("TestAcquireTokenSilentRoundTrip: %d accounts remain after removal", len(got))
	}
}

func TestAcquireTokenSilentForceRefresh(t *testing.T) {
	httpClient := mock.NewClient()
	client, err := New(testClientID, WithAuthority(testAuthority), WithHTTPClient(httpClient))
	if err != nil {
		t.Fatal(err)
	}

	httpClient.AppendResponse(mock.WithBody(mock.GetInstanceDiscoveryBody(testHost, testRealm)))
	idToken := mock.GetIDToken(testRealm, testAuthority, "object-id", testUsername)
	httpClient.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("at-1", idToken, "rt-1", mock.GetClientInfo("uid", "utid"), 3600)))
	ar, err := client.AcquireTokenByRefreshToken(context.Background(), "migrated-rt", []string{"mail.read"})
	if err != nil {
		t.Fatal(err)
	}

	httpClient.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("at-2", idToken, "rt-2", mock.GetClientInfo("uid", "utid"), 3600)))
	ar, err = client.AcquireTokenSilent(context.Background(), []string{"mail.read"}, WithSilentAccount(ar.Account), WithForceRefresh())
	if err != nil {
		t.Fatalf("TestAcquireTokenSilentForceRefresh: got err == %v, want err == nil", err)
	}
	if ar.AccessToken != "at-2" {
		t.Errorf("TestAcquireTokenSilentForceRefresh: got access token %q, want the refreshed one", ar.AccessToken)
	}
	if httpClient.Requests() != 0 {
		t.Errorf("TestAcquireTokenSilentForceRefresh: %d scripted responses unconsumed", httpClient.Requests())
	}
}
