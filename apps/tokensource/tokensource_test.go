// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package tokensource

import (
	"context"
	"testing"
	"time"

	"github.com/omnidirectory/authentication-library-for-go/apps/confidential"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/mock"
)

func TestTokenSource(t *testing.T) {
	httpClient := mock.NewClient()
	cred, err := confidential.NewCredFromSecret("app-secret")
	if err != nil {
		t.Fatal(err)
	}
	client, err := confidential.New("https://login.omnidir.net/contoso", "client-id", cred, confidential.WithHTTPClient(httpClient))
	if err != nil {
		t.Fatal(err)
	}

	httpClient.AppendResponse(mock.WithBody(mock.GetInstanceDiscoveryBody("login.omnidir.net", "contoso")))
	httpClient.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-at", "", "", "", 3600)))

	ts := New(context.Background(), client, []string{"resource/.default"})
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("TestTokenSource: got err == %v, want err == nil", err)
	}
	if tok.AccessToken != "app-at" {
		t.Errorf("TestTokenSource: got access token %q, want %q", tok.AccessToken, "app-at")
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("TestTokenSource: got token type %q, want Bearer", tok.TokenType)
	}
	if tok.Expiry.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("TestTokenSource: expiry %v is earlier than expected", tok.Expiry)
	}

	// Later calls are satisfied from the cache; nothing further is scripted.
	tok2, err := ts.Token()
	if err != nil {
		t.Fatalf("TestTokenSource: second call got err == %v, want err == nil", err)
	}
	if tok2.AccessToken != tok.AccessToken {
		t.Errorf("TestTokenSource: second call returned a different token")
	}
	if n := httpClient.Requests(); n != 0 {
		t.Errorf("TestTokenSource: %d scripted responses were not consumed", n)
	}
}
