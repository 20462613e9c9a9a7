// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package accesstokens

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"

	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
)

func TestNewClientInfo(t *testing.T) {
	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"uid": "user-id", "utid": "tenant-id"}`))

	ci, err := NewClientInfo(raw)
	if err != nil {
		t.Fatalf("TestNewClientInfo: got err == %v, want err == nil", err)
	}
	if ci.UID != "user-id" || ci.UTID != "tenant-id" {
		t.Errorf("TestNewClientInfo: got %+v", ci)
	}
	if got, want := ci.PrincipalID(), "user-id.tenant-id"; got != want {
		t.Errorf("TestNewClientInfo: got principal id %q, want %q", got, want)
	}

	// The service sometimes pads, the decoder must not care.
	if _, err = NewClientInfo(raw + "="); err != nil {
		t.Errorf("TestNewClientInfo: padded input rejected: %v", err)
	}

	if _, err = NewClientInfo("><not base64"); err == nil {
		t.Errorf("TestNewClientInfo: got err == nil for garbage input")
	}

	empty, err := NewClientInfo("")
	if err != nil {
		t.Fatal(err)
	}
	if empty.PrincipalID() != "" {
		t.Errorf("TestNewClientInfo: app-only client info produced principal id %q", empty.PrincipalID())
	}
}

func testJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	return fmt.Sprintf("%s.%s.", header, base64.RawURLEncoding.EncodeToString(payload))
}

func TestNewIDToken(t *testing.T) {
	raw := testJWT(t, map[string]any{
		"iss":                "https://login.omnidir.net/tenant-id",
		"sub":                "subject",
		"oid":                "object-id",
		"tid":                "tenant-id",
		"preferred_username": "user@contoso.com",
		"name":               "Test User",
		"exp":                1893456000,
	})

	idt, err := NewIDToken(raw)
	if err != nil {
		t.Fatalf("TestNewIDToken: got err == %v, want err == nil", err)
	}
	if idt.ObjectID != "object-id" || idt.PreferredUsername != "user@contoso.com" || idt.Name != "Test User" {
		t.Errorf("TestNewIDToken: got %+v", idt)
	}
	if idt.ExpirationTime != 1893456000 {
		t.Errorf("TestNewIDToken: got exp %d", idt.ExpirationTime)
	}
	if got, want := idt.LocalAccountID(), "object-id"; got != want {
		t.Errorf("TestNewIDToken: got local account id %q, want %q", got, want)
	}
	if got, want := idt.DisplayableID(), "user@contoso.com"; got != want {
		t.Errorf("TestNewIDToken: got displayable id %q, want %q", got, want)
	}

	// Without oid the subject claim identifies the local account; without
	// preferred_username the UPN is shown.
	raw = testJWT(t, map[string]any{"sub": "subject", "upn": "user@contoso.com"})
	idt, err = NewIDToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := idt.LocalAccountID(), "subject"; got != want {
		t.Errorf("TestNewIDToken: got local account id %q, want %q", got, want)
	}
	if got, want := idt.DisplayableID(), "user@contoso.com"; got != want {
		t.Errorf("TestNewIDToken: got displayable id %q, want %q", got, want)
	}

	if _, err := NewIDToken("no-dots-here"); err == nil {
		t.Errorf("TestNewIDToken: got err == nil for a malformed token")
	}
}

func TestTokenResponseUnmarshal(t *testing.T) {
	clientInfo := base64.RawURLEncoding.EncodeToString([]byte(`{"uid": "uid", "utid": "utid"}`))
	body := fmt.Sprintf(
		`{"access_token": "at-secret", "refresh_token": "rt-secret", "expires_in": 3600, "scope": "mail.read user.read", "client_info": "%s"}`,
		clientInfo,
	)

	tr := TokenResponse{}
	if err := json.Unmarshal([]byte(body), &tr); err != nil {
		t.Fatalf("TestTokenResponseUnmarshal: got err == %v, want err == nil", err)
	}
	if tr.AccessToken != "at-secret" || tr.RefreshToken != "rt-secret" {
		t.Errorf("TestTokenResponseUnmarshal: got %+v", tr)
	}
	if tr.ClientInfo.PrincipalID() != "uid.utid" {
		t.Errorf("TestTokenResponseUnmarshal: got principal id %q", tr.ClientInfo.PrincipalID())
	}
	if remaining := time.Until(tr.ExpiresOn); remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("TestTokenResponseUnmarshal: expires_in not applied, expiry in %v", remaining)
	}

	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Scopes = []string{"mail.read", "user.read"}
	tr.ComputeScope(params)
	if diff := pretty.Compare([]string{"mail.read", "user.read"}, tr.GrantedScopes); diff != "" {
		t.Errorf("TestTokenResponseUnmarshal: -want/+got:\n%s", diff)
	}
	if len(tr.DeclinedScopes) != 0 {
		t.Errorf("TestTokenResponseUnmarshal: got declined scopes %v", tr.DeclinedScopes)
	}
}

func TestComputeScope(t *testing.T) {
	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Scopes = []string{"mail.read", "files.read", "openid"}

	// An empty scope in the response means everything requested was granted.
	tr := TokenResponse{}
	tr.ComputeScope(params)
	if diff := pretty.Compare(params.Scopes, tr.GrantedScopes); diff != "" {
		t.Errorf("TestComputeScope(empty): -want/+got:\n%s", diff)
	}

	// A response scope that drops one requested scope declines it; the implicit
	// openid family is never reported declined.
	tr = TokenResponse{scopeRaw: "mail.read"}
	tr.ComputeScope(params)
	if diff := pretty.Compare([]string{"files.read"}, tr.DeclinedScopes); diff != "" {
		t.Errorf("TestComputeScope(declined): -want/+got:\n%s", diff)
	}
}

func testCredential(t *testing.T) *Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &Credential{Cert: cert, Key: key}
}

func TestCredentialJWT(t *testing.T) {
	cred := testCredential(t)
	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Endpoints = authority.Endpoints{TokenEndpoint: "https://login.omnidir.net/contoso/oauth2/token"}

	assertion, err := cred.JWT(params)
	if err != nil {
		t.Fatalf("TestCredentialJWT: got err == %v, want err == nil", err)
	}

	claims := jwt.RegisteredClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(assertion, &claims)
	if err != nil {
		t.Fatalf("TestCredentialJWT: assertion is not a parsable JWT: %v", err)
	}
	if token.Header["x5t"] == "" || token.Header["x5t"] == nil {
		t.Errorf("TestCredentialJWT: assertion lacks the certificate thumbprint header")
	}
	if claims.Issuer != "client-id" || claims.Subject != "client-id" {
		t.Errorf("TestCredentialJWT: got iss %q sub %q", claims.Issuer, claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != params.Endpoints.TokenEndpoint {
		t.Errorf("TestCredentialJWT: got audience %v", claims.Audience)
	}

	// The assertion is reused until near expiry.
	again, err := cred.JWT(params)
	if err != nil {
		t.Fatal(err)
	}
	if again != assertion {
		t.Errorf("TestCredentialJWT: assertion not cached across calls")
	}

	secretOnly := &Credential{Secret: "secret"}
	if _, err := secretOnly.JWT(params); err == nil {
		t.Errorf("TestCredentialJWT: got err == nil for a credential without a certificate")
	}
}

// fakeFormCaller records the form sent to the token endpoint and answers with a
// fixed response.
type fakeFormCaller struct {
	gotEndpoint string
	gotQV       url.Values
	resp        string
}

func (f *fakeFormCaller) URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp any) error {
	f.gotEndpoint = endpoint
	f.gotQV = qv
	return json.Unmarshal([]byte(f.resp), resp)
}

func tokenBody(scope string) string {
	return fmt.Sprintf(`{"access_token": "at-secret", "expires_in": 3600, "scope": "%s"}`, scope)
}

func TestFromRefreshToken(t *testing.T) {
	caller := &fakeFormCaller{resp: tokenBody("mail.read")}
	client := Client{Comm: caller}

	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Scopes = []string{"mail.read"}
	params.Endpoints = authority.Endpoints{TokenEndpoint: "https://login.omnidir.net/contoso/oauth2/token"}

	tr, err := client.FromRefreshToken(context.Background(), ATPublic, params, nil, "rt-secret")
	if err != nil {
		t.Fatalf("TestFromRefreshToken: got err == %v, want err == nil", err)
	}
	if tr.AccessToken != "at-secret" {
		t.Errorf("TestFromRefreshToken: got access token %q", tr.AccessToken)
	}
	if got := caller.gotQV.Get("grant_type"); got != "refresh_token" {
		t.Errorf("TestFromRefreshToken: got grant_type %q", got)
	}
	if got := caller.gotQV.Get("refresh_token"); got != "rt-secret" {
		t.Errorf("TestFromRefreshToken: got refresh_token %q", got)
	}
	if got := caller.gotQV.Get("client_info"); got != "1" {
		t.Errorf("TestFromRefreshToken: client_info not requested")
	}
	// User flows always carry the implicit scopes.
	scope := caller.gotQV.Get("scope")
	for _, s := range []string{"mail.read", "openid", "offline_access", "profile"} {
		if !strings.Contains(scope, s) {
			t.Errorf("TestFromRefreshToken: scope %q missing %q", scope, s)
		}
	}

	// A public client must not be forced to carry a credential.
	if got := caller.gotQV.Get("client_secret"); got != "" {
		t.Errorf("TestFromRefreshToken: public client sent a client secret")
	}
}

func TestFromClientCredential(t *testing.T) {
	caller := &fakeFormCaller{resp: tokenBody("resource/.default")}
	client := Client{Comm: caller}

	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Scopes = []string{"resource/.default"}
	params.Endpoints = authority.Endpoints{TokenEndpoint: "https://login.omnidir.net/contoso/oauth2/token"}

	if _, err := client.FromClientCredential(context.Background(), params, &Credential{Secret: "app-secret"}); err != nil {
		t.Fatalf("TestFromClientCredential: got err == %v, want err == nil", err)
	}
	if got := caller.gotQV.Get("grant_type"); got != "client_credentials" {
		t.Errorf("TestFromClientCredential: got grant_type %q", got)
	}
	if got := caller.gotQV.Get("client_secret"); got != "app-secret" {
		t.Errorf("TestFromClientCredential: got client_secret %q", got)
	}
	// App flows have no user, so no openid family scopes.
	if scope := caller.gotQV.Get("scope"); strings.Contains(scope, "openid") {
		t.Errorf("TestFromClientCredential: app-only scope %q includes openid", scope)
	}

	if _, err := client.FromClientCredential(context.Background(), params, nil); err == nil {
		t.Errorf("TestFromClientCredential: got err == nil without a credential")
	}
}

func TestFromUserAssertion(t *testing.T) {
	caller := &fakeFormCaller{resp: tokenBody("mail.read")}
	client := Client{Comm: caller}

	params := authority.NewAuthParams("client-id", authority.Info{})
	params.Scopes = []string{"mail.read"}
	params.Endpoints = authority.Endpoints{TokenEndpoint: "https://login.omnidir.net/contoso/oauth2/token"}

	if _, err := client.FromUserAssertion(context.Background(), params, &Credential{Secret: "app-secret"}, "inbound-assertion"); err != nil {
		t.Fatalf("TestFromUserAssertion: got err == %v, want err == nil", err)
	}
	if got := caller.gotQV.Get("grant_type"); got != jwtBearerGrant {
		t.Errorf("TestFromUserAssertion: got grant_type %q", got)
	}
	if got := caller.gotQV.Get("assertion"); got != "inbound-assertion" {
		t.Errorf("TestFromUserAssertion: got assertion %q", got)
	}
	if got := caller.gotQV.Get("requested_token_use"); got != "on_behalf_of" {
		t.Errorf("TestFromUserAssertion: got requested_token_use %q", got)
	}
}
