// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

/*
Package accesstokens exposes a client that talks to the directory's token endpoint
to exchange credentials (refresh tokens, client secrets, signed assertions, inbound
user assertions) for token responses.
*/
package accesstokens

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
)

const (
	grantType = "grant_type"
	clientID  = "client_id"
	scopeKey  = "scope"

	refreshTokenGrant = "refresh_token"
	clientCredGrant   = "client_credentials"
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// assertionLifetime is how long a generated client assertion stays valid.
	assertionLifetime = 10 * time.Minute
)

// AppType is whether the authorization code flow is for a public or confidential client.
type AppType int8

const (
	// ATUnknown is the zero value. Should not be used.
	ATUnknown AppType = iota
	// ATPublic indicates this if for a public client.
	ATPublic
	// ATConfidential indicates this is for a confidential client.
	ATConfidential
)

// Credential represents the credential used in confidential client flows: either a
// client secret or a certificate + private key used to sign a client assertion.
type Credential struct {
	Secret string

	Cert *x509.Certificate
	Key  crypto.PrivateKey

	assertion string
	expires   time.Time
}

// JWT gets the signed client assertion for the credential, generating a new one
// when the cached assertion is within a minute of expiring.
func (c *Credential) JWT(authParams authority.AuthParams) (string, error) {
	if c.Cert == nil || c.Key == nil {
		return "", errors.New("credential has no certificate or key to sign an assertion with")
	}
	if c.assertion != "" && time.Now().Add(time.Minute).Before(c.expires) {
		return c.assertion, nil
	}
	if _, ok := c.Key.(*rsa.PrivateKey); !ok {
		return "", errors.New("client assertion signing requires an RSA private key")
	}

	expires := time.Now().Add(assertionLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{authParams.Endpoints.TokenEndpoint},
		Issuer:    authParams.ClientID,
		Subject:   authParams.ClientID,
		ID:        uuid.New().String(),
		NotBefore: jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	thumbprint := sha1.Sum(c.Cert.Raw)
	token.Header["x5t"] = base64.StdEncoding.EncodeToString(thumbprint[:])

	assertion, err := token.SignedString(c.Key)
	if err != nil {
		return "", fmt.Errorf("unable to sign a JWT token using the private key: %w", err)
	}
	c.assertion, c.expires = assertion, expires
	return assertion, nil
}

type urlFormCaller interface {
	URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp any) error
}

// Client represents the REST calls to the token endpoint.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm urlFormCaller // *comm.Client
}

// FromRefreshToken uses a refresh token (for refreshing credentials) to get a new set of tokens.
func (c Client) FromRefreshToken(ctx context.Context, appType AppType, authParams authority.AuthParams, cc *Credential, refreshToken string) (TokenResponse, error) {
	qv := url.Values{}
	if appType == ATConfidential {
		if err := addClientCredential(qv, authParams, cc); err != nil {
			return TokenResponse{}, err
		}
	}
	qv.Set(grantType, refreshTokenGrant)
	qv.Set("refresh_token", refreshToken)
	qv.Set(clientID, authParams.ClientID)
	addScopeQueryParam(qv, authParams, true)

	return c.doTokenResp(ctx, authParams, qv)
}

// FromClientCredential acquires an app-only token using the client's own credential.
func (c Client) FromClientCredential(ctx context.Context, authParams authority.AuthParams, cc *Credential) (TokenResponse, error) {
	qv := url.Values{}
	if err := addClientCredential(qv, authParams, cc); err != nil {
		return TokenResponse{}, err
	}
	qv.Set(grantType, clientCredGrant)
	qv.Set(clientID, authParams.ClientID)
	addScopeQueryParam(qv, authParams, false)

	return c.doTokenResp(ctx, authParams, qv)
}

// FromUserAssertion exchanges an inbound user assertion for a downstream token
// (the on-behalf-of flow).
func (c Client) FromUserAssertion(ctx context.Context, authParams authority.AuthParams, cc *Credential, assertion string) (TokenResponse, error) {
	qv := url.Values{}
	if err := addClientCredential(qv, authParams, cc); err != nil {
		return TokenResponse{}, err
	}
	qv.Set(grantType, jwtBearerGrant)
	qv.Set("assertion", assertion)
	qv.Set("requested_token_use", "on_behalf_of")
	qv.Set(clientID, authParams.ClientID)
	addScopeQueryParam(qv, authParams, true)

	return c.doTokenResp(ctx, authParams, qv)
}

func (c Client) doTokenResp(ctx context.Context, authParams authority.AuthParams, qv url.Values) (TokenResponse, error) {
	qv.Set("client_info", "1")
	resp := TokenResponse{}
	if err := c.Comm.URLFormCall(ctx, authParams.Endpoints.TokenEndpoint, qv, &resp); err != nil {
		return resp, err
	}
	resp.ComputeScope(authParams)
	return resp, resp.Validate()
}

func addClientCredential(qv url.Values, authParams authority.AuthParams, cc *Credential) error {
	if cc == nil {
		return errors.New("confidential request made without a client credential")
	}
	if cc.Secret != "" {
		qv.Set("client_secret", cc.Secret)
		return nil
	}
	assertion, err := cc.JWT(authParams)
	if err != nil {
		return err
	}
	qv.Set("client_assertion_type", clientAssertionType)
	qv.Set("client_assertion", assertion)
	return nil
}

// defaultScopes are requested with every user token so the service issues refresh
// and id tokens alongside the access token.
var defaultScopes = []string{"openid", "offline_access", "profile"}

func addScopeQueryParam(qv url.Values, authParams authority.AuthParams, userFlow bool) {
	scopes := make([]string, 0, len(authParams.Scopes)+len(defaultScopes))
	seen := map[string]bool{}
	for _, s := range authParams.Scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			scopes = append(scopes, s)
			seen[s] = true
		}
	}
	if userFlow {
		for _, s := range defaultScopes {
			if !seen[s] {
				scopes = append(scopes, s)
				seen[s] = true
			}
		}
	}
	qv.Set(scopeKey, strings.Join(scopes, " "))
}
