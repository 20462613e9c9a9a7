// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package oauth provides the network side of token acquisition: endpoint
// resolution via the authority resolver and the grant exchanges against the token
// endpoint. The cache layers above call into here only when no cached credential
// can satisfy a request.
package oauth

import (
	"context"
	"encoding/json"
	"io"

	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
)

type accessTokens interface {
	FromRefreshToken(ctx context.Context, appType accesstokens.AppType, authParams authority.AuthParams, cc *accesstokens.Credential, refreshToken string) (accesstokens.TokenResponse, error)
	FromClientCredential(ctx context.Context, authParams authority.AuthParams, cc *accesstokens.Credential) (accesstokens.TokenResponse, error)
	FromUserAssertion(ctx context.Context, authParams authority.AuthParams, cc *accesstokens.Credential, assertion string) (accesstokens.TokenResponse, error)
}

// Client provides tokens for various types of token requests.
type Client struct {
	AccessTokens accessTokens // accesstokens.Client
	Resolver     *AuthorityResolver
}

// New is the constructor for Client. A nil httpClient uses the shared default
// client; a nil log discards the (rare) messages the resolver produces.
func New(httpClient ops.HTTPClient, log logger.LoggerInterface) *Client {
	c := ops.New(httpClient)
	return &Client{
		AccessTokens: c.AccessTokens(),
		Resolver:     NewAuthorityResolver(c.Authority(), log),
	}
}

// resolveEndpoints fills in authParams.Endpoints, directing token traffic at the
// authority's preferred network host.
func (t *Client) resolveEndpoints(ctx context.Context, authParams *authority.AuthParams) error {
	md, err := t.Resolver.Resolve(ctx, authParams.AuthorityInfo)
	if err != nil {
		return err
	}
	authParams.Endpoints = authority.Endpoints{
		AuthorizationEndpoint: authParams.AuthorityInfo.AuthorizeEndpoint(),
		TokenEndpoint:         authParams.AuthorityInfo.TokenEndpoint(md.PreferredNetwork),
	}
	return nil
}

// Refresh exchanges a refresh token for a new access+refresh token pair. A
// rejection by the service is returned as an errors.RefreshFailedError; the caller
// decides whether retrying silently is meaningful.
func (t *Client) Refresh(ctx context.Context, appType accesstokens.AppType, authParams authority.AuthParams, cc *accesstokens.Credential, refreshToken string) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoints(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	authParams.AuthorizationType = authority.ATRefreshToken

	tr, err := t.AccessTokens.FromRefreshToken(ctx, appType, authParams, cc, refreshToken)
	if err != nil {
		return accesstokens.TokenResponse{}, refreshFailed(err)
	}
	return tr, nil
}

// Credential acquires an app-only token using the client's own credential.
func (t *Client) Credential(ctx context.Context, authParams authority.AuthParams, cc *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoints(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	authParams.AuthorizationType = authority.ATClientCredentials
	return t.AccessTokens.FromClientCredential(ctx, authParams, cc)
}

// OnBehalfOf exchanges an inbound user assertion for a downstream token.
func (t *Client) OnBehalfOf(ctx context.Context, authParams authority.AuthParams, cc *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoints(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	authParams.AuthorizationType = authority.ATOnBehalfOf
	return t.AccessTokens.FromUserAssertion(ctx, authParams, cc, authParams.UserAssertion)
}

// refreshFailed wraps a refresh exchange failure, pulling the service's error code
// and description out of the response body when one is present.
func refreshFailed(err error) error {
	rf := errors.RefreshFailedError{Err: err}

	var callErr errors.CallErr
	if errors.As(err, &callErr) && callErr.Resp != nil && callErr.Resp.Body != nil {
		body, readErr := io.ReadAll(callErr.Resp.Body)
		if readErr == nil {
			base := authority.OAuthResponseBase{}
			if jsonErr := json.Unmarshal(body, &base); jsonErr == nil {
				rf.OAuthError = base.Error
				rf.SubError = base.SubError
				rf.ErrorDescription = base.ErrorDescription
			}
		}
	}
	return rf
}
