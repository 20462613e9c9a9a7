// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

/*
Package public provides a client for authentication of "public" applications. A
"public" application is defined as an app that runs on client devices (desktop
machines, dev boxes, CLIs). These devices are "untrusted" and access resources via
delegated permissions on behalf of a signed-in account.

This client holds no secret and performs no interactive sign-in itself:
it answers from its token cache, exchanges refresh tokens, and reports
interaction required when neither works. The host owns the interactive step and
can feed its outcome back in through AcquireTokenByRefreshToken.
*/
package public

/*
Design note:

public.Client wraps a base.Client value. base.Client statically assigns its
attributes during creation. As it doesn't have any pointers in it, anything
borrowed from it, such as base.AuthParams, is a copy that is free to be
manipulated here.
*/

import (
	"context"
	"log/slog"

	"github.com/omnidirectory/authentication-library-for-go/apps/cache"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

// Account represents a signed-in principal as the cache knows it.
type Account = shared.Account

// clientOptions are optional settings to New(). These options are set using
// various functions returning Option calls.
type clientOptions struct {
	authority  string
	accessor   cache.Notifier
	httpClient ops.HTTPClient
	logger     logger.LoggerInterface
}

// Option is an optional argument to the New constructor.
type Option func(o *clientOptions)

// WithAuthority allows for a custom authority to be set. This must be a valid
// https url.
func WithAuthority(authority string) Option {
	return func(o *clientOptions) {
		o.authority = authority
	}
}

// WithCache provides an accessor that will read and write authentication data to
// an externally managed cache.
func WithCache(accessor cache.Notifier) Option {
	return func(o *clientOptions) {
		o.accessor = accessor
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient ops.HTTPClient) Option {
	return func(o *clientOptions) {
		o.httpClient = httpClient
	}
}

// WithLogger sets the slog handler all client operations log through. Without
// it the client is silent.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger.New(l)
	}
}

// Client is a representation of authentication client for public applications.
// For details see https://pkg.go.dev/github.com/omnidirectory/authentication-library-for-go.
type Client struct {
	base base.Client
}

// DefaultAuthority is used when New is not given an authority option.
const DefaultAuthority = "https://login.omnidir.net/common"

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := clientOptions{
		authority: DefaultAuthority,
	}
	for _, o := range options {
		o(&opts)
	}

	baseOpts := []base.Option{base.WithCacheAccessor(opts.accessor)}
	if opts.logger != nil {
		baseOpts = append(baseOpts, base.WithLogger(opts.logger))
	}
	internal, err := base.New(clientID, opts.authority, opts.httpClient, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: internal}, nil
}

// acquireTokenSilentOptions are all the optional settings to an
// AcquireTokenSilent() call. These are set by using various
// AcquireSilentOption functions.
type acquireTokenSilentOptions struct {
	account      Account
	forceRefresh bool
	tenantID     string
}

// AcquireSilentOption is implemented by options for AcquireTokenSilent.
type AcquireSilentOption func(o *acquireTokenSilentOptions)

// WithSilentAccount uses the passed account during an AcquireTokenSilent() call.
func WithSilentAccount(account Account) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.account = account
	}
}

// WithForceRefresh skips the cached access token and goes straight to the
// refresh token exchange.
func WithForceRefresh() AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.forceRefresh = true
	}
}

// WithTenantID specifies a tenant for a single authentication. It overrides the
// tenant of the client's configured authority.
func WithTenantID(tenantID string) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.tenantID = tenantID
	}
}

// AcquireTokenSilent acquires a token from the cache; if no usable access token
// is cached the refresh token is exchanged over the network. It does not prompt
// the user. When nothing silent can succeed the error is an interaction
// required error and the host application must sign the user in.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	opts := acquireTokenSilentOptions{}
	for _, o := range options {
		o(&opts)
	}

	var override string
	if opts.tenantID != "" {
		host := pca.base.AuthParams.AuthorityInfo.Host
		override = "https://" + host + "/" + opts.tenantID
	}

	silentParameters := base.AcquireTokenSilentParameters{
		Scopes:            scopes,
		Account:           opts.account,
		ForceRefresh:      opts.forceRefresh,
		RequestType:       accesstokens.ATPublic,
		AuthorityOverride: override,
	}
	return pca.base.AcquireTokenSilent(ctx, silentParameters)
}

// AcquireTokenByRefreshToken acquires tokens from a refresh token the host
// obtained elsewhere, for example through its own interactive sign-in or a
// migration from another library. The resulting tokens are cached.
func (pca Client) AcquireTokenByRefreshToken(ctx context.Context, refreshToken string, scopes []string) (AuthResult, error) {
	return pca.base.AcquireTokenByRefreshToken(ctx, accesstokens.ATPublic, nil, scopes, refreshToken)
}

// Accounts gets all the accounts in the token cache.
// If there are no accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) []Account {
	return pca.base.Accounts(ctx)
}

// Account gets the account in the token cache with the specified principal id,
// or a zero Account.
func (pca Client) Account(ctx context.Context, principalID string) Account {
	return pca.base.Account(ctx, principalID)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (pca Client) RemoveAccount(ctx context.Context, account Account) {
	pca.base.RemoveAccount(ctx, account)
}
