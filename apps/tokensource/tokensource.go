// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package tokensource adapts a confidential client to golang.org/x/oauth2's
// TokenSource interface, so services and HTTP middleware built on the oauth2
// package can draw app tokens from this library's cache.
package tokensource

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/omnidirectory/authentication-library-for-go/apps/confidential"
)

type source struct {
	ctx    context.Context
	client confidential.Client
	scopes []string
}

// New returns an oauth2.TokenSource that acquires app tokens through client.
// Tokens come from the client's cache when a valid one is held and the returned
// source additionally memoizes, so callers may invoke Token on every request.
// ctx governs the network calls the source makes after construction.
func New(ctx context.Context, client confidential.Client, scopes []string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &source{ctx: ctx, client: client, scopes: scopes})
}

// Token implements oauth2.TokenSource.
func (s *source) Token() (*oauth2.Token, error) {
	ar, err := s.client.AcquireTokenSilent(s.ctx, s.scopes)
	if err != nil {
		// Silent acquisition for an app-only client falls back to the client
		// credential grant itself; any error here is final.
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: ar.AccessToken,
		TokenType:   "Bearer",
		Expiry:      ar.ExpiresOn,
	}, nil
}
