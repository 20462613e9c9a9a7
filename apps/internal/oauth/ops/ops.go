// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package ops provides the REST clients for the directory service's endpoints:
// token acquisition in accesstokens and instance discovery in authority. Both
// share one comm.Client for transport.
package ops

import (
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/internal/comm"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient = comm.HTTPClient

// Client provides REST clients for the various endpoints needed for token
// acquisition.
type Client struct {
	comm *comm.Client
}

// New is the constructor for Client. The httpClient may be nil, in which case a
// shared default client is used.
func New(httpClient HTTPClient) *Client {
	return &Client{comm: comm.New(httpClient)}
}

// AccessTokens returns a client for talking to the token endpoint.
func (c *Client) AccessTokens() accesstokens.Client {
	return accesstokens.Client{Comm: c.comm}
}

// Authority returns a client for talking to the instance discovery endpoint.
func (c *Client) Authority() authority.Client {
	return authority.Client{Comm: c.comm}
}
