// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package mock provides a scripted HTTP client plus canned response bodies for
// tests that drive token acquisition without a network.
package mock

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPHeader sets the HTTP headers of the response to the specified value.
func WithHTTPHeader(header http.Header) responseOption {
	return respOpt(func(r *response) {
		r.headers = header
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// Client is a mock HTTP client that returns a sequence of responses. Use AppendResponse to specify the sequence.
type Client struct {
	mu   *sync.Mutex
	resp []response
}

func NewClient() *Client {
	return &Client{mu: &sync.Mutex{}}
}

func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// Requests returns how many scripted responses remain unconsumed.
func (c *Client) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resp)
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resp) == 0 {
		panic(fmt.Sprintf(`no response for "%s"`, req.URL.String()))
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	if resp.callback != nil {
		resp.callback(req)
	}
	res := http.Response{Header: resp.headers, StatusCode: resp.code}
	res.Body = io.NopCloser(bytes.NewReader(resp.body))
	return &res, nil
}

// CloseIdleConnections implements the comm.HTTPClient interface
func (*Client) CloseIdleConnections() {}

func GetAccessTokenBody(accessToken, idToken, refreshToken, clientInfo string, expiresIn int) []byte {
	body := fmt.Sprintf(
		`{"access_token": "%s","expires_in": %d,"token_type": "Bearer"`,
		accessToken, expiresIn,
	)
	if clientInfo != "" {
		body += fmt.Sprintf(`, "client_info": "%s"`, clientInfo)
	}
	if idToken != "" {
		body += fmt.Sprintf(`, "id_token": "%s"`, idToken)
	}
	if refreshToken != "" {
		body += fmt.Sprintf(`, "refresh_token": "%s"`, refreshToken)
	}
	body += "}"
	return []byte(body)
}

// GetErrorBody builds an OAuth error response body.
func GetErrorBody(oauthError, subError, description string) []byte {
	return []byte(fmt.Sprintf(
		`{"error": "%s", "suberror": "%s", "error_description": "%s"}`,
		oauthError, subError, description,
	))
}

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// GetIDToken builds an unsigned but structurally valid id token: the cache never
// verifies signatures, it only reads claims.
func GetIDToken(tenant, issuer, oid, preferredUsername string) string {
	now := time.Now().Unix()
	header := b64(`{"alg":"none","typ":"JWT"}`)
	payload := b64(fmt.Sprintf(
		`{"aud": "%s","exp": %d,"iat": %d,"iss": "%s","tid": "%s","oid": "%s","sub": "%s","preferred_username": "%s"}`,
		tenant, now+3600, now, issuer, tenant, oid, oid, preferredUsername,
	))
	return fmt.Sprintf("%s.%s.", header, payload)
}

// GetClientInfo builds the encoded client_info blob carrying the principal's
// uid and utid.
func GetClientInfo(uid, utid string) string {
	return b64(fmt.Sprintf(`{"uid": "%s", "utid": "%s"}`, uid, utid))
}

// GetInstanceDiscoveryBody builds an instance discovery response in which host
// and the extra aliases are one environment, with host as both preferred
// network and preferred cache.
func GetInstanceDiscoveryBody(host, tenant string, aliases ...string) []byte {
	authority := fmt.Sprintf("https://%s/%s", host, tenant)
	all := append([]string{host}, aliases...)
	quoted := make([]string, len(all))
	for i, a := range all {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	body := fmt.Sprintf(
		`{"tenant_discovery_endpoint": "%s/.well-known/openid-configuration","api-version": "1.1","metadata": [{"preferred_network": "%s","preferred_cache": "%s","aliases": [%s]}]}`,
		authority, host, host, strings.Join(quoted, ","),
	)
	return []byte(body)
}
