// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package authority handles authority URIs, the closed set of authority kinds and
// the wire types for instance discovery against the Omni Directory service.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultHost is the worldwide Omni Directory login host.
	DefaultHost = "login.omnidir.net"

	instanceDiscoveryEndpoint = "https://%s/common/discovery/instance"
)

// cloudHostList holds the hosts operated by Omni Directory across its worldwide and
// sovereign clouds. Any of these hosts participates in instance discovery and may
// alias another.
var cloudHostList = map[string]bool{
	"login.omnidir.net":       true, // worldwide
	"login.omnidir.us":        true, // US government
	"login.omnidir.cn":        true, // China
	"login.omnidir.de":        true, // Europe sovereign
	"directory.omnicloud.net": true, // worldwide, legacy host
}

// TrustedHost checks if a host is a known Omni Directory cloud host.
func TrustedHost(host string) bool {
	return cloudHostList[host]
}

// Kind is the closed set of authority kinds. The kind is fixed when the authority
// URI is parsed; nothing re-detects it per operation.
type Kind int

const (
	// Cloud is an Omni Directory cloud authority. It participates in instance
	// discovery and its host may be an alias of another cloud host.
	Cloud Kind = iota
	// Private is a standalone (on-premises or test) authority. It is always its own
	// preferred and only alias and is never sent to instance discovery.
	Private
)

func (k Kind) String() string {
	switch k {
	case Cloud:
		return "Cloud"
	case Private:
		return "Private"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Info consists of the parsed parts of an authority URI.
type Info struct {
	Host         string
	CanonicalURI string
	Tenant       string
	Kind         Kind
}

// NewInfoFromAuthorityURI parses an authority URI such as
// "https://login.omnidir.net/contoso" into an Info. The authority kind is decided
// here, once.
func NewInfoFromAuthorityURI(authority string) (Info, error) {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(authority)))
	if err != nil || u.Scheme != "https" {
		return Info{}, errors.New(`authority must be an https URL such as "https://login.omnidir.net/<your tenant>"`)
	}
	pathParts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		return Info{}, errors.New("authority URI must specify a tenant as its path")
	}
	host := u.Hostname()
	tenant := pathParts[0]

	kind := Private
	if TrustedHost(host) || strings.HasSuffix(host, ".omnidir.net") {
		kind = Cloud
	}

	return Info{
		Host:         host,
		CanonicalURI: fmt.Sprintf("https://%s/%s", host, tenant),
		Tenant:       tenant,
		Kind:         kind,
	}, nil
}

// TokenEndpoint returns the token endpoint for this authority on the given host.
// host is usually the preferred network host from instance discovery; when empty
// the authority's own host is used.
func (i Info) TokenEndpoint(host string) string {
	if host == "" {
		host = i.Host
	}
	return fmt.Sprintf("https://%s/%s/oauth2/token", host, i.Tenant)
}

// AuthorizeEndpoint returns the authorization endpoint for this authority.
func (i Info) AuthorizeEndpoint() string {
	return fmt.Sprintf("https://%s/%s/oauth2/authorize", i.Host, i.Tenant)
}

// IsZero reports whether no authority was supplied.
func (i Info) IsZero() bool {
	return i.Host == ""
}

// AuthorizationType represents the type of token flow.
type AuthorizationType int

// These are all the types of token flows.
const (
	ATUnknown AuthorizationType = iota
	ATRefreshToken
	ATClientCredentials
	ATOnBehalfOf
)

// Endpoints consists of the resolved endpoints a token request is sent to. The
// hosts may differ from the authority's own host when instance discovery reports a
// preferred network host.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// AuthParams represents the parameters used to authorize a token request. One value
// exists per request; it is copied, never shared.
type AuthParams struct {
	ClientID string
	// AuthorityInfo is the authority to acquire the token from. A zero Info lets
	// the cache infer the authority from its sole matching entry.
	AuthorityInfo Info
	Scopes        []string
	// PrincipalID identifies the principal the token is requested for. Empty for
	// app-only requests.
	PrincipalID string
	// UserAssertion is the inbound assertion for on-behalf-of flows.
	UserAssertion     string
	AuthorizationType AuthorizationType
	// CorrelationID is sent with every network call made for this request.
	CorrelationID string
	// Endpoints are resolved against the preferred network host before any token
	// request is sent.
	Endpoints Endpoints
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		CorrelationID: uuid.New().String(),
	}
}

// AssertionHash returns the hash under which on-behalf-of tokens for the request's
// user assertion are cached, or "" when the request carries no assertion.
func (p AuthParams) AssertionHash() string {
	if p.UserAssertion == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(p.UserAssertion))
	return hex.EncodeToString(hash[:])
}

// OAuthResponseBase is embedded in all OAuth wire responses to capture service
// errors.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	CorrelationID    string `json:"correlation_id"`
}

// InstanceDiscoveryMetadata is one entry of an instance discovery response: a
// preferred network/cache host pair plus every host aliasing them.
type InstanceDiscoveryMetadata struct {
	PreferredNetwork        string   `json:"preferred_network"`
	PreferredCache          string   `json:"preferred_cache"`
	Aliases                 []string `json:"aliases"`
	TenantDiscoveryEndpoint string   `json:"tenant_discovery_endpoint,omitempty"`
}

// InstanceDiscoveryResponse is the body of the instance discovery endpoint.
type InstanceDiscoveryResponse struct {
	TenantDiscoveryEndpoint string                      `json:"tenant_discovery_endpoint"`
	Metadata                []InstanceDiscoveryMetadata `json:"metadata"`
}

type jsonCaller interface {
	JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp any) error
}

// Client provides calls to the directory's discovery endpoints.
type Client struct {
	Comm jsonCaller // *comm.Client
}

// InstanceDiscovery performs the instance discovery network call for the given
// authority. The response maps the authority's host to its canonical hosts and
// aliases. Callers are expected to memoize the result for the process lifetime.
func (c Client) InstanceDiscovery(ctx context.Context, authorityInfo Info) (InstanceDiscoveryResponse, error) {
	qv := url.Values{}
	qv.Set("api-version", "1.1")
	qv.Set("authorization_endpoint", authorityInfo.AuthorizeEndpoint())

	discoveryHost := DefaultHost
	if TrustedHost(authorityInfo.Host) {
		discoveryHost = authorityInfo.Host
	}

	endpoint := fmt.Sprintf(instanceDiscoveryEndpoint, discoveryHost)
	resp := InstanceDiscoveryResponse{}

	err := c.Comm.JSONCall(ctx, endpoint, http.Header{}, qv, nil, &resp)
	return resp, err
}
