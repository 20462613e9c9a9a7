// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package accesstokens

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	internalTime "github.com/omnidirectory/authentication-library-for-go/apps/internal/json/types/time"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// ClientInfo is the directory's opaque principal identifier pair, sent base64
// encoded in token responses as "client_info".
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// NewClientInfo decodes the raw client_info value from a token response.
func NewClientInfo(raw string) (ClientInfo, error) {
	if raw == "" {
		return ClientInfo{}, nil
	}
	// The service does not pad its base64.
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return ClientInfo{}, fmt.Errorf("client_info was not base64 decodable: %w", err)
	}
	ci := ClientInfo{}
	if err := json.Unmarshal(data, &ci); err != nil {
		return ClientInfo{}, fmt.Errorf("client_info was not JSON decodable: %w", err)
	}
	return ci, nil
}

// PrincipalID returns the stable principal id ("uid.utid") for an account, unique
// across tenants. Empty when the token was issued app-only.
func (c ClientInfo) PrincipalID() string {
	if c.UID == "" && c.UTID == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", c.UID, c.UTID)
}

type idClaims struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	UPN               string `json:"upn"`
	Email             string `json:"email"`
}

// IDToken consists of the claims used to identify a user. The token is decoded, not
// validated: it arrived over TLS from the directory itself and is cached only for
// account display purposes.
type IDToken struct {
	PreferredUsername string
	Name              string
	ObjectID          string
	TenantID          string
	Subject           string
	Issuer            string
	UPN               string
	Email             string
	ExpirationTime    int64
	RawToken          string
}

// NewIDToken creates an IDToken instance from a raw JWT.
func NewIDToken(raw string) (IDToken, error) {
	claims := &idClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return IDToken{}, fmt.Errorf("id token returned from the service is invalid: %w", err)
	}
	idt := IDToken{
		PreferredUsername: claims.PreferredUsername,
		Name:              claims.Name,
		ObjectID:          claims.ObjectID,
		TenantID:          claims.TenantID,
		Subject:           claims.Subject,
		Issuer:            claims.Issuer,
		UPN:               claims.UPN,
		Email:             claims.Email,
		RawToken:          raw,
	}
	if claims.ExpiresAt != nil {
		idt.ExpirationTime = claims.ExpiresAt.Unix()
	}
	return idt, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i == IDToken{}
}

// LocalAccountID extracts an account's local account id from the token claims.
func (i IDToken) LocalAccountID() string {
	if i.ObjectID != "" {
		return i.ObjectID
	}
	return i.Subject
}

// DisplayableID is the username shown for the account, used by the legacy cache as
// part of its key.
func (i IDToken) DisplayableID() string {
	if i.PreferredUsername != "" {
		return i.PreferredUsername
	}
	return i.UPN
}

// RefreshToken is the JSON representation of a cached refresh token. At most one
// exists per (environment, client, principal): writes go through Key(), so a later
// token fully replaces an earlier one.
type RefreshToken struct {
	PrincipalID    string `json:"principal_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(principalID, env, clientID, refreshToken string) RefreshToken {
	return RefreshToken{
		PrincipalID:    principalID,
		Environment:    env,
		CredentialType: "RefreshToken",
		ClientID:       clientID,
		Secret:         refreshToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (rt RefreshToken) Key() string {
	key := strings.Join(
		[]string{rt.PrincipalID, rt.Environment, rt.CredentialType, rt.ClientID},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}

// IsZero reports whether rt holds no token.
func (rt RefreshToken) IsZero() bool {
	return rt == RefreshToken{}
}

// tokenResponsePayload is the wire shape of a token endpoint response.
type tokenResponsePayload struct {
	authority.OAuthResponseBase

	AccessToken  string                    `json:"access_token"`
	RefreshToken string                    `json:"refresh_token"`
	ExpiresIn    internalTime.DurationTime `json:"expires_in"`
	Scope        string                    `json:"scope"`
	IDToken      string                    `json:"id_token"`
	ClientInfo   string                    `json:"client_info"`
}

// TokenResponse is the information returned by the token endpoint during any token
// acquisition flow.
type TokenResponse struct {
	authority.OAuthResponseBase

	AccessToken   string
	RefreshToken  string
	IDToken       IDToken
	ClientInfo    ClientInfo
	RawClientInfo string
	ExpiresOn     time.Time

	GrantedScopes  []string
	DeclinedScopes []string

	scopeRaw string
}

// UnmarshalJSON implements encoding/json.Unmarshaler.
func (tr *TokenResponse) UnmarshalJSON(b []byte) error {
	payload := tokenResponsePayload{}
	d := json.NewDecoder(bytes.NewReader(b))
	if err := d.Decode(&payload); err != nil {
		return fmt.Errorf("token response was not JSON decodable: %w", err)
	}

	*tr = TokenResponse{
		OAuthResponseBase: payload.OAuthResponseBase,
		AccessToken:       payload.AccessToken,
		RefreshToken:      payload.RefreshToken,
		RawClientInfo:     payload.ClientInfo,
		ExpiresOn:         payload.ExpiresIn.T,
		scopeRaw:          payload.Scope,
	}

	if payload.IDToken != "" {
		idt, err := NewIDToken(payload.IDToken)
		if err != nil {
			return err
		}
		tr.IDToken = idt
	}
	ci, err := NewClientInfo(payload.ClientInfo)
	if err != nil {
		return err
	}
	tr.ClientInfo = ci
	return nil
}

// ComputeScope fills in GrantedScopes/DeclinedScopes against the scopes that were
// requested. Some flows omit "scope" in the response, which per RFC 6749 means all
// requested scopes were granted.
func (tr *TokenResponse) ComputeScope(authParams authority.AuthParams) {
	if len(tr.scopeRaw) == 0 {
		tr.GrantedScopes = make([]string, len(authParams.Scopes))
		copy(tr.GrantedScopes, authParams.Scopes)
	} else {
		tr.GrantedScopes = strings.Split(strings.ToLower(tr.scopeRaw), " ")
	}
	tr.DeclinedScopes = findDeclinedScopes(authParams.Scopes, tr.GrantedScopes)
}

func findDeclinedScopes(requested, granted []string) []string {
	grantedMap := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedMap[strings.ToLower(s)] = true
	}
	var declined []string
	for _, s := range requested {
		s = strings.ToLower(s)
		// Handle the special scopes the service grants implicitly.
		if grantedMap[s] || s == "openid" || s == "offline_access" || s == "profile" {
			continue
		}
		declined = append(declined, s)
	}
	return declined
}

// Validate validates the token response for issues the transport layer cannot see.
func (tr TokenResponse) Validate() error {
	if tr.Error != "" {
		return fmt.Errorf("%s: %s", tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return errors.New("response is missing access_token")
	}
	return nil
}
