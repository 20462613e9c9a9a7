// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	internalTime "github.com/omnidirectory/authentication-library-for-go/apps/internal/json/types/time"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// Contract is the JSON structure that is written to any storage medium when
// serializing the cache. The section names are shared with other client
// implementations and cannot change.
type Contract struct {
	AccessTokens  map[string]AccessToken               `json:"AccessToken"`
	RefreshTokens map[string]accesstokens.RefreshToken `json:"RefreshToken"`
	IDTokens      map[string]IDToken                   `json:"IdToken"`
	Accounts      map[string]shared.Account            `json:"Account"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]accesstokens.RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
	}
}

const scopeSeparator = " "

// appOnlyMarker takes the principal's place in cache keys of app-only credentials,
// so an app token can never collide with a token of a principal whose id is empty.
const appOnlyMarker = "app_only"

func principalKey(principalID string) string {
	if principalID == "" {
		return appOnlyMarker
	}
	return principalID
}

// canonicalScopes produces the canonical scope string for key construction:
// lowercased, sorted, space separated.
func canonicalScopes(scopes string) string {
	split := strings.Split(strings.ToLower(scopes), scopeSeparator)
	sort.Strings(split)
	return strings.Join(split, scopeSeparator)
}

// AccessToken is the JSON representation of a cached access token.
type AccessToken struct {
	PrincipalID    string `json:"principal_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Scopes         string `json:"target,omitempty"`
	// AssertionHash partitions on-behalf-of tokens by the user assertion they were
	// acquired with.
	AssertionHash string            `json:"assertion_hash,omitempty"`
	ExpiresOn     internalTime.Unix `json:"expires_on,omitempty"`
	CachedAt      internalTime.Unix `json:"cached_at,omitempty"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(principalID, env, realm, clientID string, cachedAt, expiresOn time.Time, scopes, token, assertionHash string) AccessToken {
	return AccessToken{
		PrincipalID:    principalID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "AccessToken",
		ClientID:       clientID,
		Secret:         token,
		Scopes:         scopes,
		AssertionHash:  assertionHash,
		CachedAt:       internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:      internalTime.Unix{T: expiresOn.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	key := strings.Join(
		[]string{principalKey(a.PrincipalID), a.Environment, a.CredentialType, a.ClientID, a.Realm, a.AssertionHash, canonicalScopes(a.Scopes)},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}

// FakeValidate enables tests to fake access token validation
var FakeValidate func(AccessToken) error

// Validate validates that this AccessToken can be used.
func (a AccessToken) Validate() error {
	if FakeValidate != nil {
		return FakeValidate(a)
	}
	if a.CachedAt.T.After(time.Now()) {
		return errors.New("access token isn't valid, it was cached at a future time")
	}
	if a.ExpiresOn.T.Before(time.Now().Add(expirationBuffer)) {
		return fmt.Errorf("access token is expired")
	}
	if a.CachedAt.T.IsZero() {
		return fmt.Errorf("access token does not have CachedAt set")
	}
	return nil
}

// scopeSet returns the token's granted scopes as a lowercased set.
func (a AccessToken) scopeSet() map[string]bool {
	return scopeSet(strings.Split(a.Scopes, scopeSeparator))
}

func scopeSet(scopes []string) map[string]bool {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[strings.ToLower(s)] = true
		}
	}
	return set
}

// supersetOf reports whether have contains every scope in want.
func supersetOf(have map[string]bool, want []string) bool {
	for _, s := range want {
		if !have[strings.ToLower(s)] {
			return false
		}
	}
	return true
}

// intersects reports whether the two scope sets share at least one scope.
func intersects(a, b map[string]bool) bool {
	for s := range b {
		if a[s] {
			return true
		}
	}
	return false
}

// IDToken is the JSON representation of a cached id token.
type IDToken struct {
	PrincipalID    string `json:"principal_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(principalID, env, realm, clientID, idToken string) IDToken {
	return IDToken{
		PrincipalID:    principalID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "IdToken",
		ClientID:       clientID,
		Secret:         idToken,
	}
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id == IDToken{}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	key := strings.Join(
		[]string{principalKey(id.PrincipalID), id.Environment, id.CredentialType, id.ClientID, id.Realm},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}
