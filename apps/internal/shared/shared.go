// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package shared holds types that must be referenced by multiple packages without
// creating an import cycle, most importantly the Account record that both the
// storage layer and the public client surfaces expose.
package shared

import (
	"net/http"
	"strings"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"
)

// Account represents a signed-in principal as recorded in the cache. It is keyed by
// (principal id, environment, realm) and is deliberately not client scoped: one
// account entry serves every client application sharing the cache.
type Account struct {
	PrincipalID       string `json:"principal_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityKind     string `json:"authority_kind,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	RawClientInfo     string `json:"client_info,omitempty"`
}

// NewAccount creates an account.
func NewAccount(principalID, env, realm, localAccountID, authorityKind, username string) Account {
	return Account{
		PrincipalID:       principalID,
		Environment:       env,
		Realm:             realm,
		LocalAccountID:    localAccountID,
		AuthorityKind:     authorityKind,
		PreferredUsername: username,
	}
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	key := strings.Join([]string{acc.PrincipalID, acc.Environment, acc.Realm}, CacheKeySeparator)
	return strings.ToLower(key)
}

// IsZero checks the zero value of account.
func (acc Account) IsZero() bool {
	switch {
	case acc.PrincipalID != "":
		return false
	case acc.Environment != "":
		return false
	case acc.Realm != "":
		return false
	case acc.LocalAccountID != "":
		return false
	case acc.AuthorityKind != "":
		return false
	case acc.PreferredUsername != "":
		return false
	case acc.Name != "":
		return false
	case acc.RawClientInfo != "":
		return false
	}
	return true
}

// DefaultClient is our default shared HTTP client.
var DefaultClient = &http.Client{}
