// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package storage holds all cached token information: the multi-entity cache
// partitioned by credential type, the matching logic that finds a usable
// credential for a query, and the writes that keep the cache's invariants. The
// legacy flat cache is consulted as a fallback source for refresh tokens and
// mirrored on writes, but never merged in.
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base/internal/legacy"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// expirationBuffer is subtracted from an access token's remaining lifetime before
// it counts as a hit: a token that expires within the buffer is a miss, so callers
// never receive a token that dies mid-flight.
const expirationBuffer = 5 * time.Minute

// aliasResolver allows faking the authority resolver in tests.
// It is implemented in production by *oauth.AuthorityResolver.
type aliasResolver interface {
	Resolve(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryMetadata, error)
	Aliases(ctx context.Context, authorityInfo authority.Info) ([]string, error)
}

// TokenResponse mimics a token response that was pulled from the cache.
type TokenResponse struct {
	AccessToken  AccessToken
	RefreshToken accesstokens.RefreshToken
	IDToken      IDToken
	Account      shared.Account
}

// Manager is an in-memory cache of access tokens, refresh tokens, id tokens and
// accounts. A single coarse lock guards the whole instance: writes touch sets of
// records (supersession deletes + an insert) and must be atomic as a set, which
// per-record locking cannot give.
type Manager struct {
	resolver aliasResolver
	legacy   *legacy.Manager

	mu           sync.Mutex
	contract     *Contract
	stateChanged bool
}

// New is the constructor for Manager. legacyCache may not be nil; use
// legacy.New(nil) when legacy interoperability is not wanted (an empty legacy
// cache never produces a fallback hit).
func New(resolver aliasResolver, legacyCache *legacy.Manager) *Manager {
	return &Manager{
		resolver: resolver,
		legacy:   legacyCache,
		contract: NewContract(),
	}
}

// Legacy returns the legacy cache this manager mirrors to.
func (m *Manager) Legacy() *legacy.Manager {
	return m.legacy
}

// HasStateChanged reports whether a write has begun since the last reset. It is a
// hint to the host application that serialization is due, not a transaction
// marker.
func (m *Manager) HasStateChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateChanged
}

// ResetStateChanged clears the state-changed hint. Callers must invoke it after
// every write period, including failed ones.
func (m *Manager) ResetStateChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanged = false
}

func checkAlias(alias string, aliases []string) bool {
	for _, v := range aliases {
		if strings.EqualFold(alias, v) {
			return true
		}
	}
	return false
}

// aliasInfo is the environment view a query resolves to before matching: the hosts
// considered equivalent plus the host records are preferentially stored under. A
// zero aliasInfo means "no authority supplied, match any environment".
type aliasInfo struct {
	aliases        []string
	preferredCache string
	realm          string
	supplied       bool
}

func (m *Manager) resolveAliases(ctx context.Context, authorityInfo authority.Info) (aliasInfo, error) {
	if authorityInfo.IsZero() {
		return aliasInfo{}, nil
	}
	md, err := m.resolver.Resolve(ctx, authorityInfo)
	if err != nil {
		return aliasInfo{}, err
	}
	aliases := md.Aliases
	if !checkAlias(authorityInfo.Host, aliases) {
		aliases = append([]string{authorityInfo.Host}, aliases...)
	}
	return aliasInfo{
		aliases:        aliases,
		preferredCache: md.PreferredCache,
		realm:          authorityInfo.Tenant,
		supplied:       true,
	}, nil
}

// Read reads the usable credentials for the query described by authParams from the
// cache, if they exist. account carries the login hint used for legacy fallback
// matching; it may be zero.
//
// A miss is not an error: callers inspect the returned records. The errors Read
// returns are context cancellations and ambiguous matches, which are never
// resolved by guessing.
func (m *Manager) Read(ctx context.Context, authParams authority.AuthParams, account shared.Account) (TokenResponse, error) {
	env, err := m.resolveAliases(ctx, authParams.AuthorityInfo)
	if err != nil {
		return TokenResponse{}, err
	}

	principalID := authParams.PrincipalID
	assertionHash := authParams.AssertionHash()

	accessToken, err := m.readAccessToken(env, authParams.ClientID, principalID, assertionHash, authParams.Scopes)
	if err != nil {
		return TokenResponse{}, err
	}

	// With no authority in the query, the sole matching access token decides the
	// environment and realm for the rest of the lookup.
	if !env.supplied && accessToken.Secret != "" {
		env = aliasInfo{
			aliases:        []string{accessToken.Environment},
			preferredCache: accessToken.Environment,
			realm:          accessToken.Realm,
			supplied:       true,
		}
	}

	refreshToken, err := m.readRefreshToken(env, authParams.ClientID, principalID)
	if err != nil {
		return TokenResponse{}, err
	}
	if refreshToken.IsZero() {
		refreshToken = m.legacyRefreshToken(env, authParams, account)
	}

	tr := TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if principalID != "" {
		tr.IDToken = m.readIDToken(env, authParams.ClientID, principalID)
		tr.Account = m.readAccount(env, principalID)
	}
	return tr, nil
}

// readAccessToken finds the one access token usable for the query, or a zero token
// on a miss.
//
// Filter order matters: client, then principal partition (assertion hash for
// on-behalf-of, principal id otherwise, both-empty for app-only), then scope
// superset, then authority. Ambiguity is decided on the scope-filtered set;
// expiry is applied last so a stale record can still disambiguate and simply
// misses instead of erroring.
func (m *Manager) readAccessToken(env aliasInfo, clientID, principalID, assertionHash string, scopes []string) (AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []AccessToken
	for _, at := range m.contract.AccessTokens {
		if !strings.EqualFold(at.ClientID, clientID) {
			continue
		}
		if assertionHash != "" {
			if at.AssertionHash != assertionHash {
				continue
			}
		} else {
			if at.AssertionHash != "" || !strings.EqualFold(at.PrincipalID, principalID) {
				continue
			}
		}
		if !supersetOf(at.scopeSet(), scopes) {
			continue
		}
		candidates = append(candidates, at)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key() < candidates[j].Key() })

	var match AccessToken
	if env.supplied {
		var inAliases []AccessToken
		for _, at := range candidates {
			if strings.EqualFold(at.Realm, env.realm) && checkAlias(at.Environment, env.aliases) {
				inAliases = append(inAliases, at)
			}
		}
		var preferred []AccessToken
		for _, at := range inAliases {
			if strings.EqualFold(at.Environment, env.preferredCache) {
				preferred = append(preferred, at)
			}
		}
		switch {
		case len(preferred) == 1:
			match = preferred[0]
		case len(preferred) > 1:
			return AccessToken{}, ambiguousError(clientID, scopes, preferred)
		case len(inAliases) == 1:
			match = inAliases[0]
		case len(inAliases) > 1:
			return AccessToken{}, ambiguousError(clientID, scopes, inAliases)
		}
	} else {
		authorities := map[string]bool{}
		for _, at := range candidates {
			authorities[strings.ToLower(at.Environment+"/"+at.Realm)] = true
		}
		switch {
		case len(candidates) == 1:
			match = candidates[0]
		case len(authorities) > 1:
			return AccessToken{}, ambiguousError(clientID, scopes, candidates)
		case len(candidates) > 1:
			// All candidates share one authority; any of them is correct.
			match = candidates[0]
		}
	}

	if match.Secret == "" || match.Validate() != nil {
		// Expired or near-expiry records are a miss, not an error, and are left in
		// place: the next successful acquisition supersedes them.
		return AccessToken{}, nil
	}
	return match, nil
}

func ambiguousError(clientID string, scopes []string, candidates []AccessToken) error {
	authorities := map[string]bool{}
	for _, at := range candidates {
		authorities[strings.ToLower(at.Environment+"/"+at.Realm)] = true
	}
	list := make([]string, 0, len(authorities))
	for a := range authorities {
		list = append(list, a)
	}
	sort.Strings(list)
	return errors.AmbiguousMatchError{ClientID: clientID, Scopes: scopes, Authorities: list}
}

// readRefreshToken finds the refresh token for (environment, client, principal).
// With no authority supplied, candidates spanning several environments are an
// ambiguous match.
func (m *Manager) readRefreshToken(env aliasInfo, clientID, principalID string) (accesstokens.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []accesstokens.RefreshToken
	for _, rt := range m.contract.RefreshTokens {
		if !strings.EqualFold(rt.ClientID, clientID) || !strings.EqualFold(rt.PrincipalID, principalID) {
			continue
		}
		if env.supplied && !checkAlias(rt.Environment, env.aliases) {
			continue
		}
		candidates = append(candidates, rt)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key() < candidates[j].Key() })

	switch {
	case len(candidates) == 0:
		return accesstokens.RefreshToken{}, nil
	case len(candidates) == 1:
		return candidates[0], nil
	}
	if env.supplied {
		// Several alias hosts hold a token. Prefer the preferred cache host, else
		// the deterministic first: they are all equivalent by definition.
		for _, rt := range candidates {
			if strings.EqualFold(rt.Environment, env.preferredCache) {
				return rt, nil
			}
		}
		return candidates[0], nil
	}
	environments := map[string]bool{}
	for _, rt := range candidates {
		environments[strings.ToLower(rt.Environment)] = true
	}
	if len(environments) > 1 {
		list := make([]string, 0, len(environments))
		for e := range environments {
			list = append(list, e)
		}
		sort.Strings(list)
		return accesstokens.RefreshToken{}, errors.AmbiguousMatchError{ClientID: clientID, Authorities: list}
	}
	return candidates[0], nil
}

// legacyRefreshToken consults the legacy cache after a new-format miss. It is best
// effort and never fails the read.
func (m *Manager) legacyRefreshToken(env aliasInfo, authParams authority.AuthParams, account shared.Account) accesstokens.RefreshToken {
	if authParams.PrincipalID == "" && account.IsZero() {
		// App-only tokens were never written to the legacy user cache.
		return accesstokens.RefreshToken{}
	}
	// With no authority in the query, no environment filter applies.
	var aliases []string
	if env.supplied {
		aliases = env.aliases
	}
	rec, err := m.legacy.ReadRefreshToken(aliases, authParams.ClientID, account.PreferredUsername, authParams.PrincipalID)
	if err != nil {
		return accesstokens.RefreshToken{}
	}
	return accesstokens.NewRefreshToken(authParams.PrincipalID, rec.Environment(), authParams.ClientID, rec.RefreshToken)
}

// Write writes a token response to the cache and returns the account information
// the tokens are stored with. All record mutations happen under one lock
// acquisition: a reader either observes the whole supersede-then-insert sequence
// or none of it.
func (m *Manager) Write(ctx context.Context, authParams authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error) {
	principalID := tokenResponse.ClientInfo.PrincipalID()
	realm := authParams.AuthorityInfo.Tenant
	clientID := authParams.ClientID
	assertionHash := authParams.AssertionHash()
	target := strings.Join(tokenResponse.GrantedScopes, scopeSeparator)
	cachedAt := time.Now()

	// Records are stored under the environment's preferred cache host so that any
	// aliased authority finds them.
	md, err := m.resolver.Resolve(ctx, authParams.AuthorityInfo)
	if err != nil {
		return shared.Account{}, err
	}
	env := md.PreferredCache
	if env == "" {
		env = authParams.AuthorityInfo.Host
	}

	var account shared.Account
	var mirroredRT accesstokens.RefreshToken

	m.mu.Lock()
	m.stateChanged = true

	if len(tokenResponse.RefreshToken) > 0 {
		refreshToken := accesstokens.NewRefreshToken(principalID, env, clientID, tokenResponse.RefreshToken)
		m.contract.RefreshTokens[refreshToken.Key()] = refreshToken
		mirroredRT = refreshToken
	}

	if len(tokenResponse.AccessToken) > 0 {
		accessToken := NewAccessToken(
			principalID,
			env,
			realm,
			clientID,
			cachedAt,
			tokenResponse.ExpiresOn,
			target,
			tokenResponse.AccessToken,
			assertionHash,
		)
		// Tokens that are broken on arrival (no expiry, or already inside the
		// buffer) are not worth superseding anything for.
		if accessToken.Validate() == nil {
			newScopes := accessToken.scopeSet()
			for key, at := range m.contract.AccessTokens {
				if !strings.EqualFold(at.ClientID, clientID) {
					continue
				}
				if !strings.EqualFold(at.PrincipalID, principalID) || at.AssertionHash != assertionHash {
					continue
				}
				// Supersession never crosses an authority boundary: a token for
				// another environment or realm stays, and an authority-less read
				// spanning both reports the ambiguity instead.
				if !strings.EqualFold(at.Environment, env) || !strings.EqualFold(at.Realm, realm) {
					continue
				}
				if intersects(at.scopeSet(), newScopes) {
					delete(m.contract.AccessTokens, key)
				}
			}
			m.contract.AccessTokens[accessToken.Key()] = accessToken
		}
	}

	if !tokenResponse.IDToken.IsZero() && principalID != "" {
		idToken := NewIDToken(principalID, env, realm, clientID, tokenResponse.IDToken.RawToken)
		m.contract.IDTokens[idToken.Key()] = idToken

		account = shared.NewAccount(
			principalID,
			env,
			realm,
			tokenResponse.IDToken.LocalAccountID(),
			authParams.AuthorityInfo.Kind.String(),
			tokenResponse.IDToken.DisplayableID(),
		)
		account.Name = tokenResponse.IDToken.Name
		account.RawClientInfo = tokenResponse.RawClientInfo
		m.contract.Accounts[account.Key()] = account
	}
	m.mu.Unlock()

	// Mirror outside the cache lock: the bridge is additive, best effort and has
	// its own lock.
	if !mirroredRT.IsZero() && principalID != "" {
		m.legacy.WriteRefreshToken(ctx, mirroredRT, tokenResponse.IDToken, authParams.AuthorityInfo.CanonicalURI, target)
	}

	return account, nil
}

func (m *Manager) readIDToken(env aliasInfo, clientID, principalID string) IDToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idt := range m.contract.IDTokens {
		if !strings.EqualFold(idt.ClientID, clientID) || !strings.EqualFold(idt.PrincipalID, principalID) {
			continue
		}
		if env.supplied && (!strings.EqualFold(idt.Realm, env.realm) || !checkAlias(idt.Environment, env.aliases)) {
			continue
		}
		return idt
	}
	return IDToken{}
}

func (m *Manager) readAccount(env aliasInfo, principalID string) shared.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Accounts are a map for the storage contract's sake, but lookups iterate: a
	// query matches several possible keys (one per alias host), and the number of
	// accounts per cache is tiny.
	for _, acc := range m.contract.Accounts {
		if !strings.EqualFold(acc.PrincipalID, principalID) {
			continue
		}
		if env.supplied && (!strings.EqualFold(acc.Realm, env.realm) || !checkAlias(acc.Environment, env.aliases)) {
			continue
		}
		return acc
	}
	return shared.Account{}
}

// AllAccounts returns every account in the cache.
func (m *Manager) AllAccounts() []shared.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]shared.Account, 0, len(m.contract.Accounts))
	for _, acc := range m.contract.Accounts {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Key() < accounts[j].Key() })
	return accounts
}

// Account returns the account matching the principal id, or a zero account.
func (m *Manager) Account(principalID string) shared.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.contract.Accounts {
		if strings.EqualFold(acc.PrincipalID, principalID) {
			return acc
		}
	}
	return shared.Account{}
}

// RemoveAccount removes the account and every credential belonging to it, in both
// cache formats.
func (m *Manager) RemoveAccount(ctx context.Context, account shared.Account) {
	aliases, err := m.resolver.Aliases(ctx, authority.Info{Host: account.Environment, Kind: authority.Cloud})
	if err != nil || len(aliases) == 0 {
		aliases = []string{account.Environment}
	}

	m.mu.Lock()
	m.stateChanged = true
	for key, acc := range m.contract.Accounts {
		if strings.EqualFold(acc.PrincipalID, account.PrincipalID) && checkAlias(acc.Environment, aliases) {
			delete(m.contract.Accounts, key)
		}
	}
	for key, at := range m.contract.AccessTokens {
		if strings.EqualFold(at.PrincipalID, account.PrincipalID) && checkAlias(at.Environment, aliases) {
			delete(m.contract.AccessTokens, key)
		}
	}
	for key, rt := range m.contract.RefreshTokens {
		if strings.EqualFold(rt.PrincipalID, account.PrincipalID) && checkAlias(rt.Environment, aliases) {
			delete(m.contract.RefreshTokens, key)
		}
	}
	for key, idt := range m.contract.IDTokens {
		if strings.EqualFold(idt.PrincipalID, account.PrincipalID) && checkAlias(idt.Environment, aliases) {
			delete(m.contract.IDTokens, key)
		}
	}
	m.mu.Unlock()

	m.legacy.RemoveAccount(aliases, account.PreferredUsername, account.PrincipalID)
}

// AllAccessTokens returns a snapshot of every access token record.
func (m *Manager) AllAccessTokens() []AccessToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	ats := make([]AccessToken, 0, len(m.contract.AccessTokens))
	for _, at := range m.contract.AccessTokens {
		ats = append(ats, at)
	}
	sort.Slice(ats, func(i, j int) bool { return ats[i].Key() < ats[j].Key() })
	return ats
}

// AllRefreshTokens returns a snapshot of every refresh token record.
func (m *Manager) AllRefreshTokens() []accesstokens.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	rts := make([]accesstokens.RefreshToken, 0, len(m.contract.RefreshTokens))
	for _, rt := range m.contract.RefreshTokens {
		rts = append(rts, rt)
	}
	sort.Slice(rts, func(i, j int) bool { return rts[i].Key() < rts[j].Key() })
	return rts
}

// update updates the internal cache object. This is for use in tests, other uses
// are not supported.
func (m *Manager) update(contract *Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contract = contract
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler.
func (m *Manager) Unmarshal(b []byte) error {
	contract := NewContract()
	if err := json.Unmarshal(b, contract); err != nil {
		return err
	}
	if contract.AccessTokens == nil {
		contract.AccessTokens = map[string]AccessToken{}
	}
	if contract.RefreshTokens == nil {
		contract.RefreshTokens = map[string]accesstokens.RefreshToken{}
	}
	if contract.IDTokens == nil {
		contract.IDTokens = map[string]IDToken{}
	}
	if contract.Accounts == nil {
		contract.Accounts = map[string]shared.Account{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contract = contract
	return nil
}
