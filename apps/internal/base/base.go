// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package base contains the silent acquisition engine shared by the public and
// confidential client surfaces: cache lookup first, refresh token exchange second,
// interaction required as the terminal answer.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omnidirectory/authentication-library-for-go/apps/cache"
	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base/internal/legacy"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base/internal/storage"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/authority"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// AuthResultMetadata which contains additional information regarding the authentication.
type AuthResultMetadata struct {
	TokenSource TokenSource
}

// TokenSource indicates where the returned token came from.
type TokenSource int

const (
	TokenSourceIdentityProvider TokenSource = 0
	TokenSourceCache            TokenSource = 1
)

// AuthResult contains the results of one token acquisition operation. Results
// come from the cache or a silent network grant.
type AuthResult struct {
	Account        shared.Account
	IDToken        accesstokens.IDToken
	AccessToken    string
	ExpiresOn      time.Time
	GrantedScopes  []string
	DeclinedScopes []string
	Metadata       AuthResultMetadata
}

// AuthResultFromStorage creates an AuthResult from a cache hit.
func AuthResultFromStorage(storageTokenResponse storage.TokenResponse) (AuthResult, error) {
	if err := storageTokenResponse.AccessToken.Validate(); err != nil {
		return AuthResult{}, fmt.Errorf("problem with access token in storage token response: %w", err)
	}
	account := storageTokenResponse.Account
	accessToken := storageTokenResponse.AccessToken.Secret
	grantedScopes := strings.Split(storageTokenResponse.AccessToken.Scopes, " ")

	// An app-only or assertion scoped hit carries no id token; that is not an
	// error.
	var idToken accesstokens.IDToken
	if raw := storageTokenResponse.IDToken.Secret; raw != "" {
		var err error
		idToken, err = accesstokens.NewIDToken(raw)
		if err != nil {
			return AuthResult{}, err
		}
	}
	return AuthResult{
		Account:       account,
		IDToken:       idToken,
		AccessToken:   accessToken,
		ExpiresOn:     storageTokenResponse.AccessToken.ExpiresOn.T,
		GrantedScopes: grantedScopes,
		Metadata: AuthResultMetadata{
			TokenSource: TokenSourceCache,
		},
	}, nil
}

// NewAuthResult creates an AuthResult from a token response obtained over the
// network.
func NewAuthResult(tokenResponse accesstokens.TokenResponse, account shared.Account) (AuthResult, error) {
	if len(tokenResponse.DeclinedScopes) > 0 {
		return AuthResult{}, fmt.Errorf("token response failed because declined scopes are present: %s", strings.Join(tokenResponse.DeclinedScopes, ","))
	}
	return AuthResult{
		Account:       account,
		IDToken:       tokenResponse.IDToken,
		AccessToken:   tokenResponse.AccessToken,
		ExpiresOn:     tokenResponse.ExpiresOn,
		GrantedScopes: tokenResponse.GrantedScopes,
		Metadata: AuthResultMetadata{
			TokenSource: TokenSourceIdentityProvider,
		},
	}, nil
}

// AcquireTokenSilentParameters contains the parameters to acquire a token
// silently (from the cache, with a network refresh as the fallback).
type AcquireTokenSilentParameters struct {
	Scopes      []string
	Account     shared.Account
	RequestType accesstokens.AppType
	Credential  *accesstokens.Credential
	// ForceRefresh skips the access token lookup and goes straight to the refresh
	// token exchange.
	ForceRefresh bool
	// UserAssertion marks the request as on-behalf-of; cached tokens are
	// partitioned by its hash.
	UserAssertion string
	// AuthorityOverride replaces the client's configured authority for this
	// request. The empty string, for a client constructed without an authority,
	// means the cache infers the authority from its contents.
	AuthorityOverride string
}

// Client is a base client that provides authentication pattern implementations on
// top of the token cache and the oauth client.
type Client struct {
	Token   *oauth.Client
	manager *storage.Manager

	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! See "Note" in New().
	notifier   cache.Notifier
	log        logger.LoggerInterface
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithCacheAccessor allows you to set an external cache to be synchronized around
// every cache operation.
func WithCacheAccessor(ca cache.Notifier) Option {
	return func(c *Client) {
		if ca != nil {
			c.notifier = ca
		}
	}
}

// WithLogger sets the logger used by the client and everything beneath it.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New is the constructor for Client. authorityURI may be empty, in which case
// every request must either carry an authority override or be answerable by a
// cache whose contents identify a single authority.
func New(clientID string, authorityURI string, httpClient ops.HTTPClient, options ...Option) (Client, error) {
	var authorityInfo authority.Info
	if authorityURI != "" {
		var err error
		authorityInfo, err = authority.NewInfoFromAuthorityURI(authorityURI)
		if err != nil {
			return Client{}, err
		}
	}
	// Note: Hey, don't even THINK about making Client into *Client. See "design notes" in public.go and confidential.go.
	authParams := authority.NewAuthParams(clientID, authorityInfo)
	client := Client{
		AuthParams: authParams,
		log:        logger.Nop(),
	}
	for _, o := range options {
		o(&client)
	}
	client.Token = oauth.New(httpClient, client.log)
	client.manager = storage.New(client.Token.Resolver, legacy.New(client.log))
	return client, nil
}

// cacheEnvelope is the serialized form handed to cache notifiers: both cache
// formats in one opaque snapshot.
type cacheEnvelope struct {
	Unified json.RawMessage `json:"unified,omitempty"`
	Legacy  json.RawMessage `json:"legacy,omitempty"`
}

// serializedCache implements cache.Serializer over both cache formats.
type serializedCache struct {
	manager *storage.Manager
}

func (s serializedCache) Marshal() ([]byte, error) {
	unified, err := s.manager.Marshal()
	if err != nil {
		return nil, err
	}
	legacyData, err := s.manager.Legacy().Marshal()
	if err != nil {
		return nil, err
	}
	return json.Marshal(cacheEnvelope{Unified: unified, Legacy: legacyData})
}

func (s serializedCache) Unmarshal(b []byte) error {
	var envelope cacheEnvelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	if len(envelope.Unified) > 0 {
		if err := s.manager.Unmarshal(envelope.Unified); err != nil {
			return err
		}
	}
	if len(envelope.Legacy) > 0 {
		if err := s.manager.Legacy().Unmarshal(envelope.Legacy); err != nil {
			return err
		}
	}
	return nil
}

// Cache returns a Serializer over the client's full cache state.
func (b Client) Cache() cache.Serializer {
	return serializedCache{manager: b.manager}
}

// notifyBefore runs the BeforeAccess (and, for writes, BeforeWrite) callbacks and
// returns the function that runs AfterAccess and resets the state-changed hint.
// The returned cleanup must run on every exit path, including failures.
func (b Client) notifyBefore(ctx context.Context, principalID string, write bool) func(context.Context) {
	if b.notifier == nil {
		return func(context.Context) { b.manager.ResetStateChanged() }
	}
	args := cache.NotificationArgs{
		Cache:       b.Cache(),
		ClientID:    b.AuthParams.ClientID,
		PrincipalID: principalID,
	}
	b.notifier.BeforeAccess(ctx, args)
	if write {
		b.notifier.BeforeWrite(ctx, args)
	}
	return func(ctx context.Context) {
		args.HasStateChanged = b.manager.HasStateChanged()
		b.notifier.AfterAccess(ctx, args)
		b.manager.ResetStateChanged()
	}
}

func validateScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, errors.InvalidArgumentError{Arg: "scopes", Reason: "no scopes specified"}
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || strings.ContainsAny(s, " \t\r\n") {
			return nil, errors.InvalidArgumentError{Arg: "scopes", Reason: "scopes must be non-empty and contain no whitespace"}
		}
		out = append(out, s)
	}
	return out, nil
}

// silentAuthParams builds the request's auth params from the client's and the
// silent call's parameters. Validation failures surface before any cache access.
func (b Client) silentAuthParams(silent AcquireTokenSilentParameters) (authority.AuthParams, error) {
	scopes, err := validateScopes(silent.Scopes)
	if err != nil {
		return authority.AuthParams{}, err
	}

	authParams := b.AuthParams // This is a copy, as we don't have a pointer receiver and .AuthParams is not a pointer.
	if silent.AuthorityOverride != "" {
		info, err := authority.NewInfoFromAuthorityURI(silent.AuthorityOverride)
		if err != nil {
			return authority.AuthParams{}, err
		}
		authParams.AuthorityInfo = info
	}
	authParams.Scopes = scopes
	authParams.PrincipalID = silent.Account.PrincipalID
	authParams.UserAssertion = silent.UserAssertion
	switch {
	case silent.UserAssertion != "":
		authParams.AuthorizationType = authority.ATOnBehalfOf
	case silent.RequestType == accesstokens.ATConfidential && silent.Account.IsZero():
		authParams.AuthorizationType = authority.ATClientCredentials
	default:
		authParams.AuthorizationType = authority.ATRefreshToken
	}
	return authParams, nil
}

// AcquireTokenSilent acquires a token from the cache or, failing that, through one
// refresh token exchange. It never initiates interaction: when neither source can
// produce a token the result is an errors.InteractionRequiredError and it is the
// caller's turn.
func (b Client) AcquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters) (AuthResult, error) {
	authParams, err := b.silentAuthParams(silent)
	if err != nil {
		return AuthResult{}, err
	}

	afterAccess := b.notifyBefore(ctx, authParams.PrincipalID, false)
	defer func() { afterAccess(ctx) }()

	storageTokenResponse, err := b.manager.Read(ctx, authParams, silent.Account)
	if err != nil {
		return AuthResult{}, err
	}

	if !silent.ForceRefresh && storageTokenResponse.AccessToken.Secret != "" {
		ar, err := AuthResultFromStorage(storageTokenResponse)
		if err == nil {
			return ar, nil
		}
		// A defective cached token is a miss, not a failure; fall through to the
		// refresh path.
		b.log.Log(ctx, logger.Debug, "ignoring unusable cached access token", logger.Field("error", err.Error()))
	}

	// An authority-less query answered from the cache never needs one, but the
	// network exchange does: adopt the authority of the records the query matched.
	if authParams.AuthorityInfo.IsZero() {
		info, err := adoptedAuthority(storageTokenResponse)
		if err != nil {
			return AuthResult{}, err
		}
		authParams.AuthorityInfo = info
	}

	if b.notifier != nil {
		args := cache.NotificationArgs{Cache: b.Cache(), ClientID: authParams.ClientID, PrincipalID: authParams.PrincipalID}
		b.notifier.BeforeWrite(ctx, args)
	}

	var tokenResponse accesstokens.TokenResponse
	switch {
	case silent.UserAssertion != "":
		tokenResponse, err = b.Token.OnBehalfOf(ctx, authParams, silent.Credential)
	case authParams.AuthorizationType == authority.ATClientCredentials:
		tokenResponse, err = b.Token.Credential(ctx, authParams, silent.Credential)
	default:
		if storageTokenResponse.RefreshToken.IsZero() {
			return AuthResult{}, errors.InteractionRequiredError{Reason: "no refresh token found in the cache"}
		}
		tokenResponse, err = b.Token.Refresh(ctx, silent.RequestType, authParams, silent.Credential, storageTokenResponse.RefreshToken.Secret)
	}
	if err != nil {
		return AuthResult{}, interactionRequiredIfRevoked(err)
	}
	return b.AuthResultFromToken(ctx, authParams, tokenResponse)
}

// adoptedAuthority builds the authority for a network exchange from the records an
// authority-less query matched: the access token when one was read (its expiry does
// not matter here), else the account. A refresh token alone carries no realm, so it
// cannot identify an authority by itself.
func adoptedAuthority(tr storage.TokenResponse) (authority.Info, error) {
	env, realm := tr.AccessToken.Environment, tr.AccessToken.Realm
	if env == "" || realm == "" {
		env, realm = tr.Account.Environment, tr.Account.Realm
	}
	if env == "" || realm == "" {
		return authority.Info{}, errors.InvalidArgumentError{
			Arg:    "authority",
			Reason: "no authority is configured and the cache cannot infer one for the token request",
		}
	}
	return authority.NewInfoFromAuthorityURI("https://" + env + "/" + realm)
}

// interactionRequiredIfRevoked translates a refresh rejection that cannot be
// healed without the user (revocation, expiry of the grant itself) into an
// InteractionRequiredError. Transient failures pass through unchanged.
func interactionRequiredIfRevoked(err error) error {
	var rf errors.RefreshFailedError
	if errors.As(err, &rf) && rf.OAuthError == "invalid_grant" {
		return errors.InteractionRequiredError{Reason: rf.ErrorDescription}
	}
	return err
}

// AcquireTokenByRefreshToken exchanges a refresh token the caller obtained out of
// band (for example by migrating from another library) for tokens, caching the
// results.
func (b Client) AcquireTokenByRefreshToken(ctx context.Context, appType accesstokens.AppType, cc *accesstokens.Credential, scopes []string, refreshToken string) (AuthResult, error) {
	scopes, err := validateScopes(scopes)
	if err != nil {
		return AuthResult{}, err
	}
	if b.AuthParams.AuthorityInfo.IsZero() {
		return AuthResult{}, errors.InvalidArgumentError{Arg: "authority", Reason: "an authority is required to exchange a refresh token"}
	}
	authParams := b.AuthParams
	authParams.Scopes = scopes
	authParams.AuthorizationType = authority.ATRefreshToken

	afterAccess := b.notifyBefore(ctx, "", true)
	defer func() { afterAccess(ctx) }()

	tokenResponse, err := b.Token.Refresh(ctx, appType, authParams, cc, refreshToken)
	if err != nil {
		return AuthResult{}, interactionRequiredIfRevoked(err)
	}
	return b.AuthResultFromToken(ctx, authParams, tokenResponse)
}

// AcquireTokenByCredential acquires an app-only token using the client's own
// credential, writing it to the cache.
func (b Client) AcquireTokenByCredential(ctx context.Context, cc *accesstokens.Credential, scopes []string) (AuthResult, error) {
	scopes, err := validateScopes(scopes)
	if err != nil {
		return AuthResult{}, err
	}
	if b.AuthParams.AuthorityInfo.IsZero() {
		return AuthResult{}, errors.InvalidArgumentError{Arg: "authority", Reason: "an authority is required for a client credential request"}
	}
	authParams := b.AuthParams
	authParams.Scopes = scopes
	authParams.AuthorizationType = authority.ATClientCredentials

	afterAccess := b.notifyBefore(ctx, "", true)
	defer func() { afterAccess(ctx) }()

	tokenResponse, err := b.Token.Credential(ctx, authParams, cc)
	if err != nil {
		return AuthResult{}, err
	}
	return b.AuthResultFromToken(ctx, authParams, tokenResponse)
}

// AcquireTokenOnBehalfOf exchanges an inbound user assertion for a downstream
// token, consulting the assertion partitioned cache first.
func (b Client) AcquireTokenOnBehalfOf(ctx context.Context, userAssertion string, cc *accesstokens.Credential, scopes []string) (AuthResult, error) {
	if userAssertion == "" {
		return AuthResult{}, errors.InvalidArgumentError{Arg: "userAssertion", Reason: "user assertion may not be empty"}
	}
	return b.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{
		Scopes:        scopes,
		RequestType:   accesstokens.ATConfidential,
		Credential:    cc,
		UserAssertion: userAssertion,
	})
}

// AuthResultFromToken writes the token response to the cache and builds the
// result.
func (b Client) AuthResultFromToken(ctx context.Context, authParams authority.AuthParams, tokenResponse accesstokens.TokenResponse) (AuthResult, error) {
	account, err := b.manager.Write(ctx, authParams, tokenResponse)
	if err != nil {
		return AuthResult{}, err
	}
	return NewAuthResult(tokenResponse, account)
}

// Accounts returns every account for which the cache holds tokens.
func (b Client) Accounts(ctx context.Context) []shared.Account {
	afterAccess := b.notifyBefore(ctx, "", false)
	defer func() { afterAccess(ctx) }()
	return b.manager.AllAccounts()
}

// Account returns the account matching the principal id, or a zero account.
func (b Client) Account(ctx context.Context, principalID string) shared.Account {
	afterAccess := b.notifyBefore(ctx, principalID, false)
	defer func() { afterAccess(ctx) }()
	return b.manager.Account(principalID)
}

// RemoveAccount removes the account and its cached tokens from both cache
// formats. The service side session is untouched.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) {
	afterAccess := b.notifyBefore(ctx, account.PrincipalID, true)
	defer func() { afterAccess(ctx) }()
	b.manager.RemoveAccount(ctx, account)
}
