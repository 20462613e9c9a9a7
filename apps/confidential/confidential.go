// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

/*
Package confidential provides a client for authentication of "confidential"
applications. A "confidential" application is a server application that can keep
a secret (a client secret or a certificate) and can therefore authenticate as
itself, on its own behalf or on behalf of an inbound user assertion.
*/
package confidential

/*
Design note:

confidential.Client wraps a base.Client value. base.Client statically assigns
its attributes during creation. As it doesn't have any pointers in it, anything
borrowed from it, such as base.AuthParams, is a copy that is free to be
manipulated here.
*/

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"

	"github.com/omnidirectory/authentication-library-for-go/apps/cache"
	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/base"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"

	"golang.org/x/crypto/pkcs12"
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

// Account represents a signed-in principal as the cache knows it.
type Account = shared.Account

// Credential represents the credential used in confidential client flows.
type Credential struct {
	secret string

	cert *x509.Certificate
	key  crypto.PrivateKey
}

// toInternal returns the accesstokens representation of Credential.
func (c Credential) toInternal() (*accesstokens.Credential, error) {
	if c.secret != "" {
		return &accesstokens.Credential{Secret: c.secret}, nil
	}
	if c.cert != nil {
		if c.key == nil {
			return nil, errors.New("credential has a certificate but no private key")
		}
		return &accesstokens.Credential{Cert: c.cert, Key: c.key}, nil
	}
	return nil, errors.New("credential is empty")
}

// NewCredFromSecret creates a Credential from a secret.
func NewCredFromSecret(secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, errors.New("secret can't be empty string")
	}
	return Credential{secret: secret}, nil
}

// NewCredFromCert creates a Credential from a certificate and an RSA private key.
// The key must correspond to the certificate's public key; the signed client
// assertions built from the pair embed the certificate's thumbprint.
func NewCredFromCert(cert *x509.Certificate, key crypto.PrivateKey) (Credential, error) {
	if cert == nil {
		return Credential{}, errors.New("cert can't be nil")
	}
	if _, ok := key.(*rsa.PrivateKey); !ok {
		return Credential{}, errors.New("key must be an RSA private key")
	}
	return Credential{cert: cert, key: key}, nil
}

// CertFromPEM converts a PEM file (.pem or .key) for use with NewCredFromCert.
// The file must contain the public certificate and the private key. If a PEM
// block is encrypted it must use PKCS8 and the private key must be an RSA key.
func CertFromPEM(pemData []byte) (*x509.Certificate, crypto.PrivateKey, error) {
	var cert *x509.Certificate
	var priv crypto.PrivateKey
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if cert == nil {
				c, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, nil, err
				}
				cert = c
			}
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			priv = k
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			priv = k
		}
		pemData = rest
	}
	if cert == nil {
		return nil, nil, errors.New("no certificate found in PEM data")
	}
	if priv == nil {
		return nil, nil, errors.New("no private key found in PEM data")
	}
	return cert, priv, nil
}

// CertFromPKCS12 converts a PKCS#12 archive (.pfx or .p12) for use with
// NewCredFromCert. The archive must contain exactly one certificate and its RSA
// private key.
func CertFromPKCS12(pfxData []byte, password string) (*x509.Certificate, crypto.PrivateKey, error) {
	priv, cert, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := priv.(*rsa.PrivateKey); !ok {
		return nil, nil, errors.New("archive's private key is not an RSA key")
	}
	return cert, priv, nil
}

// clientOptions are optional settings to New(). These options are set using
// various functions returning Option calls.
type clientOptions struct {
	accessor   cache.Notifier
	httpClient ops.HTTPClient
	logger     logger.LoggerInterface
}

// Option is an optional argument to the New constructor.
type Option func(o *clientOptions)

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

// Client is a representation of authentication client for confidential
// applications.
type Client struct {
	base base.Client
	cred *accesstokens.Credential
}

// New is the constructor for Client. authority is a URL such as
// "https://login.omnidir.net/<your tenant>".
func New(authority, clientID string, cred Credential, options ...Option) (Client, error) {
	internalCred, err := cred.toInternal()
	if err != nil {
		return Client{}, err
	}

	opts := clientOptions{}
	for _, o := range options {
		o(&opts)
	}

	baseOpts := []base.Option{base.WithCacheAccessor(opts.accessor)}
	if opts.logger != nil {
		baseOpts = append(baseOpts, base.WithLogger(opts.logger))
	}
	internal, err := base.New(clientID, authority, opts.httpClient, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: internal, cred: internalCred}, nil
}

// acquireTokenSilentOptions are all the optional settings to an
// AcquireTokenSilent() call. These are set by using various
// AcquireSilentOption functions.
type acquireTokenSilentOptions struct {
	account      Account
	forceRefresh bool
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
// token endpoint.
func WithForceRefresh() AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.forceRefresh = true
	}
}

// AcquireTokenSilent acquires a token from the cache; on a miss, an app token
// request is made with the client's credential, or a refresh token exchange when
// a signed-in account is passed.
func (cca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	opts := acquireTokenSilentOptions{}
	for _, o := range options {
		o(&opts)
	}

	silentParameters := base.AcquireTokenSilentParameters{
		Scopes:       scopes,
		Account:      opts.account,
		ForceRefresh: opts.forceRefresh,
		RequestType:  accesstokens.ATConfidential,
		Credential:   cca.cred,
	}
	return cca.base.AcquireTokenSilent(ctx, silentParameters)
}

// AcquireTokenByCredential acquires a security token from the authority, using
// the client's own credential.
func (cca Client) AcquireTokenByCredential(ctx context.Context, scopes []string) (AuthResult, error) {
	return cca.base.AcquireTokenByCredential(ctx, cca.cred, scopes)
}

// AcquireTokenOnBehalfOf acquires a security token for an app using middle tier
// apps access token. Tokens are cached under the hash of the inbound assertion:
// a repeated call with the same assertion is answered from the cache.
func (cca Client) AcquireTokenOnBehalfOf(ctx context.Context, userAssertion string, scopes []string) (AuthResult, error) {
	return cca.base.AcquireTokenOnBehalfOf(ctx, userAssertion, cca.cred, scopes)
}

// AcquireTokenByRefreshToken acquires tokens from a refresh token the host
// obtained elsewhere. The resulting tokens are cached.
func (cca Client) AcquireTokenByRefreshToken(ctx context.Context, refreshToken string, scopes []string) (AuthResult, error) {
	return cca.base.AcquireTokenByRefreshToken(ctx, accesstokens.ATConfidential, cca.cred, scopes, refreshToken)
}

// Accounts gets all the accounts in the token cache.
// If there are no accounts in the cache the returned slice is empty.
func (cca Client) Accounts(ctx context.Context) []Account {
	return cca.base.Accounts(ctx)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (cca Client) RemoveAccount(ctx context.Context, account Account) {
	cca.base.RemoveAccount(ctx, account)
}
