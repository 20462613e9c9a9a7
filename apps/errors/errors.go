// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package errors defines the error types the library surfaces to callers. Callers
// are expected to distinguish error kinds with errors.As()/the Is* helpers, not by
// matching message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{
	IncludeUnexported: false,
	SkipZeroFields:    true,
	TrackCycles:       true,
	Formatter: map[reflect.Type]any{
		reflect.TypeOf([]byte(nil)): func(b []byte) string {
			if len(b) > 1024 {
				return fmt.Sprintf("%s...(truncated %d bytes)", b[:1024], len(b)-1024)
			}
			return string(b)
		},
	},
}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	build := strings.Builder{}
	for {
		if err == nil {
			break
		}
		if v, ok := err.(verboser); ok {
			build.WriteString(v.Verbose())
		} else {
			build.WriteString(err.Error())
		}
		err = errors.Unwrap(err)
	}
	return build.String()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req *http.Request
	// Resp contains response body
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Verbose prints a verbose error message with the request and response.
func (e CallErr) Verbose() string {
	e.Resp.Request = nil // This brings in a bunch of TLS stuff we don't need
	e.Resp.TLS = nil     // Same
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// Is reports whether any error in errors chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in errors chain that matches target,
// and if so, sets target to that error value and returns true.
// Otherwise, it returns false.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// InvalidArgumentError indicates a malformed query (empty scope set, missing client
// id, ...) that was rejected before any cache or network access.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Reason)
}

// AmbiguousMatchError indicates that more than one cached credential matched a query
// and no authority was available to disambiguate. It is never resolved by picking a
// candidate: handing out a token for the wrong authority is the failure mode the
// cache design exists to prevent.
type AmbiguousMatchError struct {
	ClientID string
	Scopes   []string
	// Authorities holds the distinct environment/realm pairs the candidates spanned.
	Authorities []string
}

func (e AmbiguousMatchError) Error() string {
	return fmt.Sprintf(
		"multiple cached tokens for client %q match scopes %v across authorities %v; supply an authority to disambiguate",
		e.ClientID, e.Scopes, e.Authorities,
	)
}

// InteractionRequiredError indicates that no usable access or refresh token exists in
// either cache generation. The caller must run an interactive or device flow, which
// is outside this library's scope.
type InteractionRequiredError struct {
	Reason string
}

func (e InteractionRequiredError) Error() string {
	if e.Reason == "" {
		return "no cached token material is available; user interaction is required"
	}
	return "user interaction is required: " + e.Reason
}

// RefreshFailedError indicates the identity service rejected a refresh token
// exchange. It carries the service's error code and description. The cache is left
// in the state it had before the attempt.
type RefreshFailedError struct {
	OAuthError       string
	SubError         string
	ErrorDescription string
	// Err is the underlying transport or service error, usually a CallErr.
	Err error
}

func (e RefreshFailedError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("refresh token exchange rejected: %s(%s): %s", e.OAuthError, e.SubError, e.ErrorDescription)
	}
	return fmt.Sprintf("refresh token exchange failed: %v", e.Err)
}

func (e RefreshFailedError) Unwrap() error {
	return e.Err
}

// DiscoveryDegradedError indicates instance discovery failed and the authority
// host is being treated as its own only alias. It is absorbed internally (logged,
// never returned to callers): matching still behaves correctly, just without
// cross-host equivalence.
type DiscoveryDegradedError struct {
	Host string
	Err  error
}

func (e DiscoveryDegradedError) Error() string {
	return fmt.Sprintf("instance discovery for %q degraded to the host itself: %v", e.Host, e.Err)
}

func (e DiscoveryDegradedError) Unwrap() error {
	return e.Err
}

// IsInvalidArgument reports whether err is an InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	var target InvalidArgumentError
	return errors.As(err, &target)
}

// IsAmbiguousMatch reports whether err is an AmbiguousMatchError.
func IsAmbiguousMatch(err error) bool {
	var target AmbiguousMatchError
	return errors.As(err, &target)
}

// IsInteractionRequired reports whether err indicates the caller must fall back to
// an interactive flow. A RefreshFailedError is not interaction required: retrying
// silently may still be meaningful for transient service errors.
func IsInteractionRequired(err error) bool {
	var target InteractionRequiredError
	return errors.As(err, &target)
}

// IsRefreshFailed reports whether err is a RefreshFailedError.
func IsRefreshFailed(err error) bool {
	var target RefreshFailedError
	return errors.As(err, &target)
}
