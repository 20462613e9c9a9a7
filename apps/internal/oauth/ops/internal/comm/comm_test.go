// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

package comm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
)

type fakeHTTP struct {
	gotReq *http.Request
	code   int
	body   string
}

func (f *fakeHTTP) Do(req *http.Request) (*http.Response, error) {
	f.gotReq = req
	code := f.code
	if code == 0 {
		code = http.StatusOK
	}
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(f.body))),
	}, nil
}

func (*fakeHTTP) CloseIdleConnections() {}

func TestURLFormCall(t *testing.T) {
	fake := &fakeHTTP{body: `{"value": "ok"}`}
	client := New(fake)

	qv := url.Values{}
	qv.Set("grant_type", "refresh_token")
	var resp struct {
		Value string `json:"value"`
	}
	if err := client.URLFormCall(context.Background(), "https://login.omnidir.net/contoso/oauth2/token", qv, &resp); err != nil {
		t.Fatalf("TestURLFormCall: got err == %v, want err == nil", err)
	}
	if resp.Value != "ok" {
		t.Errorf("TestURLFormCall: got %q", resp.Value)
	}
	if got := fake.gotReq.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded; charset=utf-8" {
		t.Errorf("TestURLFormCall: got Content-Type %q", got)
	}
	for _, header := range []string{"x-client-sku", "x-client-os", "client-request-id", "x-client-cpu"} {
		if fake.gotReq.Header.Get(header) == "" {
			t.Errorf("TestURLFormCall: standard header %q not set", header)
		}
	}

	if err := client.URLFormCall(context.Background(), "https://login.omnidir.net/token", url.Values{}, &resp); err == nil {
		t.Errorf("TestURLFormCall: got err == nil for empty form values")
	}
}

func TestDoErrorRetainsResponse(t *testing.T) {
	fake := &fakeHTTP{code: http.StatusBadRequest, body: `{"error": "invalid_grant"}`}
	client := New(fake)

	qv := url.Values{}
	qv.Set("grant_type", "refresh_token")
	err := client.URLFormCall(context.Background(), "https://login.omnidir.net/contoso/oauth2/token", qv, nil)
	if err == nil {
		t.Fatalf("TestDoErrorRetainsResponse: got err == nil for a 400 response")
	}
	var callErr errors.CallErr
	if !errors.As(err, &callErr) {
		t.Fatalf("TestDoErrorRetainsResponse: got %T, want errors.CallErr", err)
	}
	// The body must be re-readable by error handlers downstream.
	body, readErr := io.ReadAll(callErr.Resp.Body)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(body) != `{"error": "invalid_grant"}` {
		t.Errorf("TestDoErrorRetainsResponse: got body %q", body)
	}
}

func TestJSONCall(t *testing.T) {
	fake := &fakeHTTP{body: `{"value": "ok"}`}
	client := New(fake)

	var resp struct {
		Value string `json:"value"`
	}
	qv := url.Values{}
	qv.Set("api-version", "1.1")
	if err := client.JSONCall(context.Background(), "https://login.omnidir.net/common/discovery/instance", http.Header{}, qv, nil, &resp); err != nil {
		t.Fatalf("TestJSONCall: got err == %v, want err == nil", err)
	}
	if resp.Value != "ok" {
		t.Errorf("TestJSONCall: got %q", resp.Value)
	}
	if fake.gotReq.Method != http.MethodGet {
		t.Errorf("TestJSONCall: got method %q, want GET for a body-less call", fake.gotReq.Method)
	}
	if got := fake.gotReq.URL.Query().Get("api-version"); got != "1.1" {
		t.Errorf("TestJSONCall: got api-version %q", got)
	}
}
