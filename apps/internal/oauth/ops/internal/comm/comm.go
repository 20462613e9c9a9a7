// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package comm provides HTTP plumbing for the REST calls the library makes. All
// requests flow through here so that headers, error capture and decoding stay in
// one place.
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/omnidirectory/authentication-library-for-go/apps/errors"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/shared"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// Client provides JSON and URL-form encoded calls to endpoints.
type Client struct {
	client HTTPClient
}

// New returns a new Client object. A nil httpClient uses the shared default.
func New(httpClient HTTPClient) *Client {
	if httpClient == nil {
		return &Client{client: shared.DefaultClient}
	}
	return &Client{client: httpClient}
}

// JSONCall makes a request to the endpoint with a JSON response. If body is non-nil
// it is sent as a JSON request body. resp must be a pointer to a struct.
func (c *Client) JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp any) error {
	if qv == nil {
		qv = url.Values{}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}
	u.RawQuery = qv.Encode()

	addStdHeaders(headers)
	headers.Set("Accept", "application/json; charset=utf-8")

	var req *http.Request
	if body != nil {
		headers.Set("Content-Type", "application/json; charset=utf-8")
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bug: conn.JSONCall(): could not marshal the body object: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
		if err != nil {
			return err
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
	}
	req.Header = headers

	data, err := c.do(req)
	if err != nil {
		return err
	}

	if resp != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("json decode error: %w\nraw message was: %s", err, string(data))
		}
	}
	return nil
}

// URLFormCall makes an "application/x-www-form-urlencoded" POST to the endpoint
// with a JSON response. qv holds the form values; resp must be a pointer to a
// struct.
func (c *Client) URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp any) error {
	if len(qv) == 0 {
		return fmt.Errorf("URLFormCall() requires qv to have non-zero length")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}

	headers := http.Header{}
	addStdHeaders(headers)
	headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	headers.Set("Accept", "application/json; charset=utf-8")

	enc := qv.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(enc))
	if err != nil {
		return err
	}
	req.Header = headers
	req.ContentLength = int64(len(enc))

	data, err := c.do(req)
	if err != nil {
		return err
	}

	if resp != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("json decode error: %w\nraw message was: %s", err, string(data))
		}
	}
	return nil
}

// do makes the HTTP call and returns the raw body. A non-2xx status is returned as
// an errors.CallErr that retains the request and response for verbose rendering.
func (c *Client) do(req *http.Request) ([]byte, error) {
	reply, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server response error:\n%w", err)
	}
	defer reply.Body.Close()

	data, err := io.ReadAll(reply.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read the body of an HTTP Response: %w", err)
	}
	reply.Body = io.NopCloser(bytes.NewReader(data))

	// NOTE: This doesn't happen immediately after the call so that we can get an
	// error message from the server and include it in our error.
	switch reply.StatusCode {
	case 200, 201:
	default:
		sd := strings.TrimSpace(string(data))
		if sd != "" {
			// We probably have the error in the body.
			return nil, errors.CallErr{
				Req:  req,
				Resp: reply,
				Err:  fmt.Errorf("http call(%s)(%s) error: reply status code was %d:\n%s", req.URL.String(), req.Method, reply.StatusCode, sd),
			}
		}
		return nil, errors.CallErr{
			Req:  req,
			Resp: reply,
			Err:  fmt.Errorf("http call(%s)(%s) error: reply status code was %d", req.URL.String(), req.Method, reply.StatusCode),
		}
	}

	return data, nil
}

func addStdHeaders(headers http.Header) {
	headers.Set("x-client-sku", "ODAL.Go")
	headers.Set("x-client-os", runtime.GOOS)
	if headers.Get("client-request-id") == "" {
		headers.Set("client-request-id", uuid.New().String())
	}
	headers.Set("x-client-cpu", strconv.Itoa(strconv.IntSize))
}
