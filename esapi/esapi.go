// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package esapi contains a stripped down request type for issuing raw
// Elasticsearch API calls against any transport exposing Perform.
//
// The typed requests of go-elasticsearch cannot express the legacy endpoints
// used for index copies (_status, scan searches, typed mappings), so requests
// are described by method, path and query parameters only.
package esapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transport defines the interface for an API client.
type Transport interface {
	Perform(*http.Request) (*http.Response, error)
}

// Request describes a single Elasticsearch API call.
type Request struct {
	Method string
	// Path is relative to the transport base URL, e.g. "/logs/_count".
	Path   string
	Params url.Values
	Header http.Header

	// Body is copied into a fresh reader on each Do, so a Request may be
	// performed any number of times.
	Body []byte
}

// URL returns the path and encoded query of the request.
func (r Request) URL() *url.URL {
	u := &url.URL{Path: r.Path}
	if len(r.Params) > 0 {
		u.RawQuery = r.Params.Encode()
	}
	return u
}

// String returns the method and URL of the request, for logging.
func (r Request) String() string {
	return r.Method + " " + r.URL().String()
}

// Do executes the request using the transport.
func (r Request) Do(ctx context.Context, transport Transport) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL().String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if r.Body != nil {
		req.ContentLength = int64(len(r.Body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	return transport.Perform(req)
}

// FormatDuration converts duration to a string in the format
// accepted by Elasticsearch, preferring the largest whole unit.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return strconv.FormatInt(int64(d), 10) + "nanos"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatInt(int64(d)/int64(time.Millisecond), 10) + "ms"
}
