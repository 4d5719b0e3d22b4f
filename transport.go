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

package esreindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/elastic/go-esreindex/esapi"
)

// jsonAPI decodes responses. Numbers are kept as json.Number so settings
// round trip unchanged.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Response holds the status and body of a completed request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Found reports whether the requested resource exists.
func (r *Response) Found() bool {
	return r != nil && r.StatusCode != http.StatusNotFound
}

// BadRequestError is returned when Elasticsearch rejects a request as
// malformed. Such requests are never retried.
type BadRequestError struct {
	Request    string
	StatusCode int
	Body       []byte
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("%s: bad request (%d): %s", e.Request, e.StatusCode, e.Body)
}

// RetriesExhaustedError is returned when a request kept failing with
// transient errors until the retry budget ran out.
type RetriesExhaustedError struct {
	Request  string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v", e.Request, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

type errorStatus struct {
	statusCode int
	body       []byte
}

func (e errorStatus) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.statusCode, e.body)
}

// Transport executes requests against one cluster, classifying failures:
// missing resources are reported through Response.Found, bad requests fail
// immediately and everything else is retried with exponential backoff.
//
// Transport is safe for concurrent use.
type Transport struct {
	client  esapi.Transport
	logger  *zap.Logger
	retry   RetryConfig
	metrics *metrics
	attrs   metric.MeasurementOption
}

func newTransport(baseURL string, client esapi.Transport, cfg Config, ms *metrics) *Transport {
	return &Transport{
		client:  client,
		logger:  cfg.Logger.Named("transport").With(zap.String("url", redactURL(baseURL))),
		retry:   cfg.Retry,
		metrics: ms,
		attrs: metric.WithAttributeSet(attribute.NewSet(append(
			cfg.MetricAttributes.ToSlice(),
			attribute.String("url", redactURL(baseURL)),
		)...)),
	}
}

// Do performs req, retrying transient failures.
func (t *Transport) Do(ctx context.Context, req esapi.Request) (*Response, error) {
	return t.do(ctx, req, nil)
}

// DoJSON performs req and decodes the response body into v, which must be a
// non-nil pointer. A body which cannot be decoded is treated as a transient
// failure; v is reset before each attempt. It returns false when the
// resource does not exist.
func (t *Transport) DoJSON(ctx context.Context, req esapi.Request, v any) (bool, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false, fmt.Errorf("cannot decode into non-pointer %T", v)
	}
	res, err := t.do(ctx, req, func(body []byte) error {
		rv.Elem().SetZero()
		return jsonAPI.Unmarshal(body, v)
	})
	if err != nil {
		return false, err
	}
	return res.Found(), nil
}

func (t *Transport) do(ctx context.Context, req esapi.Request, decode func([]byte) error) (*Response, error) {
	var (
		attempts int
		res      *Response
	)
	operation := func() error {
		attempts++
		r, err := t.perform(ctx, req)
		if err != nil {
			var badRequest *BadRequestError
			if errors.As(err, &badRequest) {
				t.logger.Error("request failed",
					zap.String("request", req.String()),
					zap.Int("status", badRequest.StatusCode),
					zap.ByteString("response", badRequest.Body),
				)
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if decode != nil && r.Found() {
			if err := decode(r.Body); err != nil {
				return fmt.Errorf("error decoding response: %w", err)
			}
		}
		res = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		t.metrics.requestsRetried.Add(context.Background(), 1, t.attrs)
		t.logger.Warn("retrying request",
			zap.String("request", req.String()),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, t.newBackOff(ctx), notify)
	if err == nil {
		return res, nil
	}
	var badRequest *BadRequestError
	switch {
	case errors.As(err, &badRequest):
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%s: %w", req.String(), ctx.Err())
	}
	t.logger.Error("giving up on request",
		zap.String("request", req.String()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return nil, &RetriesExhaustedError{Request: req.String(), Attempts: attempts, Err: err}
}

func (t *Transport) perform(ctx context.Context, req esapi.Request) (*Response, error) {
	res, err := req.Do(ctx, t.client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read the response: %w", err)
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		t.logger.Debug("resource not found", zap.String("request", req.String()))
	case res.StatusCode == http.StatusBadRequest:
		return nil, &BadRequestError{Request: req.String(), StatusCode: res.StatusCode, Body: body}
	case res.StatusCode < 200 || res.StatusCode > 299:
		return nil, errorStatus{statusCode: res.StatusCode, body: body}
	}
	return &Response{StatusCode: res.StatusCode, Body: body}, nil
}

func (t *Transport) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.retry.InitialInterval
	eb.MaxInterval = t.retry.MaxInterval
	eb.Multiplier = t.retry.Multiplier
	eb.RandomizationFactor = t.retry.RandomizationFactor
	eb.MaxElapsedTime = t.retry.MaxElapsedTime
	eb.Reset()

	var b backoff.BackOff = eb
	if t.retry.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, t.retry.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// newElasticTransport returns a single node elastictransport.Client for
// baseURL. Credentials embedded in the URL are used for basic auth.
func newElasticTransport(baseURL string) (elastictransport.Interface, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster URL: %w", err)
	}
	return elastictransport.New(elastictransport.Config{
		URLs:         []*url.URL{u},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
}

// redactURL removes credentials from a URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
