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
	"fmt"
	"os"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of documents requested per scroll fetch
// when Options.BatchSize is not set.
const DefaultBatchSize = 1000

// Options holds the settings of a single copy.
type Options struct {
	// RemoveDestination deletes the destination index first, so that it is
	// recreated with the source settings and mappings.
	RemoveDestination bool

	// UpdateExisting overwrites documents already present in the
	// destination. By default only missing documents are created.
	UpdateExisting bool

	// BatchSize holds the number of documents fetched per scroll request,
	// spread evenly across the source shards.
	//
	// If BatchSize is zero or less, DefaultBatchSize is used.
	BatchSize int

	// Interactive asks Config.Confirm before anything is changed.
	Interactive bool
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// Config holds configuration for Reindexer.
type Config struct {
	// Logger holds an optional Logger to use for logging progress,
	// retries and failures.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. When set, each copy is traced
	// as a transaction and the Elasticsearch requests as its spans.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider used to create
	// a span per copy phase and per bulk request.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record copy metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// CompressionLevel holds the gzip compression level applied to bulk
	// request bodies, from 0 (gzip.NoCompression) to 9 (gzip.BestCompression).
	// The special value -1 (gzip.DefaultCompression) selects the default
	// compression level.
	CompressionLevel int

	// PlainScroll uses a scroll sorted by _doc instead of a scan search.
	// Required for servers which no longer support search_type=scan.
	PlainScroll bool

	// ScrollKeepAlive holds how long the source keeps the scroll cursor
	// alive between two fetches.
	//
	// If ScrollKeepAlive is zero, the default of 10 minutes will be used.
	ScrollKeepAlive time.Duration

	// CheckInterval holds the delay between two document count polls.
	//
	// If CheckInterval is zero, the default of 1 second will be used.
	CheckInterval time.Duration

	// CheckTimeout holds how long document counts are polled before the
	// copy is reported as not converged.
	//
	// If CheckTimeout is zero, the default of 60 seconds will be used.
	CheckTimeout time.Duration

	// Retry configures the backoff applied to transient request failures.
	Retry RetryConfig

	// NewTransport creates the transport for a cluster base URL.
	//
	// If NewTransport is nil, an elastictransport.Client with client side
	// retries disabled is used.
	NewTransport func(baseURL string) (elastictransport.Interface, error)

	// OnProgress, if not nil, is called by Copy after each written batch.
	OnProgress func(Progress)

	// Confirm is called before an interactive copy starts. A non-nil error
	// aborts the copy.
	//
	// If Confirm is nil, StdinConfirm on os.Stdin and os.Stdout is used.
	Confirm ConfirmFunc
}

// RetryConfig holds the exponential backoff settings for transient failures.
type RetryConfig struct {
	// InitialInterval holds the delay before the first retry.
	//
	// If InitialInterval is zero, the default of 500ms will be used.
	InitialInterval time.Duration

	// MaxInterval caps the delay between two attempts.
	//
	// If MaxInterval is zero, the default of 30 seconds will be used.
	MaxInterval time.Duration

	// Multiplier holds the growth factor of the delay.
	//
	// If Multiplier is zero, the default of 2 will be used.
	Multiplier float64

	// RandomizationFactor holds the jitter applied to each delay, in [0,1].
	//
	// If RandomizationFactor is zero, the default of 0.5 will be used.
	RandomizationFactor float64

	// MaxElapsedTime holds how long a single request is retried before
	// giving up with a RetriesExhaustedError.
	//
	// If MaxElapsedTime is zero, the default of 15 minutes will be used.
	MaxElapsedTime time.Duration

	// MaxRetries limits the number of retries of a single request.
	//
	// If MaxRetries is zero, only MaxElapsedTime applies.
	MaxRetries uint64
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ScrollKeepAlive <= 0 {
		cfg.ScrollKeepAlive = 10 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 60 * time.Second
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 30 * time.Second
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.RandomizationFactor <= 0 {
		cfg.Retry.RandomizationFactor = 0.5
	}
	if cfg.Retry.MaxElapsedTime <= 0 {
		cfg.Retry.MaxElapsedTime = 15 * time.Minute
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = newElasticTransport
	}
	if cfg.Confirm == nil {
		cfg.Confirm = StdinConfirm(os.Stdin, os.Stdout)
	}
	return cfg
}

// Validate checks that the configuration is usable.
func (cfg Config) Validate() error {
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	if cfg.Retry.RandomizationFactor < 0 || cfg.Retry.RandomizationFactor > 1 {
		return fmt.Errorf(
			"expected Retry.RandomizationFactor in range [0,1], got %g",
			cfg.Retry.RandomizationFactor,
		)
	}
	return nil
}
