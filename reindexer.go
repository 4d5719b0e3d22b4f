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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrAborted is returned when the copy was not confirmed.
var ErrAborted = errors.New("copy aborted")

// ConfirmFunc asks whether an interactive copy may proceed. A non-nil error
// aborts the copy.
type ConfirmFunc func(ctx context.Context) error

// Result holds the outcome of Copy.
type Result struct {
	Source      Location
	Destination Location
	Copy        CopyStats
	Check       CheckResult
}

// Success reports whether the destination ended up with as many documents
// as the source.
func (r Result) Success() bool {
	return r.Check.Equal
}

// Reindexer copies an index, with its settings, mappings and documents, from
// one cluster to another.
//
// Reindexer is safe for concurrent use, each Copy owns its scroll cursor.
type Reindexer struct {
	config  Config
	metrics *metrics
	// tracer is an OTel tracer, and should not be confused with `config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer

	mu         sync.Mutex
	transports map[string]*Transport
}

// New returns a new Reindexer with the given configuration.
func New(cfg Config) (*Reindexer, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Reindexer{
		config:     cfg,
		metrics:    ms,
		tracer:     tp.Tracer("github.com/elastic/go-esreindex"),
		transports: make(map[string]*Transport),
	}, nil
}

// Transport returns the Transport for the cluster at baseURL, creating it
// on first use.
func (r *Reindexer) Transport(baseURL string) (*Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transports[baseURL]; ok {
		return t, nil
	}
	client, err := r.config.NewTransport(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", redactURL(baseURL), err)
	}
	t := newTransport(baseURL, client, r.config, r.metrics)
	r.transports[baseURL] = t
	return t, nil
}

func (r *Reindexer) logger(ctx context.Context, name string) *zap.Logger {
	return r.config.Logger.Named(name).With(apmzap.TraceContext(ctx)...)
}

// Copy copies the index at src into dst. Both are "[url/]index" locations.
//
// The destination schema is replicated first, then the documents are copied
// and finally the document counts are compared. The first failing step ends
// the copy. A copy which ran to the end but whose counts did not converge
// returns a nil error and a Result for which Success is false.
func (r *Reindexer) Copy(ctx context.Context, src, dst string, opts Options) (Result, error) {
	var res Result
	var err error
	if res.Source, err = ParseLocation(src); err != nil {
		return res, err
	}
	if res.Destination, err = ParseLocation(dst); err != nil {
		return res, err
	}

	var link *linkedTraceContext
	if r.apmTracingEnabled() {
		tx := r.config.Tracer.StartTransaction("esreindex.copy", "reindex")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		link = newLinkedTraceContextFromAPM(tx.TraceContext())
		defer func() {
			if err != nil {
				apm.CaptureError(ctx, err).Send()
				tx.Result = "failure"
			} else {
				tx.Result = "success"
			}
		}()
	}
	logger := r.logger(ctx, "reindexer")

	suffix := "."
	switch {
	case opts.RemoveDestination:
		suffix = " with rewriting destination mapping!"
	case opts.UpdateExisting:
		suffix = " with updating existing documents!"
	}
	logger.Info(fmt.Sprintf("Copying '%s' to '%s'%s",
		redactURL(res.Source.String()), redactURL(res.Destination.String()), suffix,
	))

	if opts.Interactive {
		if cerr := r.config.Confirm(ctx); cerr != nil {
			err = fmt.Errorf("%w: %w", ErrAborted, cerr)
			return res, err
		}
	}

	err = r.phase(ctx, "esreindex.schema", link, func(ctx context.Context) error {
		return r.ReplicateSchema(ctx, res.Source, res.Destination, opts)
	})
	if err != nil {
		return res, err
	}
	err = r.phase(ctx, "esreindex.documents", link, func(ctx context.Context) (err error) {
		res.Copy, err = r.CopyDocuments(ctx, res.Source, res.Destination, opts, r.config.OnProgress)
		return err
	})
	if err != nil {
		return res, err
	}
	err = r.phase(ctx, "esreindex.check", link, func(ctx context.Context) (err error) {
		res.Check, err = r.CheckCounts(ctx, res.Source, res.Destination, r.config.CheckTimeout)
		return err
	})
	return res, err
}

// Run is like Copy, but logs any failure and reports success as a bool.
func (r *Reindexer) Run(ctx context.Context, src, dst string, opts Options) bool {
	res, err := r.Copy(ctx, src, dst, opts)
	if err != nil {
		r.config.Logger.Error("copy failed", zap.Error(err))
		return false
	}
	return res.Success()
}

// phase runs fn within an OTel span.
func (r *Reindexer) phase(
	ctx context.Context,
	name string,
	link *linkedTraceContext,
	fn func(context.Context) error,
) error {
	spanOpts := []trace.SpanStartOption{
		trace.WithAttributes(semconv.DBSystemElasticsearch),
	}
	if link != nil {
		spanOpts = append(spanOpts, trace.WithLinks(link.OTELLink()))
	}
	ctx, span := r.tracer.Start(ctx, name, spanOpts...)
	defer span.End()
	if err := fn(ctx); err != nil {
		if span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *Reindexer) apmTracingEnabled() bool {
	return r.config.Tracer != nil && r.config.Tracer.Recording()
}

// StdinConfirm returns a ConfirmFunc which prints a prompt to w and waits for
// one line on r. Any line, even an empty one, confirms. A read error, end of
// input or a cancelled context aborts.
func StdinConfirm(r io.Reader, w io.Writer) ConfirmFunc {
	return func(ctx context.Context) error {
		fmt.Fprint(w, "Confirm or hit Ctrl-c to abort...\n")
		done := make(chan error, 1)
		go func() {
			line, err := bufio.NewReader(r).ReadString('\n')
			if errors.Is(err, io.EOF) && line != "" {
				err = nil
			}
			done <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil {
				return fmt.Errorf("no confirmation: %w", err)
			}
			return nil
		}
	}
}
