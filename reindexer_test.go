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

package esreindex_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	esreindex "github.com/elastic/go-esreindex"
	"github.com/elastic/go-esreindex/esreindextest"
)

// newTestReindexer returns a Reindexer with short retry and poll intervals.
func newTestReindexer(t testing.TB, cfg esreindex.Config) *esreindex.Reindexer {
	t.Helper()
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 5 * time.Millisecond
	}
	if cfg.Retry.MaxElapsedTime == 0 {
		cfg.Retry.MaxElapsedTime = 5 * time.Second
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Millisecond
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	r, err := esreindex.New(cfg)
	require.NoError(t, err)
	return r
}

func addLogs(srv *esreindextest.Server, n int) {
	srv.AddIndex("logs", esreindextest.Index{
		Shards: 2,
		Mappings: map[string]any{
			"event": map[string]any{"properties": map[string]any{"message": map[string]any{"type": "string"}}},
		},
	})
	for i := 1; i <= n; i++ {
		srv.AddDocuments("logs", esreindextest.Document{
			ID:     fmt.Sprint(i),
			Type:   "event",
			Source: []byte(fmt.Sprintf(`{"message":"event %d"}`, i)),
		})
	}
}

func TestCopy(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 3)

	var progress []esreindex.Progress
	r := newTestReindexer(t, esreindex.Config{
		OnProgress: func(p esreindex.Progress) { progress = append(progress, p) },
	})
	res, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/logs_v2", esreindex.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, esreindex.Location{BaseURL: srv.URL, Index: "logs_v2"}, res.Destination)
	assert.Equal(t, esreindex.CheckResult{Source: 3, Destination: 3, Equal: true}, res.Check)
	assert.EqualValues(t, 3, res.Copy.Total)
	assert.EqualValues(t, 3, res.Copy.Processed)
	assert.EqualValues(t, 3, res.Copy.Indexed)

	assert.Equal(t, srv.Documents("logs"), srv.Documents("logs_v2"))
	assert.Contains(t, srv.Mappings("logs_v2"), "event")
	require.NotEmpty(t, progress)
	assert.EqualValues(t, 3, progress[len(progress)-1].Processed)
	assert.Zero(t, srv.OpenScrolls())
}

func TestCopyPhaseOrder(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 1)

	r := newTestReindexer(t, esreindex.Config{})
	_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{})
	require.NoError(t, err)

	var phases []string
	for _, req := range srv.Requests() {
		switch {
		case strings.HasSuffix(req, "/_mapping") && strings.HasPrefix(req, "PUT"):
			phases = append(phases, "schema")
		case req == "POST /_bulk":
			phases = append(phases, "documents")
		case req == "GET /copy/_count":
			phases = append(phases, "check")
		}
	}
	assert.Equal(t, []string{"schema", "documents", "check"}, phases)
}

func TestCopyInvalidLocation(t *testing.T) {
	r := newTestReindexer(t, esreindex.Config{})
	_, err := r.Copy(context.Background(), "http://es1:9200/", "logs", esreindex.Options{})
	assert.ErrorIs(t, err, esreindex.ErrInvalidLocation)
}

func TestCopyMissingSource(t *testing.T) {
	srv := esreindextest.NewServer(t)
	r := newTestReindexer(t, esreindex.Config{})
	assert.False(t, r.Run(context.Background(), srv.URL+"/missing", srv.URL+"/copy", esreindex.Options{}))
	assert.False(t, srv.HasIndex("copy"))
	assert.Zero(t, srv.RequestCount("POST /_bulk"))
}

func TestCopyConfirm(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 2)

	var asked int
	r := newTestReindexer(t, esreindex.Config{
		Confirm: func(ctx context.Context) error {
			asked++
			return errors.New("declined")
		},
	})
	_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{Interactive: true})
	assert.ErrorIs(t, err, esreindex.ErrAborted)
	assert.Equal(t, 1, asked)
	assert.Empty(t, srv.Requests())

	// Non interactive copies do not ask.
	_, err = r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, asked)
}

func TestCopyBanner(t *testing.T) {
	for name, tc := range map[string]struct {
		opts   esreindex.Options
		suffix string
	}{
		"default": {suffix: "/copy'."},
		"remove":  {opts: esreindex.Options{RemoveDestination: true, UpdateExisting: true}, suffix: " with rewriting destination mapping!"},
		"update":  {opts: esreindex.Options{UpdateExisting: true}, suffix: " with updating existing documents!"},
	} {
		t.Run(name, func(t *testing.T) {
			srv := esreindextest.NewServer(t)
			addLogs(srv, 1)
			core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.InfoLevel))
			r := newTestReindexer(t, esreindex.Config{Logger: zap.New(core)})
			_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", tc.opts)
			require.NoError(t, err)

			entries := observed.Filter(func(e observer.LoggedEntry) bool {
				return e.LoggerName == "reindexer"
			}).All()
			require.NotEmpty(t, entries)
			assert.True(t, strings.HasSuffix(entries[0].Message, tc.suffix), entries[0].Message)
		})
	}
}

func TestRunCountMismatch(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 2)
	// The destination already holds an extra document, counts never agree.
	srv.AddIndex("copy", esreindextest.Index{})
	srv.AddDocuments("copy", esreindextest.Document{ID: "extra", Type: "event", Source: []byte(`{}`)})

	r := newTestReindexer(t, esreindex.Config{CheckTimeout: 100 * time.Millisecond})
	res, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, esreindex.CheckResult{Source: 2, Destination: 3}, res.Check)

	assert.False(t, r.Run(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{}))
}

func TestCopyMetrics(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 5)
	srv.AddIndex("copy", esreindextest.Index{})
	srv.AddDocuments("copy", esreindextest.Document{ID: "1", Type: "event", Source: []byte(`{}`)})
	srv.FailNext(http.MethodPost, "/_bulk", http.StatusServiceUnavailable, 1)

	rdr := sdkmetric.NewManualReader(sdkmetric.WithTemporalitySelector(
		func(ik sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		},
	))
	r := newTestReindexer(t, esreindex.Config{
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attribute.NewSet(attribute.String("a", "b")),
		CheckTimeout:     50 * time.Millisecond,
	})
	_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{BatchSize: 2})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))

	sums := make(map[string]map[string]int64)
	var latencyCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch d := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range d.DataPoints {
					status, _ := dp.Attributes.Value("status")
					if sums[m.Name] == nil {
						sums[m.Name] = make(map[string]int64)
					}
					sums[m.Name][status.AsString()] += dp.Value
					if m.Name != "esreindex.requests.retried" {
						a, ok := dp.Attributes.Value("a")
						assert.True(t, ok)
						assert.Equal(t, "b", a.AsString())
					}
				}
			case metricdata.Histogram[float64]:
				for _, dp := range d.DataPoints {
					latencyCount += dp.Count
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{"": 5}, sums["esreindex.docs.processed"])
	assert.Equal(t, map[string]int64{"Success": 4, "Conflict": 1}, sums["esreindex.docs.indexed"])
	assert.Equal(t, map[string]int64{"": 3}, sums["esreindex.bulk_requests.count"])
	assert.Equal(t, map[string]int64{"": 1}, sums["esreindex.requests.retried"])
	assert.Contains(t, sums, "esreindex.bulk.bytes")
	assert.EqualValues(t, 3, latencyCount)
}

func TestCopyTracing(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 3)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	r := newTestReindexer(t, esreindex.Config{TracerProvider: tp})
	_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{BatchSize: 2})
	require.NoError(t, err)

	names := make(map[string]int)
	for _, span := range exp.GetSpans() {
		names[span.Name]++
		assert.Equal(t, codes.Ok, span.Status.Code, span.Name)
	}
	assert.Equal(t, map[string]int{
		"esreindex.schema":    1,
		"esreindex.documents": 1,
		"esreindex.check":     1,
		"esreindex.bulk":      2,
	}, names)
}

func TestCopyTracingFailure(t *testing.T) {
	srv := esreindextest.NewServer(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	r := newTestReindexer(t, esreindex.Config{TracerProvider: tp})
	_, err := r.Copy(context.Background(), srv.URL+"/missing", srv.URL+"/copy", esreindex.Options{})
	require.ErrorIs(t, err, esreindex.ErrSourceMissing)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "esreindex.schema", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestCopyAPMTransaction(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 2)

	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	r := newTestReindexer(t, esreindex.Config{Tracer: tracer.Tracer, TracerProvider: tp})
	_, err := r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{})
	require.NoError(t, err)

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	tx := payloads.Transactions[0]
	assert.Equal(t, "esreindex.copy", tx.Name)
	assert.Equal(t, "success", tx.Result)
	assert.NotEmpty(t, payloads.Spans)

	for _, span := range exp.GetSpans() {
		if span.Name == "esreindex.bulk" {
			continue
		}
		require.Len(t, span.Links, 1, span.Name)
		assert.Equal(t, [16]byte(tx.TraceID), [16]byte(span.Links[0].SpanContext.TraceID()))
	}
}

func TestStdinConfirm(t *testing.T) {
	var out strings.Builder
	confirm := esreindex.StdinConfirm(strings.NewReader("\n"), &out)
	assert.NoError(t, confirm(context.Background()))
	assert.Equal(t, "Confirm or hit Ctrl-c to abort...\n", out.String())

	confirm = esreindex.StdinConfirm(strings.NewReader("yes"), io.Discard)
	assert.NoError(t, confirm(context.Background()))

	confirm = esreindex.StdinConfirm(strings.NewReader(""), io.Discard)
	assert.ErrorIs(t, confirm(context.Background()), io.EOF)

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	confirm = esreindex.StdinConfirm(pr, io.Discard)
	assert.ErrorIs(t, confirm(ctx), context.Canceled)
}

func TestCopyConfirmDefaultsToStdin(t *testing.T) {
	srv := esreindextest.NewServer(t)
	addLogs(srv, 1)

	stdin, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer stdin.Close()
	orig := os.Stdin
	os.Stdin = stdin
	defer func() { os.Stdin = orig }()

	// Nothing is read from the closed stdin, so the copy is aborted.
	r := newTestReindexer(t, esreindex.Config{})
	_, err = r.Copy(context.Background(), srv.URL+"/logs", srv.URL+"/copy", esreindex.Options{Interactive: true})
	assert.ErrorIs(t, err, esreindex.ErrAborted)
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, srv.Requests())
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := esreindex.New(esreindex.Config{CompressionLevel: 10})
	assert.ErrorContains(t, err, "CompressionLevel")
	_, err = esreindex.New(esreindex.Config{Retry: esreindex.RetryConfig{RandomizationFactor: 2}})
	assert.ErrorContains(t, err, "RandomizationFactor")
}
