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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elastic/go-esreindex/esapi"
)

// ErrScrollExpired is returned when the source no longer knows the scroll
// cursor, typically because it was idle for longer than the keep-alive.
var ErrScrollExpired = errors.New("scroll cursor expired")

// Progress describes how far a document copy has come.
type Progress struct {
	Processed int64
	Total     int64
	Percent   float64
	Elapsed   time.Duration
	// ETA holds the estimated completion time. It is zero until the first
	// batch has been written.
	ETA time.Time
}

// CopyStats holds the outcome of a document copy.
type CopyStats struct {
	// Total holds the number of hits reported when the cursor was opened.
	Total int64
	// Processed holds the number of documents read and submitted.
	Processed int64
	// Indexed holds the number of documents written to the destination.
	Indexed int64
	// Skipped holds the number of documents rejected by create because the
	// destination already had them.
	Skipped int64
	// Failed holds the number of documents the destination rejected.
	Failed       int64
	BulkRequests int64
	Elapsed      time.Duration
}

type hitsTotal int64

// UnmarshalJSON accepts both the plain number of older servers and the
// {"value": n} object of newer ones.
func (t *hitsTotal) UnmarshalJSON(data []byte) error {
	var n int64
	if err := jsonAPI.Unmarshal(data, &n); err == nil {
		*t = hitsTotal(n)
		return nil
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := jsonAPI.Unmarshal(data, &obj); err != nil {
		return err
	}
	*t = hitsTotal(obj.Value)
	return nil
}

type searchHit struct {
	ID        string          `json:"_id"`
	Type      string          `json:"_type"`
	Source    json.RawMessage `json:"_source"`
	Timestamp json.RawMessage `json:"_timestamp"`
	TTL       json.RawMessage `json:"_ttl"`
}

type scrollResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total hitsTotal   `json:"total"`
		Hits  []searchHit `json:"hits"`
	} `json:"hits"`
}

type countResponse struct {
	Count  int64 `json:"count"`
	Shards struct {
		Total int `json:"total"`
	} `json:"_shards"`
}

// scanCursor is the server side iteration state of one copy. The token is
// replaced by every fetch and must never be used by two fetches at once.
type scanCursor struct {
	token     string
	total     int64
	processed int64
	startedAt time.Time
}

func (c *scanCursor) progress(now time.Time) Progress {
	p := Progress{
		Processed: c.processed,
		Total:     c.total,
		Elapsed:   now.Sub(c.startedAt),
	}
	if c.total > 0 {
		p.Percent = min(100, 100*float64(c.processed)/float64(c.total))
	}
	if c.processed > 0 {
		eta := float64(p.Elapsed) * float64(c.total) / float64(c.processed)
		p.ETA = c.startedAt.Add(time.Duration(eta))
	}
	return p
}

// CopyDocuments streams all documents of src into dst through a scroll
// cursor, one bulk request per fetched batch. onProgress, if not nil, is
// called after each batch.
//
// Documents the destination rejects are counted in the returned stats but
// do not stop the copy; any request failure does.
func (r *Reindexer) CopyDocuments(
	ctx context.Context,
	src, dst Location,
	opts Options,
	onProgress func(Progress),
) (CopyStats, error) {
	var stats CopyStats
	logger := r.logger(ctx, "pipeline")
	source, err := r.Transport(src.BaseURL)
	if err != nil {
		return stats, err
	}
	dest, err := r.Transport(dst.BaseURL)
	if err != nil {
		return stats, err
	}
	writer, err := newBulkWriter(r.config.CompressionLevel)
	if err != nil {
		return stats, err
	}

	logger.Info(fmt.Sprintf("Copying '%s' to '%s'...", redactURL(src.String()), redactURL(dst.String())))

	shards, err := r.shardCount(ctx, source, src)
	if err != nil {
		return stats, err
	}
	cursor, batch, err := r.openScroll(ctx, source, src, opts.batchSize(), shards)
	if err != nil {
		return stats, err
	}
	defer r.clearScroll(ctx, source, cursor, logger)
	stats.Total = cursor.total
	logger.Info(fmt.Sprintf("Copy progress: 0/%s (0.0%%) done.", humanize.Comma(cursor.total)),
		zap.Int("shards", shards),
	)

	action := ActionCreate
	if opts.UpdateExisting {
		action = ActionIndex
	}
	p := &pipeline{
		reindexer: r,
		dest:      dest,
		index:     dst.Index,
		action:    action,
		writer:    writer,
		logger:    logger,
		stats:     &stats,
	}
	for {
		if len(batch) > 0 {
			if err := p.submit(ctx, batch); err != nil {
				return stats, err
			}
			cursor.processed += int64(len(batch))
			stats.Processed = cursor.processed
			r.metrics.docsProcessed.Add(context.Background(), int64(len(batch)),
				metric.WithAttributeSet(r.config.MetricAttributes),
			)

			progress := cursor.progress(time.Now())
			logger.Info(fmt.Sprintf("Copy progress: %s/%s (%.1f%%) done in %s, E.T.A.: %s.",
				humanize.Comma(progress.Processed), humanize.Comma(progress.Total), progress.Percent,
				formatElapsed(progress.Elapsed), progress.ETA.Format(time.DateTime),
			),
				zap.Int64("processed", progress.Processed),
				zap.Int64("total", progress.Total),
				zap.Duration("elapsed", progress.Elapsed),
				zap.Time("eta", progress.ETA),
			)
			if onProgress != nil {
				onProgress(progress)
			}
		}

		next, err := r.scroll(ctx, source, cursor.token)
		if err != nil {
			return stats, err
		}
		if next.ScrollID != "" {
			cursor.token = next.ScrollID
		}
		if len(next.Hits.Hits) == 0 {
			break
		}
		batch = next.Hits.Hits
	}

	stats.Elapsed = time.Since(cursor.startedAt)
	logger.Info(fmt.Sprintf("Copy progress: %s/%s done in %s.",
		humanize.Comma(stats.Processed), humanize.Comma(stats.Total), formatElapsed(stats.Elapsed),
	),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed", stats.Failed),
	)
	return stats, nil
}

func (r *Reindexer) shardCount(ctx context.Context, t *Transport, src Location) (int, error) {
	var res countResponse
	found, err := t.DoJSON(ctx, countRequest(src), &res)
	if err != nil {
		return 0, fmt.Errorf("failed to count source documents: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrSourceMissing, redactURL(src.String()))
	}
	return max(1, res.Shards.Total), nil
}

// openScroll opens the cursor. With a scan search the size applies per
// shard and the response holds no documents; a plain scroll returns the
// first batch right away.
func (r *Reindexer) openScroll(
	ctx context.Context,
	t *Transport,
	src Location,
	batchSize, shards int,
) (*scanCursor, []searchHit, error) {
	params := url.Values{"scroll": {esapi.FormatDuration(r.config.ScrollKeepAlive)}}
	if r.config.PlainScroll {
		params.Set("size", strconv.Itoa(batchSize))
		params.Set("sort", "_doc")
	} else {
		params.Set("search_type", "scan")
		params.Set("size", strconv.Itoa(max(1, batchSize/max(1, shards))))
	}

	var res scrollResponse
	found, err := t.DoJSON(ctx, esapi.Request{
		Method: http.MethodGet,
		Path:   src.path("_search"),
		Params: params,
	}, &res)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open scroll: %w", err)
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s", ErrSourceMissing, redactURL(src.String()))
	}
	if res.ScrollID == "" {
		return nil, nil, errors.New("failed to open scroll: no scroll id in response")
	}
	cursor := &scanCursor{
		token:     res.ScrollID,
		total:     int64(res.Hits.Total),
		startedAt: time.Now(),
	}
	return cursor, res.Hits.Hits, nil
}

func (r *Reindexer) scroll(ctx context.Context, t *Transport, token string) (scrollResponse, error) {
	var res scrollResponse
	found, err := t.DoJSON(ctx, esapi.Request{
		Method: http.MethodGet,
		Path:   "/_search/scroll",
		Params: url.Values{
			"scroll":    {esapi.FormatDuration(r.config.ScrollKeepAlive)},
			"scroll_id": {token},
		},
	}, &res)
	if err != nil {
		return res, fmt.Errorf("failed to fetch next batch: %w", err)
	}
	if !found {
		return res, ErrScrollExpired
	}
	return res, nil
}

// clearScroll releases the cursor on the source. Failures are only logged,
// the server drops the cursor once its keep-alive elapses anyway.
func (r *Reindexer) clearScroll(ctx context.Context, t *Transport, cursor *scanCursor, logger *zap.Logger) {
	body, err := jsonAPI.Marshal(map[string][]string{"scroll_id": {cursor.token}})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := t.Do(ctx, esapi.Request{
		Method: http.MethodDelete,
		Path:   "/_search/scroll",
		Body:   body,
	}); err != nil {
		logger.Warn("failed to clear scroll", zap.Error(err))
	}
}

type pipeline struct {
	reindexer *Reindexer
	dest      *Transport
	index     string
	action    string
	writer    *bulkWriter
	logger    *zap.Logger
	stats     *CopyStats
}

// submit writes one batch with a single bulk request. The request is
// retried as a whole by the transport.
func (p *pipeline) submit(ctx context.Context, batch []searchHit) error {
	r := p.reindexer
	ctx, span := r.tracer.Start(ctx, "esreindex.bulk", trace.WithAttributes(
		attribute.Int("documents", len(batch)),
	))
	defer span.End()

	p.writer.Reset()
	for _, hit := range batch {
		if err := p.writer.Add(newBulkRecord(hit, p.index, p.action)); err != nil {
			return err
		}
	}
	req, err := p.writer.Request()
	if err != nil {
		return err
	}

	attrs := metric.WithAttributeSet(r.config.MetricAttributes)
	start := time.Now()
	var res esutil.BulkIndexerResponse
	found, err := p.dest.DoJSON(ctx, req, &res)
	r.metrics.bulkDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
	if err == nil && !found {
		err = errors.New("bulk endpoint not found")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk request failed")
		return fmt.Errorf("bulk request failed: %w", err)
	}
	r.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	r.metrics.bulkBytes.Add(context.Background(), int64(len(req.Body)), attrs)
	p.stats.BulkRequests++

	p.tally(res)
	span.SetStatus(codes.Ok, "")
	return nil
}

type failureKey struct {
	errorType string
	reason    string
}

// tally accounts the per document results of a bulk response.
func (p *pipeline) tally(res esutil.BulkIndexerResponse) {
	var indexed, skipped, failedClient, failedServer int64
	var failures map[failureKey]int
	for _, item := range res.Items {
		for action, info := range item {
			switch {
			case info.Status >= 200 && info.Status < 300:
				indexed++
			case info.Status == http.StatusConflict && action == ActionCreate:
				skipped++
			default:
				if info.Status >= 500 {
					failedServer++
				} else {
					failedClient++
				}
				if failures == nil {
					failures = make(map[failureKey]int)
				}
				failures[failureKey{errorType: info.Error.Type, reason: info.Error.Reason}]++
			}
		}
	}
	for key, count := range failures {
		p.logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			p.index, key.errorType, key.reason,
		), zap.Int("documents", count))
	}
	p.logger.Debug("bulk request completed",
		zap.Int64("docs_indexed", indexed),
		zap.Int64("docs_skipped", skipped),
		zap.Int64("docs_failed", failedClient+failedServer),
	)

	p.stats.Indexed += indexed
	p.stats.Skipped += skipped
	p.stats.Failed += failedClient + failedServer

	r := p.reindexer
	for status, n := range map[string]int64{
		"Success":      indexed,
		"Conflict":     skipped,
		"FailedClient": failedClient,
		"FailedServer": failedServer,
	} {
		if n == 0 {
			continue
		}
		r.metrics.docsIndexed.Add(context.Background(), n,
			metric.WithAttributeSet(r.config.MetricAttributes),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// formatElapsed renders d as "[N days, ]H:MM:SS".
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := (d - m*time.Minute) / time.Second
	out := fmt.Sprintf("%d:%02d:%02d", h, m, s)
	if days > 0 {
		out = fmt.Sprintf("%d days, %s", days, out)
	}
	return out
}

func countRequest(loc Location) esapi.Request {
	return esapi.Request{
		Method: http.MethodGet,
		Path:   loc.path("_count"),
		Params: url.Values{"q": {"*"}},
	}
}
