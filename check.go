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
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckResult holds the last document counts observed by CheckCounts.
type CheckResult struct {
	Source      int64
	Destination int64
	Equal       bool
}

// CheckCounts polls the document counts of src and dst until they are equal
// or timeout elapses. Counts converge once the destination refreshed, so a
// mismatch is only reported after timeout. If timeout is zero or less,
// Config.CheckTimeout is used.
//
// Running out of time is not an error: the result has Equal set to false.
func (r *Reindexer) CheckCounts(ctx context.Context, src, dst Location, timeout time.Duration) (CheckResult, error) {
	if timeout <= 0 {
		timeout = r.config.CheckTimeout
	}
	logger := r.logger(ctx, "check")
	source, err := r.Transport(src.BaseURL)
	if err != nil {
		return CheckResult{}, err
	}
	dest, err := r.Transport(dst.BaseURL)
	if err != nil {
		return CheckResult{}, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := CheckResult{Source: 1, Destination: 0}
	for {
		var srcCount, dstCount int64
		g, gctx := errgroup.WithContext(pollCtx)
		g.Go(func() (err error) {
			srcCount, err = documentCount(gctx, source, src)
			return err
		})
		g.Go(func() (err error) {
			dstCount, err = documentCount(gctx, dest, dst)
			return err
		})
		err := g.Wait()
		if err == nil {
			res.Source, res.Destination = srcCount, dstCount
			if res.Source == res.Destination {
				break
			}
			logger.Debug("document counts differ",
				zap.Int64("source", res.Source),
				zap.Int64("destination", res.Destination),
			)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("failed to count documents: %w", err)
		}
		if pollCtx.Err() != nil {
			break
		}
		select {
		case <-pollCtx.Done():
		case <-time.After(r.config.CheckInterval):
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		break
	}

	res.Equal = res.Source == res.Destination
	verdict := "NOT EQUAL"
	if res.Equal {
		verdict = "equal"
	}
	logger.Info(fmt.Sprintf("Document count: %s == %s (%s)",
		humanize.Comma(res.Source), humanize.Comma(res.Destination), verdict,
	))
	return res, nil
}

// documentCount returns the number of documents in loc, 0 if the index does
// not exist.
func documentCount(ctx context.Context, t *Transport, loc Location) (int64, error) {
	var res countResponse
	found, err := t.DoJSON(ctx, countRequest(loc), &res)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return res.Count, nil
}
