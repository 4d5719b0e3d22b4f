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

package main

import (
	"io"

	"github.com/cheggaaa/pb"

	esreindex "github.com/elastic/go-esreindex"
)

// progressBar renders copy progress on a terminal. The bar is started by
// the first update, once the total is known.
type progressBar struct {
	out io.Writer
	bar *pb.ProgressBar
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out}
}

func (p *progressBar) update(progress esreindex.Progress) {
	if p.bar == nil {
		p.bar = pb.New64(progress.Total).Prefix("Copy ")
		p.bar.Output = p.out
		p.bar.ShowSpeed = true
		p.bar.Start()
	}
	p.bar.Set64(progress.Processed)
}

func (p *progressBar) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
