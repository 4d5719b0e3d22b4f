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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-esreindex"
)

func TestParseLocation(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want esreindex.Location
	}{
		{raw: "logs", want: esreindex.Location{BaseURL: esreindex.DefaultURL, Index: "logs"}},
		{raw: "http://es1:9200/logs", want: esreindex.Location{BaseURL: "http://es1:9200", Index: "logs"}},
		{raw: "es1/logs", want: esreindex.Location{BaseURL: "es1", Index: "logs"}},
		{raw: "https://u:p@es1:9200/prefix/logs-2024", want: esreindex.Location{BaseURL: "https://u:p@es1:9200/prefix", Index: "logs-2024"}},
		{raw: "http://es1:9200//logs", want: esreindex.Location{BaseURL: "http://es1:9200", Index: "logs"}},
		{raw: "/logs", want: esreindex.Location{BaseURL: esreindex.DefaultURL, Index: "logs"}},
		{raw: "//logs", want: esreindex.Location{BaseURL: esreindex.DefaultURL, Index: "logs"}},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			loc, err := esreindex.ParseLocation(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, loc)
		})
	}
}

func TestParseLocationInvalid(t *testing.T) {
	for _, raw := range []string{"", "http://es1:9200/", "/", "//"} {
		_, err := esreindex.ParseLocation(raw)
		assert.ErrorIs(t, err, esreindex.ErrInvalidLocation, raw)
	}
}

func TestLocationString(t *testing.T) {
	loc, err := esreindex.ParseLocation("logs")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9200/logs", loc.String())
}
