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
	"errors"
	"fmt"
	"strings"
)

// DefaultURL is the endpoint used for locations given as a bare index name.
const DefaultURL = "http://127.0.0.1:9200"

// ErrInvalidLocation is returned for locations without an index name.
var ErrInvalidLocation = errors.New("invalid index location")

// Location identifies an index on a cluster.
type Location struct {
	BaseURL string
	Index   string
}

// ParseLocation parses "[url/]index". Everything up to the last slash is the
// base URL, the rest is the index name. Without a slash, or with nothing
// before it, DefaultURL is used.
func ParseLocation(raw string) (Location, error) {
	loc := Location{Index: raw}
	if i := strings.LastIndexByte(raw, '/'); i >= 0 {
		loc.BaseURL = strings.TrimRight(raw[:i], "/")
		loc.Index = raw[i+1:]
	}
	if loc.BaseURL == "" {
		loc.BaseURL = DefaultURL
	}
	if loc.Index == "" {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidLocation, raw)
	}
	return loc, nil
}

// String returns the location in "url/index" form.
func (l Location) String() string {
	return l.BaseURL + "/" + l.Index
}

func (l Location) path(elems ...string) string {
	return "/" + strings.Join(append([]string{l.Index}, elems...), "/")
}
