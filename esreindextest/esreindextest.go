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

// Package esreindextest provides an in-memory Elasticsearch for testing
// index copies. It implements the index, scroll, count and bulk endpoints
// used by esreindex, records every request and can inject failures.
package esreindextest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// Document is a stored document.
type Document struct {
	ID        string
	Type      string
	Source    json.RawMessage
	Timestamp json.RawMessage
}

// BulkItem is one decoded action of a bulk request.
type BulkItem struct {
	Action string
	Meta   map[string]json.RawMessage
	Source json.RawMessage
}

// Index configures an index added with Server.AddIndex.
type Index struct {
	// Shards holds the number of primary shards. Zero means 1.
	Shards int
	// Mappings holds the mapping of each document type.
	Mappings map[string]any
	// FlatMappings reports mappings as {"type": ..} instead of wrapping
	// them in a "mappings" object.
	FlatMappings bool
	// Settings replaces the default settings entry reported for the index.
	Settings map[string]any
}

type index struct {
	Index
	docs []Document
	ids  map[string]int
}

type scroll struct {
	docs     []Document
	offset   int
	pageSize int
}

type request struct {
	name  string
	query url.Values
}

type failure struct {
	method string
	path   string
	status int
	n      int
}

// Server is an in-memory Elasticsearch. It is safe for concurrent use.
type Server struct {
	// URL holds the base URL of the server.
	URL string

	// HitsTotalObject reports hits.total as {"value": n}, as servers since
	// 7.0 do.
	HitsTotalObject bool

	// DisableScan rejects search_type=scan, as servers since 5.0 do.
	DisableScan bool

	// ZeroShards reports _shards.total as 0 in count responses.
	ZeroShards bool

	mu         sync.Mutex
	indices    map[string]*index
	scrolls    map[string]*scroll
	nextScroll int
	requests   []request
	failures   []*failure
}

// NewServer starts a Server, closed via t.Cleanup.
func NewServer(t testing.TB) *Server {
	s := &Server{
		indices: make(map[string]*index),
		scrolls: make(map[string]*scroll),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{index}/_status", s.handleStatus)
	mux.HandleFunc("DELETE /{index}", s.handleDelete)
	mux.HandleFunc("GET /{index}/_settings", s.handleSettings)
	mux.HandleFunc("POST /{index}", s.handleCreate)
	mux.HandleFunc("GET /{index}/_mapping", s.handleGetMapping)
	mux.HandleFunc("PUT /{index}/{type}/_mapping", s.handlePutMapping)
	mux.HandleFunc("GET /{index}/_count", s.handleCount)
	mux.HandleFunc("GET /{index}/_search", s.handleSearch)
	mux.HandleFunc("GET /_search/scroll", s.handleScroll)
	mux.HandleFunc("DELETE /_search/scroll", s.handleClearScroll)
	mux.HandleFunc("POST /_bulk", s.handleBulk)

	srv := httptest.NewServer(s.intercept(mux))
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// AddIndex creates an index. It replaces any index of the same name.
func (s *Server) AddIndex(name string, cfg Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[name] = newIndex(cfg)
}

// AddDocuments stores docs in the named index, creating it if needed.
func (s *Server) AddDocuments(name string, docs ...Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(name)
	for _, doc := range docs {
		idx.put(doc)
	}
}

// HasIndex reports whether the named index exists.
func (s *Server) HasIndex(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[name]
	return ok
}

// Documents returns the documents of the named index in insertion order.
func (s *Server) Documents(name string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[name]
	if !ok {
		return nil
	}
	return slices.Clone(idx.docs)
}

// Settings returns the settings entry the named index was created with.
func (s *Server) Settings(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indices[name]; ok {
		return idx.Settings
	}
	return nil
}

// Mappings returns the per type mappings of the named index.
func (s *Server) Mappings(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indices[name]; ok {
		return idx.Mappings
	}
	return nil
}

// OpenScrolls returns the number of scroll cursors not cleared yet.
func (s *Server) OpenScrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scrolls)
}

// Requests returns every request received so far as "METHOD /path".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.requests))
	for i, r := range s.requests {
		names[i] = r.name
	}
	return names
}

// Queries returns the query parameters of every request which matched
// "METHOD /path", in arrival order.
func (s *Server) Queries(req string) []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queries []url.Values
	for _, r := range s.requests {
		if r.name == req {
			queries = append(queries, r.query)
		}
	}
	return queries
}

// RequestCount returns how many requests matched "METHOD /path".
func (s *Server) RequestCount(request string) int {
	var n int
	for _, r := range s.Requests() {
		if r == request {
			n++
		}
	}
	return n
}

// FailNext makes the next n requests for method and path fail with status.
func (s *Server) FailNext(method, path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, path: path, status: status, n: n})
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		s.mu.Lock()
		s.requests = append(s.requests, request{name: r.Method + " " + r.URL.Path, query: r.URL.Query()})
		for _, f := range s.failures {
			if f.n > 0 && f.method == r.Method && f.path == r.URL.Path {
				f.n--
				s.mu.Unlock()
				writeError(w, f.status, "injected_failure", "injected failure")
				return
			}
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	if _, ok := s.indices[name]; !ok {
		writeMissing(w, name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indices": map[string]any{name: map[string]any{}}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	if _, ok := s.indices[name]; !ok {
		writeMissing(w, name)
		return
	}
	delete(s.indices, name)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	idx, ok := s.indices[name]
	if !ok {
		writeMissing(w, name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{name: idx.Settings})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	for _, key := range []string{"index.version.created", "index.uuid"} {
		if hasSetting(settings, key) {
			writeError(w, http.StatusBadRequest, "illegal_argument_exception",
				fmt.Sprintf("unknown setting [%s]", key))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	if _, ok := s.indices[name]; ok {
		writeError(w, http.StatusBadRequest, "index_already_exists_exception",
			fmt.Sprintf("index [%s] already exists", name))
		return
	}
	idx := newIndex(Index{Settings: settings})
	if n, err := strconv.Atoi(fmt.Sprint(lookupSetting(settings, "index.number_of_shards"))); err == nil {
		idx.Shards = n
	}
	s.indices[name] = idx
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	idx, ok := s.indices[name]
	if !ok {
		writeMissing(w, name)
		return
	}
	var entry any = map[string]any{"mappings": idx.Mappings}
	if idx.FlatMappings {
		entry = idx.Mappings
	}
	writeJSON(w, http.StatusOK, map[string]any{name: entry})
}

func (s *Server) handlePutMapping(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name, typ := r.PathValue("index"), r.PathValue("type")
	idx, ok := s.indices[name]
	if !ok {
		writeMissing(w, name)
		return
	}
	mapping, ok := body[typ]
	if !ok {
		writeError(w, http.StatusBadRequest, "mapper_parsing_exception",
			fmt.Sprintf("root type mapping not named [%s]", typ))
		return
	}
	idx.Mappings[typ] = mapping
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	idx, ok := s.indices[name]
	if !ok {
		writeMissing(w, name)
		return
	}
	shards := idx.Shards
	if s.ZeroShards {
		shards = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(idx.docs),
		"_shards": map[string]any{
			"total":      shards,
			"successful": shards,
			"failed":     0,
		},
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 {
		size = 10
	}
	scan := q.Get("search_type") == "scan"
	if scan && s.DisableScan {
		writeError(w, http.StatusBadRequest, "illegal_argument_exception",
			"No search type for [scan]")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("index")
	idx, ok := s.indices[name]
	if !ok {
		writeMissing(w, name)
		return
	}
	sc := &scroll{docs: slices.Clone(idx.docs), pageSize: size}
	var hits []Document
	if scan {
		sc.pageSize = size * idx.Shards
	} else {
		hits = sc.next()
	}
	s.writeHits(w, name, s.openScroll(sc), len(sc.docs), hits)
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.URL.Query().Get("scroll_id")
	sc, ok := s.scrolls[id]
	if !ok {
		writeError(w, http.StatusNotFound, "search_context_missing_exception",
			fmt.Sprintf("No search context found for id [%s]", id))
		return
	}
	delete(s.scrolls, id)
	hits := sc.next()
	s.writeHits(w, "", s.openScroll(sc), len(sc.docs), hits)
}

func (s *Server) handleClearScroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScrollID []string `json:"scroll_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed int
	for _, id := range body.ScrollID {
		if _, ok := s.scrolls[id]; ok {
			delete(s.scrolls, id)
			freed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"succeeded": true, "num_freed": freed})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	items, err := DecodeBulkRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	docs := make([]Document, len(items))
	names := make([]string, len(items))
	for i, item := range items {
		if err := decodeMeta(item, &names[i], &docs[i]); err != nil {
			writeError(w, http.StatusBadRequest, "action_request_validation_exception", err.Error())
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res esutil.BulkIndexerResponse
	for i, item := range items {
		name, doc := names[i], docs[i]
		idx := s.index(name)
		result := esutil.BulkIndexerResponseItem{Index: name, DocumentID: doc.ID}
		_, exists := idx.ids[doc.key()]
		switch {
		case item.Action == "create" && exists:
			result.Status = http.StatusConflict
			result.Error.Type = "version_conflict_engine_exception"
			result.Error.Reason = fmt.Sprintf("[%s][%s]: version conflict, document already exists", doc.Type, doc.ID)
		case item.Action == "create" || item.Action == "index":
			result.Status = http.StatusCreated
			if exists {
				result.Status = http.StatusOK
			}
			idx.put(doc)
		default:
			result.Status = http.StatusBadRequest
			result.Error.Type = "action_request_validation_exception"
			result.Error.Reason = "unsupported action " + item.Action
		}
		if result.Status >= 300 {
			res.HasErrors = true
		}
		res.Items = append(res.Items, map[string]esutil.BulkIndexerResponseItem{item.Action: result})
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeMeta(item BulkItem, name *string, doc *Document) error {
	if err := json.Unmarshal(item.Meta["_index"], name); err != nil || *name == "" {
		return fmt.Errorf("invalid _index in %s meta", item.Action)
	}
	if err := json.Unmarshal(item.Meta["_id"], &doc.ID); err != nil || doc.ID == "" {
		return fmt.Errorf("invalid _id in %s meta", item.Action)
	}
	if raw, ok := item.Meta["_type"]; ok {
		if err := json.Unmarshal(raw, &doc.Type); err != nil {
			return fmt.Errorf("invalid _type in %s meta", item.Action)
		}
	}
	doc.Timestamp = item.Meta["_timestamp"]
	doc.Source = item.Source
	return nil
}

func (s *Server) openScroll(sc *scroll) string {
	s.nextScroll++
	id := "scroll-" + strconv.Itoa(s.nextScroll)
	s.scrolls[id] = sc
	return id
}

func (s *Server) writeHits(w http.ResponseWriter, name, scrollID string, total int, docs []Document) {
	hits := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		hit := map[string]any{"_index": name, "_id": doc.ID, "_source": doc.Source}
		if doc.Type != "" {
			hit["_type"] = doc.Type
		}
		if len(doc.Timestamp) > 0 {
			hit["_timestamp"] = doc.Timestamp
		}
		hits = append(hits, hit)
	}
	var totalValue any = total
	if s.HitsTotalObject {
		totalValue = map[string]any{"value": total, "relation": "eq"}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_scroll_id": scrollID,
		"hits": map[string]any{
			"total": totalValue,
			"hits":  hits,
		},
	})
}

// index returns the named index, creating it the way servers do on the
// first write.
func (s *Server) index(name string) *index {
	idx, ok := s.indices[name]
	if !ok {
		idx = newIndex(Index{})
		s.indices[name] = idx
	}
	return idx
}

func newIndex(cfg Index) *index {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Mappings == nil {
		cfg.Mappings = make(map[string]any)
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]any{
			"settings": map[string]any{
				"index": map[string]any{
					"number_of_shards":   strconv.Itoa(cfg.Shards),
					"number_of_replicas": "1",
					"uuid":               "n2ZeW8XbRYqJ1n7BZ4lG0A",
					"version":            map[string]any{"created": "1070599"},
				},
			},
		}
	}
	return &index{Index: cfg, ids: make(map[string]int)}
}

func (idx *index) put(doc Document) {
	if i, ok := idx.ids[doc.key()]; ok {
		idx.docs[i] = doc
		return
	}
	idx.ids[doc.key()] = len(idx.docs)
	idx.docs = append(idx.docs, doc)
}

func (d Document) key() string {
	return d.Type + "/" + d.ID
}

func (sc *scroll) next() []Document {
	end := min(len(sc.docs), sc.offset+sc.pageSize)
	page := sc.docs[sc.offset:end]
	sc.offset = end
	return page
}

// lookupSetting finds a dotted setting key in a settings entry, flat or
// nested, at the top level or below "settings".
func lookupSetting(entry map[string]any, key string) any {
	candidates := []map[string]any{entry}
	if nested, ok := entry["settings"].(map[string]any); ok {
		candidates = append(candidates, nested)
	}
	for _, m := range candidates {
		if v, ok := m[key]; ok {
			return v
		}
		var cur any = m
		for _, part := range strings.Split(key, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = obj[part]
		}
		if cur != nil {
			return cur
		}
	}
	return nil
}

func hasSetting(entry map[string]any, key string) bool {
	return lookupSetting(entry, key) != nil
}

func writeMissing(w http.ResponseWriter, name string) {
	writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  map[string]any{"type": typ, "reason": reason},
		"status": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// DecodeBulkRequest decodes a /_bulk request's body into its actions.
func DecodeBulkRequest(r *http.Request) ([]BulkItem, error) {
	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		body = gz
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var items []BulkItem
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var action map[string]map[string]json.RawMessage
		if err := json.Unmarshal(line, &action); err != nil {
			return nil, fmt.Errorf("invalid action %s: %w", line, err)
		}
		if len(action) != 1 {
			return nil, fmt.Errorf("expected a single action, got %s", line)
		}
		var item BulkItem
		for item.Action, item.Meta = range action {
		}
		if !scanner.Scan() {
			return nil, fmt.Errorf("expected source after %s", line)
		}
		item.Source = append(json.RawMessage{}, scanner.Bytes()...)
		if !json.Valid(item.Source) {
			return nil, fmt.Errorf("invalid JSON: %s", item.Source)
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends
// requests to s.
func NewMockElasticsearchClient(t testing.TB, s *Server) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{s.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}
