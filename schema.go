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
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/elastic/go-esreindex/esapi"
)

var (
	// ErrSourceMissing is returned when the source index does not exist.
	ErrSourceMissing = errors.New("source index not found")

	// ErrCreateIndex is returned when the destination index could not be
	// created.
	ErrCreateIndex = errors.New("failed to create destination index")
)

// MappingError is returned when the mapping of a document type could not be
// applied to the destination. Types applied before it are left in place.
type MappingError struct {
	Type string
	Err  error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("copying mapping %q failed: %v", e.Type, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// SchemaSnapshot holds the settings and per type mappings read from the
// source index.
type SchemaSnapshot struct {
	// Index holds the source index name as reported by the server, which
	// differs from the requested name when an alias was used.
	Index    string
	Settings map[string]any
	Mappings map[string]json.RawMessage
}

// Types returns the mapped document types in name order.
func (s SchemaSnapshot) Types() []string {
	types := make([]string, 0, len(s.Mappings))
	for typ := range s.Mappings {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

// strippedSettings lists the settings a server reports but rejects when an
// index is created with them.
var strippedSettings = []string{
	"index.version.created",
	"index.uuid",
	"index.creation_date",
	"index.provided_name",
}

// ReplicateSchema creates dst with the settings and mappings of src, unless
// dst exists already. With opts.RemoveDestination an existing dst is deleted
// first.
func (r *Reindexer) ReplicateSchema(ctx context.Context, src, dst Location, opts Options) error {
	logger := r.logger(ctx, "schema")
	source, err := r.Transport(src.BaseURL)
	if err != nil {
		return err
	}
	dest, err := r.Transport(dst.BaseURL)
	if err != nil {
		return err
	}

	exists, err := indexExists(ctx, dest, dst)
	if err != nil {
		return err
	}
	if exists && opts.RemoveDestination {
		logger.Info(fmt.Sprintf("Deleting '%s' index...", redactURL(dst.String())))
		if _, err := dest.Do(ctx, esapi.Request{Method: http.MethodDelete, Path: dst.path()}); err != nil {
			return fmt.Errorf("failed to delete destination index: %w", err)
		}
		if exists, err = indexExists(ctx, dest, dst); err != nil {
			return err
		}
	}
	if exists {
		logger.Info(fmt.Sprintf("Index '%s' exists, keeping its settings and mappings.", redactURL(dst.String())))
		return nil
	}

	snapshot, err := r.snapshotSchema(ctx, source, src)
	if err != nil {
		return err
	}

	logger.Info(fmt.Sprintf("Creating '%s' index with settings from '%s/%s'...",
		redactURL(dst.String()), redactURL(src.BaseURL), snapshot.Index,
	))
	body, err := jsonAPI.Marshal(snapshot.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if _, err := dest.Do(ctx, esapi.Request{
		Method: http.MethodPost,
		Path:   dst.path(),
		Body:   body,
	}); err != nil {
		logger.Error(fmt.Sprintf("Failed to create '%s' index!", redactURL(dst.String())), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrCreateIndex, err)
	}

	for _, typ := range snapshot.Types() {
		logger.Info(fmt.Sprintf("Copying mapping '%s/%s'...", redactURL(dst.String()), typ))
		body, err := jsonAPI.Marshal(map[string]json.RawMessage{typ: snapshot.Mappings[typ]})
		if err == nil {
			_, err = dest.Do(ctx, esapi.Request{
				Method: http.MethodPut,
				Path:   dst.path(typ, "_mapping"),
				Body:   body,
			})
		}
		if err != nil {
			logger.Error(fmt.Sprintf("Copying mapping '%s/%s' failed!", redactURL(dst.String()), typ), zap.Error(err))
			return &MappingError{Type: typ, Err: err}
		}
		logger.Info(fmt.Sprintf("Copying mapping '%s/%s' OK.", redactURL(dst.String()), typ))
	}
	return nil
}

// snapshotSchema reads the settings and mappings of src. Both are fetched
// before anything is created so a missing source leaves the destination
// untouched.
func (r *Reindexer) snapshotSchema(ctx context.Context, t *Transport, src Location) (SchemaSnapshot, error) {
	var snapshot SchemaSnapshot

	var settings map[string]json.RawMessage
	found, err := t.DoJSON(ctx, esapi.Request{Method: http.MethodGet, Path: src.path("_settings")}, &settings)
	if err != nil {
		return snapshot, fmt.Errorf("failed to obtain source settings: %w", err)
	}
	if !found || len(settings) == 0 {
		return snapshot, fmt.Errorf("%w: %s", ErrSourceMissing, redactURL(src.String()))
	}
	snapshot.Index = indexEntry(settings, src.Index)
	if err := jsonAPI.Unmarshal(settings[snapshot.Index], &snapshot.Settings); err != nil {
		return snapshot, fmt.Errorf("failed to decode source settings: %w", err)
	}
	stripSettings(snapshot.Settings)

	var mappings map[string]json.RawMessage
	found, err = t.DoJSON(ctx, esapi.Request{Method: http.MethodGet, Path: src.path("_mapping")}, &mappings)
	if err != nil {
		return snapshot, fmt.Errorf("failed to obtain source mappings: %w", err)
	}
	if !found || len(mappings) == 0 {
		return snapshot, fmt.Errorf("%w: %s", ErrSourceMissing, redactURL(src.String()))
	}
	entry := mappings[indexEntry(mappings, snapshot.Index)]
	var envelope struct {
		Mappings map[string]json.RawMessage `json:"mappings"`
	}
	if err := jsonAPI.Unmarshal(entry, &envelope); err == nil && envelope.Mappings != nil {
		snapshot.Mappings = envelope.Mappings
	} else if err := jsonAPI.Unmarshal(entry, &snapshot.Mappings); err != nil {
		return snapshot, fmt.Errorf("failed to decode source mappings: %w", err)
	}
	return snapshot, nil
}

// indexEntry picks the entry of a per index response: the one named index
// if present, otherwise the first by name.
func indexEntry(entries map[string]json.RawMessage, index string) string {
	if _, ok := entries[index]; ok {
		return index
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys[0]
}

// stripSettings removes strippedSettings from an index settings entry, both
// in flat ("index.uuid") and nested ({"index":{"uuid"}}) form, at the top
// level or below "settings".
func stripSettings(entry map[string]any) {
	targets := []map[string]any{entry}
	if nested, ok := entry["settings"].(map[string]any); ok {
		targets = append(targets, nested)
	}
	for _, m := range targets {
		for _, key := range strippedSettings {
			delete(m, key)
			deletePath(m, strings.Split(key, "."))
		}
	}
}

func deletePath(m map[string]any, path []string) {
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	// Partially flattened keys such as {"index": {"version.created": ..}}.
	delete(m, strings.Join(path, "."))
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		return
	}
	deletePath(child, path[1:])
	if len(child) == 0 {
		delete(m, path[0])
	}
}

func indexExists(ctx context.Context, t *Transport, loc Location) (bool, error) {
	res, err := t.Do(ctx, esapi.Request{Method: http.MethodGet, Path: loc.path("_status")})
	if err != nil {
		return false, fmt.Errorf("failed to check index '%s': %w", redactURL(loc.String()), err)
	}
	return res.Found(), nil
}
