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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-esreindex/esapi"
)

// Bulk actions.
const (
	ActionCreate = "create"
	ActionIndex  = "index"
)

// preservedFields lists the hit metadata carried over to the bulk action.
var preservedFields = []string{"_timestamp", "_ttl"}

// BulkRecord is a source document ready to be written with the bulk API.
type BulkRecord struct {
	Action       string
	Index        string
	DocumentID   string
	DocumentType string
	Preserved    map[string]json.RawMessage
	Source       json.RawMessage
}

func newBulkRecord(hit searchHit, index, action string) BulkRecord {
	rec := BulkRecord{
		Action:       action,
		Index:        index,
		DocumentID:   hit.ID,
		DocumentType: hit.Type,
		Source:       hit.Source,
	}
	for _, field := range preservedFields {
		var v json.RawMessage
		switch field {
		case "_timestamp":
			v = hit.Timestamp
		case "_ttl":
			v = hit.TTL
		}
		if len(v) == 0 {
			continue
		}
		if rec.Preserved == nil {
			rec.Preserved = make(map[string]json.RawMessage, len(preservedFields))
		}
		rec.Preserved[field] = v
	}
	return rec
}

// bulkWriter encodes BulkRecords into a bulk request body, two lines per
// record, optionally gzip compressed.
type bulkWriter struct {
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
	compactBuf   bytes.Buffer
	itemsAdded   int
	uncompressed int
}

func newBulkWriter(compressionLevel int) (*bulkWriter, error) {
	b := &bulkWriter{}
	if compressionLevel != gzip.NoCompression {
		gzipw, err := gzip.NewWriterLevel(&b.buf, compressionLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		b.gzipw = gzipw
		b.writer = gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

// Reset clears the buffer, ready for a new request.
func (b *bulkWriter) Reset() {
	b.itemsAdded = 0
	b.uncompressed = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered records.
func (b *bulkWriter) Items() int {
	return b.itemsAdded
}

// UncompressedLen returns the number of bytes written before compression.
func (b *bulkWriter) UncompressedLen() int {
	return b.uncompressed
}

// Add encodes rec in the buffer.
func (b *bulkWriter) Add(rec BulkRecord) error {
	if err := b.writeMeta(rec); err != nil {
		return err
	}
	source := []byte(rec.Source)
	switch {
	case len(source) == 0:
		source = []byte("{}")
	case bytes.ContainsAny(source, "\r\n"):
		// Each document must fit on a single line.
		b.compactBuf.Reset()
		if err := json.Compact(&b.compactBuf, source); err != nil {
			return fmt.Errorf("invalid source for document %q: %w", rec.DocumentID, err)
		}
		source = b.compactBuf.Bytes()
	}
	if err := b.write(source); err != nil {
		return fmt.Errorf("failed to write bulk item: %w", err)
	}
	if err := b.write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	b.itemsAdded++
	return nil
}

func (b *bulkWriter) writeMeta(rec BulkRecord) error {
	b.jsonw.RawByte('{')
	b.jsonw.String(rec.Action)
	b.jsonw.RawString(`:{"_index":`)
	b.jsonw.String(rec.Index)
	if rec.DocumentID != "" {
		b.jsonw.RawString(`,"_id":`)
		b.jsonw.String(rec.DocumentID)
	}
	if rec.DocumentType != "" {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(rec.DocumentType)
	}
	for _, field := range preservedFields {
		v, ok := rec.Preserved[field]
		if !ok {
			continue
		}
		b.jsonw.RawByte(',')
		b.jsonw.String(field)
		b.jsonw.RawByte(':')
		b.jsonw.RawBytes(v)
	}
	b.jsonw.RawString("}}\n")
	err := b.write(b.jsonw.Bytes())
	b.jsonw.Reset()
	if err != nil {
		return fmt.Errorf("failed to write bulk meta: %w", err)
	}
	return nil
}

func (b *bulkWriter) write(p []byte) error {
	n, err := b.writer.Write(p)
	b.uncompressed += n
	return err
}

// Request terminates the payload with the blank line required by the bulk
// API and returns the request. The writer must be Reset before reuse.
func (b *bulkWriter) Request() (esapi.Request, error) {
	if err := b.write([]byte("\n")); err != nil {
		return esapi.Request{}, fmt.Errorf("failed to write newline: %w", err)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/x-ndjson")
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return esapi.Request{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
		header.Set("Content-Encoding", "gzip")
	}
	return esapi.Request{
		Method: http.MethodPost,
		Path:   "/_bulk",
		Header: header,
		Body:   bytes.Clone(b.buf.Bytes()),
	}, nil
}
