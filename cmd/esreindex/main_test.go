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
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esreindex "github.com/elastic/go-esreindex"
	"github.com/elastic/go-esreindex/esreindextest"
)

func newTestServer(t *testing.T, docs int) *esreindextest.Server {
	srv := esreindextest.NewServer(t)
	srv.AddIndex("logs", esreindextest.Index{
		Mappings: map[string]any{"event": map[string]any{"properties": map[string]any{}}},
	})
	for i := 0; i < docs; i++ {
		srv.AddDocuments("logs", esreindextest.Document{
			ID:     fmt.Sprint(i),
			Type:   "event",
			Source: []byte(`{}`),
		})
	}
	return srv
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out strings.Builder
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCopyCommand(t *testing.T) {
	srv := newTestServer(t, 5)
	_, err := execute(t, "", "--yes", "--frame", "2", "--log-level", "error", "--compression-level", "1",
		srv.URL+"/logs", srv.URL+"/copy",
	)
	require.NoError(t, err)
	assert.Len(t, srv.Documents("copy"), 5)
	assert.Equal(t, 3, srv.RequestCount("POST /_bulk"))
}

func TestCopyCommandProgress(t *testing.T) {
	srv := newTestServer(t, 4)
	var stderr syncBuilder
	cmd := newRootCmd(strings.NewReader(""), io.Discard)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"-y", "--progress", "--frame", "2", "--log-level", "error", srv.URL + "/logs", srv.URL + "/copy"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, stderr.String(), "Copy ")
}

// syncBuilder is a strings.Builder safe for the concurrent writes of the
// progress bar refresher.
type syncBuilder struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuilder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuilder) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestCopyCommandConfirm(t *testing.T) {
	srv := newTestServer(t, 1)
	out, err := execute(t, "\n", "--log-level", "error", srv.URL+"/logs", srv.URL+"/copy")
	require.NoError(t, err)
	assert.Equal(t, "Confirm or hit Ctrl-c to abort...\n", out)
	assert.True(t, srv.HasIndex("copy"))

	_, err = execute(t, "", "--log-level", "error", srv.URL+"/logs", srv.URL+"/other")
	assert.ErrorIs(t, err, esreindex.ErrAborted)
	assert.False(t, srv.HasIndex("other"))
}

func TestCopyCommandFailures(t *testing.T) {
	srv := newTestServer(t, 1)
	srv.AddIndex("copy", esreindextest.Index{})
	srv.AddDocuments("copy", esreindextest.Document{ID: "extra", Source: []byte(`{}`)})

	_, err := execute(t, "", "-y", "--check-timeout", "50ms", "--log-level", "error", srv.URL+"/logs", srv.URL+"/copy")
	assert.ErrorIs(t, err, errCountMismatch)

	_, err = execute(t, "", "-y", "--log-level", "error", srv.URL+"/missing", srv.URL+"/copy2")
	assert.ErrorIs(t, err, esreindex.ErrSourceMissing)

	_, err = execute(t, "", "-y", srv.URL+"/logs")
	assert.Error(t, err)
}

func TestRunCommandExitCode(t *testing.T) {
	srv := newTestServer(t, 2)
	for name, tc := range map[string]struct {
		args   []string
		code   int
		stderr string
	}{
		"copied":      {args: []string{"-y", "--log-level", "error", srv.URL + "/logs", srv.URL + "/copy"}},
		"one arg":     {args: []string{"-y", srv.URL + "/logs"}, code: 1, stderr: "Error: accepts 2 arg(s), received 1\n"},
		"bad frame":   {args: []string{"-y", "--frame", "0", "logs", "copy"}, code: 1, stderr: "Error: invalid frame"},
		"bad level":   {args: []string{"-y", "--log-level", "loud", "logs", "copy"}, code: 1, stderr: "Error: "},
		"copy failed": {args: []string{"-y", "--log-level", "error", srv.URL + "/missing", srv.URL + "/other"}, code: 1},
	} {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr syncBuilder
			code := runCommand(context.Background(), tc.args, strings.NewReader(""), &stdout, &stderr)
			assert.Equal(t, tc.code, code)
			if tc.stderr == "" {
				assert.NotContains(t, stderr.String(), "Error:")
			} else {
				assert.Contains(t, stderr.String(), tc.stderr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ESREINDEX_CHECK_TIMEOUT", "5m")
	t.Setenv("ESREINDEX_PLAIN_SCROLL", "true")

	cmd := newRootCmd(strings.NewReader(""), nil)
	require.NoError(t, cmd.Flags().Parse([]string{"-r", "-u", "-f", "50", "--log-json"}))
	cfg, err := loadConfig(cmd, viper.New())
	require.NoError(t, err)
	assert.Equal(t, &config{
		Remove:          true,
		Update:          true,
		Frame:           50,
		PlainScroll:     true,
		CheckTimeout:    5 * time.Minute,
		RetryMaxElapsed: 15 * time.Minute,
		Progress:        false,
		Log:             logConfig{Level: "info", JSON: true},
	}, cfg)
}

func TestLoadConfigInvalidFrame(t *testing.T) {
	cmd := newRootCmd(strings.NewReader(""), nil)
	require.NoError(t, cmd.Flags().Parse([]string{"--frame", "0"}))
	_, err := loadConfig(cmd, viper.New())
	assert.ErrorContains(t, err, "invalid frame")
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(logConfig{Level: "debug", JSON: true})
	assert.NoError(t, err)
	_, err = newLogger(logConfig{Level: "loud"})
	assert.Error(t, err)
}
