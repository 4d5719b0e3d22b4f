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

// Command esreindex copies an Elasticsearch index, with its settings,
// mappings and documents, to another index or cluster.
//
//	esreindex [flags] [SRCURL/]SRCINDEX [DSTURL/]DSTINDEX
//
// Without a URL, http://127.0.0.1:9200 is assumed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	esreindex "github.com/elastic/go-esreindex"
)

var errCountMismatch = errors.New("document counts differ")

// loggedError wraps an error already reported through the logger.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runCommand(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runCommand executes the root command and returns the process exit code.
// Errors raised before the logger exists are printed to stderr.
func runCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.As(err, new(loggedError)) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "esreindex [flags] [SRCURL/]SRCINDEX [DSTURL/]DSTINDEX",
		Short: "Copy an Elasticsearch index with its settings, mappings and documents",

		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, viper.New())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			err = run(cmd.Context(), cfg, logger, args[0], args[1], stdin, stdout, cmd.ErrOrStderr())
			if err != nil {
				logger.Error("copy failed", zap.Error(err))
				return loggedError{err}
			}
			return nil
		},
	}
	addFlags(cmd)
	return cmd
}

func run(
	ctx context.Context,
	cfg *config,
	logger *zap.Logger,
	src, dst string,
	stdin io.Reader,
	stdout, stderr io.Writer,
) error {
	esCfg := esreindex.Config{
		Logger:           logger,
		CompressionLevel: cfg.CompressionLevel,
		PlainScroll:      cfg.PlainScroll,
		CheckTimeout:     cfg.CheckTimeout,
		Retry:            esreindex.RetryConfig{MaxElapsedTime: cfg.RetryMaxElapsed},
		Confirm:          esreindex.StdinConfirm(stdin, stdout),
	}
	if cfg.Progress {
		bar := newProgressBar(stderr)
		defer bar.finish()
		esCfg.OnProgress = bar.update
	}
	r, err := esreindex.New(esCfg)
	if err != nil {
		return err
	}
	res, err := r.Copy(ctx, src, dst, esreindex.Options{
		RemoveDestination: cfg.Remove,
		UpdateExisting:    cfg.Update,
		BatchSize:         cfg.Frame,
		Interactive:       !cfg.Yes,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errCountMismatch
	}
	return nil
}
