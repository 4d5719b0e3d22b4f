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
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// config holds the command line configuration. Every flag can also be set
// through an ESREINDEX_ prefixed environment variable, e.g.
// ESREINDEX_CHECK_TIMEOUT=5m.
type config struct {
	Remove           bool          `mapstructure:"remove"`
	Update           bool          `mapstructure:"update"`
	Frame            int           `mapstructure:"frame"`
	Yes              bool          `mapstructure:"yes"`
	CompressionLevel int           `mapstructure:"compression-level"`
	PlainScroll      bool          `mapstructure:"plain-scroll"`
	CheckTimeout     time.Duration `mapstructure:"check-timeout"`
	RetryMaxElapsed  time.Duration `mapstructure:"retry-max-elapsed"`
	Progress         bool          `mapstructure:"progress"`

	Log logConfig `mapstructure:",squash"`
}

type logConfig struct {
	Level string `mapstructure:"log-level"`
	JSON  bool   `mapstructure:"log-json"`
}

func addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolP("remove", "r", false, "Delete the destination index first, then recreate it from the source")
	flags.BoolP("update", "u", false, "Overwrite documents already present in the destination")
	flags.IntP("frame", "f", 1000, "Number of documents fetched per batch")
	flags.BoolP("yes", "y", false, "Do not ask for confirmation")
	flags.Int("compression-level", 0, "Gzip level for bulk requests, 0 disables compression, -1 is the default level")
	flags.Bool("plain-scroll", false, "Scroll sorted by _doc instead of scan, for servers without search_type=scan")
	flags.Duration("check-timeout", time.Minute, "How long document counts are polled before giving up")
	flags.Duration("retry-max-elapsed", 15*time.Minute, "How long a failing request is retried")
	flags.Bool("progress", false, "Show a progress bar on stderr")
	flags.String("log-level", "info", "Log level")
	flags.Bool("log-json", false, "Output log in JSON format")
}

// loadConfig reads the configuration from the flags of cmd and the
// environment.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config, error) {
	v.SetEnvPrefix("ESREINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	var cfg config
	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Frame <= 0 {
		return nil, fmt.Errorf("invalid frame %d, expected a positive number of documents", cfg.Frame)
	}
	return &cfg, nil
}

func newLogger(cfg logConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}
