// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config contains convenience functions for reading and managing viper configs.
package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "config",
	})

	cfgChangeCount = stats.Int64("config/changes_total", "Number of config file changes observed", "1")
	// CfgChangeCountView is the Open Census view for the cfgChangeCount measure.
	CfgChangeCountView = &view.View{
		Name:        "config/changes_total",
		Measure:     cfgChangeCount,
		Description: "The number of config file changes observed",
		Aggregation: view.Count(),
	}
)

// Read loads matchcore.yaml from the working directory or config/, applies
// defaults and binds MATCHCORE_ prefixed environment variables.
func Read() (View, error) {
	cfg := viper.New()
	SetDefaults(cfg)

	cfg.SetConfigType("yaml")
	cfg.SetConfigName("matchcore")
	cfg.AddConfigPath(".")
	cfg.AddConfigPath("config")
	cfg.SetEnvPrefix("MATCHCORE")
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if err := cfg.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read matchcore config")
		}
		logger.Warn("No config file found, running with defaults and environment")
		return cfg, nil
	}

	cfg.WatchConfig()
	// Write a log when the configuration changes.
	cfg.OnConfigChange(func(event fsnotify.Event) {
		stats.Record(context.Background(), cfgChangeCount.M(1))
		logger.WithFields(logrus.Fields{
			"filename":  event.Name,
			"operation": event.Op,
		}).Info("Server configuration changed.")
	})
	return cfg, nil
}
