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

package config

import (
	"time"
)

// View is a read-only view of the matchcore configuration.
// New accessors from Viper should be added here.
type View interface {
	IsSet(string) bool
	GetString(string) string
	GetInt(string) int
	GetInt64(string) int64
	GetFloat64(string) float64
	GetStringSlice(string) []string
	GetBool(string) bool
	GetDuration(string) time.Duration
}

// Mutable is a read-write view of the matchcore configuration.
type Mutable interface {
	Set(string, interface{})
	View
}

// defaulter is the subset of viper used to register defaults.
type defaulter interface {
	SetDefault(string, interface{})
}

// DurationOr returns the duration at key, or def when the key is unset or
// not positive.
func DurationOr(cfg View, key string, def time.Duration) time.Duration {
	if d := cfg.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// IntOr returns the int at key, or def when the key is unset or not positive.
func IntOr(cfg View, key string, def int) int {
	if v := cfg.GetInt(key); v > 0 {
		return v
	}
	return def
}

// FloatOr returns the float at key, or def when the key is not set.
func FloatOr(cfg View, key string, def float64) float64 {
	if !cfg.IsSet(key) {
		return def
	}
	return cfg.GetFloat64(key)
}
