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

// Package testing runs the statestore against an in-process miniredis.
package testing

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/statestore"
)

// New starts a miniredis, points cfg at it and returns it. The server is
// closed when the test ends.
func New(t *testing.T, cfg config.Mutable) *miniredis.Miniredis {
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to create miniredis, %v", err)
	}
	t.Cleanup(mredis.Close)

	cfg.Set(consts.RedisHostName, mredis.Host())
	cfg.Set(consts.RedisPort, mredis.Port())
	cfg.Set(consts.RedisConnMaxIdle, PoolMaxIdle)
	cfg.Set(consts.RedisConnMaxActive, PoolMaxActive)
	cfg.Set(consts.RedisConnIdleTimeout, PoolIdleTimeout)
	cfg.Set(consts.RedisConnHealthCheckTimeout, PoolHealthCheckTimeout)
	cfg.Set(consts.RedisExpiration, TicketExpiration)
	cfg.Set(consts.BackoffInitInterval, InitialInterval)
	cfg.Set(consts.BackoffRandFactor, RandFactor)
	cfg.Set(consts.BackoffMultiplier, Multiplier)
	cfg.Set(consts.BackoffMaxInterval, MaxInterval)
	cfg.Set(consts.BackoffMaxElapsedTime, MaxElapsedTime)
	return mredis
}

// NewStoreServiceForTesting returns a statestore backed by a fresh
// miniredis. The store is closed when the test ends.
func NewStoreServiceForTesting(t *testing.T, cfg config.Mutable) (statestore.Service, *miniredis.Miniredis) {
	mredis := New(t, cfg)
	s := statestore.New(cfg)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("failed to close statestore: %v", err)
		}
	})
	return s, mredis
}
