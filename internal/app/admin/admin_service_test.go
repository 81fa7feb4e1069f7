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

package admin

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/rating"
	"matchcore.dev/matchcore/internal/season"
	statestoreTesting "matchcore.dev/matchcore/internal/statestore/testing"
	utilTesting "matchcore.dev/matchcore/internal/util/testing"
	"matchcore.dev/matchcore/pkg/models"
)

const token = "s3cret"

func newService(t *testing.T) *adminService {
	cfg := viper.New()
	store, _ := statestoreTesting.NewStoreServiceForTesting(t, cfg)
	retry := func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}

	at := time.Now().UTC().Add(-time.Hour)
	for player, value := range map[string]float64{"a": 1800, "b": 1200} {
		entry := models.RatingHistoryEntry{Kind: models.EntryMatch, MatchID: "seed", Timestamp: at, RatingAfter: value, Delta: value - 1500, Result: models.ResultWin}
		next := models.Rating{PlayerID: player, LeagueID: "l1", Rating: value, Volatility: 0.9, PlacementMatches: 1, Wins: 1, Version: 1, LastUpdated: at, LastMatchAt: at, LastMatchID: "seed"}
		_, err := store.AppendEntry(utilTesting.NewContext(t), entry, next, 0)
		require.NoError(t, err)
	}

	return &adminService{
		token:       token,
		coordinator: season.NewCoordinator(store, rating.DefaultParams, nil, time.Minute, retry),
		store:       store,
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		description string
		configured  string
		given       string
		want        codes.Code
	}{
		{"valid token", token, token, codes.OK},
		{"wrong token", token, "guess", codes.Unauthenticated},
		{"missing token", token, "", codes.Unauthenticated},
		{"admin disabled", "", "", codes.PermissionDenied},
	}
	for _, test := range tests {
		test := test
		t.Run(test.description, func(t *testing.T) {
			s := &adminService{token: test.configured}
			assert.Equal(t, test.want, status.Code(s.authorize(test.given)))
		})
	}
}

func TestResetAndInspect(t *testing.T) {
	ctx := utilTesting.NewContext(t)
	s := newService(t)

	state, err := s.League(ctx, token, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Generation)

	_, err = s.ResetSeason(ctx, "guess", &models.SeasonResetRequest{LeagueID: "l1", CarryOverPercent: 0.5})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	res, err := s.ResetSeason(ctx, token, &models.SeasonResetRequest{LeagueID: "l1", CarryOverPercent: 0.5, ArchiveSnapshot: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Generation)
	assert.Equal(t, 2, res.PlayersReset)
	assert.InDelta(t, 1500, res.GlobalMean, 1e-9)

	state, err = s.League(ctx, token, "l1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Generation)

	archived, err := s.Archive(ctx, token, "l1", 1)
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	_, err = s.Archive(ctx, token, "l1", 2)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = s.Archive(ctx, token, "l1", 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
