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

package statestore_test

import (
	"testing"
	"time"

	"github.com/Bose/minisentinel"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/statestore"
	statestoreTesting "matchcore.dev/matchcore/internal/statestore/testing"
	utilTesting "matchcore.dev/matchcore/internal/util/testing"
	"matchcore.dev/matchcore/pkg/models"
)

func newStore(t *testing.T) (statestore.Service, *miniredis.Miniredis) {
	cfg := viper.New()
	config.SetDefaults(cfg)
	return statestoreTesting.NewStoreServiceForTesting(t, cfg)
}

func TestHealthCheck(t *testing.T) {
	s, mredis := newStore(t)
	ctx := utilTesting.NewContext(t)

	assert.Nil(t, s.HealthCheck(ctx))

	mredis.Close()
	err := s.HealthCheck(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestSentinelPool(t *testing.T) {
	mredis, err := miniredis.Run()
	require.Nil(t, err)
	t.Cleanup(mredis.Close)

	msentinel := minisentinel.NewSentinel(mredis)
	require.Nil(t, msentinel.StartAddr("localhost:0"))
	t.Cleanup(msentinel.Close)

	cfg := viper.New()
	config.SetDefaults(cfg)
	cfg.Set(consts.RedisSentinelEnabled, true)
	cfg.Set(consts.RedisSentinelHostName, msentinel.Host())
	cfg.Set(consts.RedisSentinelPort, msentinel.Port())

	s := statestore.New(cfg)
	defer s.Close()
	ctx := utilTesting.NewContext(t)

	ticket := &models.Ticket{ID: xid.New().String(), PlayerID: "p1", State: models.TicketWaiting}
	require.Nil(t, s.CreateTicket(ctx, ticket))
	assert.True(t, mredis.Exists("ticket:"+ticket.ID))
}

func TestTicketLifecycle(t *testing.T) {
	s, mredis := newStore(t)
	ctx := utilTesting.NewContext(t)

	id := xid.New().String()
	_, err := s.GetTicket(ctx, id)
	assert.Equal(t, codes.NotFound, status.Code(err))

	ticket := &models.Ticket{
		ID:        id,
		PlayerID:  "p1",
		QueueIDs:  []string{"eu-ranked"},
		Mode:      models.ModePvpRanked,
		Role:      models.RoleDamage,
		LatencyMs: map[string]int{"eu-west": 40},
		State:     models.TicketWaiting,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.Nil(t, s.CreateTicket(ctx, ticket))
	err = s.CreateTicket(ctx, ticket)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	got, err := s.GetTicket(ctx, id)
	require.Nil(t, err)
	assert.Equal(t, ticket.QueueIDs, got.QueueIDs)
	assert.Equal(t, models.ModePvpRanked, got.Mode)
	assert.True(t, ticket.CreatedAt.Equal(got.CreatedAt))

	active, err := s.GetActiveTickets(ctx)
	require.Nil(t, err)
	assert.Len(t, active, 1)

	ticket.State = models.TicketExpired
	require.Nil(t, s.UpdateTicket(ctx, ticket))
	active, err = s.GetActiveTickets(ctx)
	require.Nil(t, err)
	assert.Len(t, active, 0)

	got, err = s.GetTicket(ctx, id)
	require.Nil(t, err)
	assert.Equal(t, models.TicketExpired, got.State)

	mredis.FastForward(statestoreTesting.TicketExpiration + time.Millisecond)
	_, err = s.GetTicket(ctx, id)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestAppendEntry(t *testing.T) {
	s, _ := newStore(t)
	ctx := utilTesting.NewContext(t)
	now := time.Now().UTC()

	entry := models.RatingHistoryEntry{Kind: models.EntryMatch, MatchID: "m1", Delta: 16, RatingAfter: 1516, Timestamp: now, Result: models.ResultWin}
	next := models.Rating{PlayerID: "p1", LeagueID: "l1", Rating: 1516, Version: 1}

	testCases := []struct {
		description string
		entry       models.RatingHistoryEntry
		prevVersion int64
		wantCode    codes.Code
		wantExists  bool
	}{
		{"first append", entry, 0, codes.OK, false},
		{"same match returns existing", entry, 1, codes.OK, true},
		{"stale version aborts", models.RatingHistoryEntry{Kind: models.EntryMatch, MatchID: "m2", Timestamp: now}, 0, codes.Aborted, false},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			existing, err := s.AppendEntry(ctx, tc.entry, next, tc.prevVersion)
			assert.Equal(t, tc.wantCode, status.Code(err))
			if tc.wantExists {
				require.NotNil(t, existing)
				assert.Equal(t, "m1", existing.MatchID)
			} else {
				assert.Nil(t, existing)
			}
		})
	}

	history, err := s.History(ctx, "p1", "l1")
	require.Nil(t, err)
	assert.Len(t, history, 1)

	proj, err := s.Projection(ctx, "p1", "l1")
	require.Nil(t, err)
	require.NotNil(t, proj)
	assert.Equal(t, 1516.0, proj.Rating)

	found, err := s.EntryByMatch(ctx, "p1", "l1", "m1")
	require.Nil(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 16.0, found.Delta)

	missing, err := s.EntryByMatch(ctx, "p1", "l1", "m9")
	assert.Nil(t, err)
	assert.Nil(t, missing)

	active, err := s.ActivePlayers(ctx, now.Add(-time.Minute))
	require.Nil(t, err)
	assert.Equal(t, []models.PlayerLeague{{PlayerID: "p1", LeagueID: "l1"}}, active)

	ratings, err := s.LeagueRatings(ctx, "l1")
	require.Nil(t, err)
	assert.Len(t, ratings, 1)
}

func TestReportsAndSmurfFlags(t *testing.T) {
	s, _ := newStore(t)
	ctx := utilTesting.NewContext(t)

	n, err := s.ReportPlayer(ctx, "p1", models.PlayerReport{ReporterID: "a", Reason: "smurfing"})
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	n, err = s.ReportPlayer(ctx, "p1", models.PlayerReport{ReporterID: "a", Reason: "again"})
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	n, err = s.ReportPlayer(ctx, "p1", models.PlayerReport{ReporterID: "b"})
	require.Nil(t, err)
	assert.Equal(t, 2, n)

	count, err := s.ReportCount(ctx, "p1")
	require.Nil(t, err)
	assert.Equal(t, 2, count)

	flag, err := s.SmurfFlag(ctx, "p1")
	assert.Nil(t, err)
	assert.Nil(t, flag)

	require.Nil(t, s.PutSmurfFlag(ctx, models.SmurfFlag{PlayerID: "p1", Score: 0.7, Reasons: []models.SmurfReason{models.SmurfReports}}))
	flag, err = s.SmurfFlag(ctx, "p1")
	require.Nil(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, 0.7, flag.Score)
	assert.Equal(t, []models.SmurfReason{models.SmurfReports}, flag.Reasons)
}

func TestCommitSeason(t *testing.T) {
	s, _ := newStore(t)
	ctx := utilTesting.NewContext(t)
	now := time.Now().UTC()

	old := models.Rating{PlayerID: "p1", LeagueID: "l1", Rating: 2400, Version: 1}
	_, err := s.AppendEntry(ctx, models.RatingHistoryEntry{Kind: models.EntryMatch, MatchID: "m1", Timestamp: now}, old, 0)
	require.Nil(t, err)

	commit := statestore.SeasonCommit{
		League: models.LeagueState{LeagueID: "l1", Generation: 1, GlobalMean: 1400, ResetAt: now},
		Players: []statestore.PlayerReset{{
			Origin:      models.RatingHistoryEntry{Kind: models.EntryOrigin, MatchID: "season-1", RatingAfter: 1900, Generation: 1, Timestamp: now},
			Next:        models.Rating{PlayerID: "p1", LeagueID: "l1", Rating: 1900, Generation: 1, Version: 2},
			PrevVersion: 1,
		}},
		Archive: []models.Rating{old},
	}

	stale := commit
	stale.Players = []statestore.PlayerReset{commit.Players[0]}
	stale.Players[0].PrevVersion = 0
	err = s.CommitSeason(ctx, stale)
	assert.Equal(t, codes.Aborted, status.Code(err))

	require.Nil(t, s.CommitSeason(ctx, commit))

	err = s.CommitSeason(ctx, commit)
	assert.Equal(t, codes.Aborted, status.Code(err), "a generation is committed once")

	league, err := s.League(ctx, "l1")
	require.Nil(t, err)
	require.NotNil(t, league)
	assert.Equal(t, int64(1), league.Generation)

	proj, err := s.Projection(ctx, "p1", "l1")
	require.Nil(t, err)
	assert.Equal(t, 1900.0, proj.Rating)

	history, err := s.History(ctx, "p1", "l1")
	require.Nil(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, models.EntryOrigin, history[1].Kind)

	archived, err := s.ArchivedRatings(ctx, "l1", 1)
	require.Nil(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, 2400.0, archived[0].Rating)
}

func TestPublishAndMutex(t *testing.T) {
	s, _ := newStore(t)
	ctx := utilTesting.NewContext(t)

	assert.Nil(t, s.Publish(ctx, "matchcore.test", []byte(`{}`)))

	m1 := s.NewMutex("season:l1", time.Minute)
	require.Nil(t, m1.LockContext(ctx))
	m2 := s.NewMutex("season:l1", time.Minute)
	assert.NotNil(t, m2.LockContext(ctx))

	ok, err := m1.UnlockContext(ctx)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Nil(t, m2.LockContext(ctx))
}
