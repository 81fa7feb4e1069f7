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

// Package season applies league-wide rating resets.
package season

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-redsync/redsync/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"gonum.org/v1/gonum/stat"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/rating"
	"matchcore.dev/matchcore/internal/statestore"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "season",
	})

	resetsCommitted = stats.Int64("matchcore/season_resets", "Season resets committed", stats.UnitDimensionless)
	playersReset    = stats.Int64("matchcore/season_players_reset", "Players remapped by season resets", stats.UnitDimensionless)

	// ResetsView counts committed season resets.
	ResetsView = &view.View{
		Name:        "matchcore/season_resets",
		Measure:     resetsCommitted,
		Description: "The number of committed season resets",
		Aggregation: view.Count(),
	}
	// PlayersResetView sums players remapped by resets.
	PlayersResetView = &view.View{
		Name:        "matchcore/season_players_reset",
		Measure:     playersReset,
		Description: "The number of players remapped by season resets",
		Aggregation: view.Sum(),
	}
)

// Store is the persistence a reset needs.
type Store interface {
	League(ctx context.Context, leagueID string) (*models.LeagueState, error)
	LeagueRatings(ctx context.Context, leagueID string) ([]models.Rating, error)
	CommitSeason(ctx context.Context, commit statestore.SeasonCommit) error
	NewMutex(name string, expiry time.Duration) *redsync.Mutex
}

// Notifier receives one notification per remapped player.
type Notifier interface {
	SeasonReset(ctx context.Context, n models.SeasonNotification) error
}

// Coordinator runs season resets one league at a time.
type Coordinator struct {
	store    Store
	params   rating.Params
	notifier Notifier
	lockTTL  time.Duration
	newRetry func() backoff.BackOff
	now      func() time.Time
}

// NewCoordinator returns a coordinator. notifier may be nil.
func NewCoordinator(store Store, params rating.Params, notifier Notifier, lockTTL time.Duration, newRetry func() backoff.BackOff) *Coordinator {
	return &Coordinator{
		store:    store,
		params:   params,
		notifier: notifier,
		lockTTL:  lockTTL,
		newRetry: newRetry,
		now:      time.Now,
	}
}

// plan is a computed reset waiting to be committed.
type plan struct {
	commit  statestore.SeasonCommit
	notes   []models.SeasonNotification
	skipped int
	applied bool
}

// Reset remaps every rating of the league for the next generation. A
// malformed request aborts before any player is read. The commit is a
// single transaction, so a crashed reset leaves the league untouched and
// rerunning it applies the carry-over once.
func (c *Coordinator) Reset(ctx context.Context, req *models.SeasonResetRequest) (*models.SeasonResetResult, error) {
	if err := models.ValidateSeasonReset(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	mutex := c.store.NewMutex("season:"+req.LeagueID, c.lockTTL)
	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return nil, status.Errorf(codes.Aborted, "a reset of league %s is already running", req.LeagueID)
		}
		return nil, status.Errorf(codes.Unavailable, "cannot lock league %s: %v", req.LeagueID, err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			logger.WithError(err).WithField("leagueId", req.LeagueID).Warn("failed to release league lock")
		}
	}()

	var p *plan
	op := func() error {
		var err error
		p, err = c.plan(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if p.applied {
			return nil
		}
		err = c.store.CommitSeason(ctx, p.commit)
		if status.Code(errors.Cause(err)) == codes.Aborted {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newRetry(), ctx)); err != nil {
		return nil, err
	}

	league := p.commit.League
	result := &models.SeasonResetResult{
		LeagueID:       req.LeagueID,
		Generation:     league.Generation,
		GlobalMean:     league.GlobalMean,
		PlayersReset:   len(p.commit.Players),
		PlayersSkipped: p.skipped,
		Archived:       len(p.commit.Archive) > 0,
		AlreadyApplied: p.applied,
		CompletedAt:    c.now().UTC(),
	}
	fields := logrus.Fields{
		"leagueId":   req.LeagueID,
		"generation": league.Generation,
	}
	if p.applied {
		logger.WithFields(fields).Info("season reset already applied")
		return result, nil
	}
	stats.Record(ctx, resetsCommitted.M(1), playersReset.M(int64(len(p.commit.Players))))

	if req.NotifyPlayers && c.notifier != nil {
		for _, n := range p.notes {
			if err := c.notifier.SeasonReset(ctx, n); err != nil {
				logger.WithFields(fields).WithError(err).WithField("playerId", n.PlayerID).Warn("failed to notify player")
				continue
			}
			result.Notified++
		}
	}
	logger.WithFields(fields).WithFields(logrus.Fields{
		"globalMean": league.GlobalMean,
		"reset":      result.PlayersReset,
		"skipped":    result.PlayersSkipped,
	}).Info("season reset committed")
	return result, nil
}

func (c *Coordinator) plan(ctx context.Context, req *models.SeasonResetRequest) (*plan, error) {
	league, err := c.store.League(ctx, req.LeagueID)
	if err != nil {
		return nil, err
	}
	state := models.LeagueState{LeagueID: req.LeagueID}
	if league != nil {
		state = *league
	}
	generation := state.Generation
	target := req.TargetGeneration
	if target == 0 {
		target = generation + 1
	}
	if target <= generation {
		return &plan{applied: true, commit: statestore.SeasonCommit{League: state}}, nil
	}
	if target > generation+1 {
		return nil, status.Errorf(codes.FailedPrecondition, "league %s is at generation %d, cannot jump to %d", req.LeagueID, generation, target)
	}

	ratings, err := c.store.LeagueRatings(ctx, req.LeagueID)
	if err != nil {
		return nil, err
	}
	pending := make([]models.Rating, 0, len(ratings))
	for _, r := range ratings {
		if r.Generation < target {
			pending = append(pending, r)
		}
	}
	values := make([]float64, len(pending))
	for i, r := range pending {
		values[i] = r.Rating
	}
	mean := 0.0
	if len(values) > 0 {
		mean = stat.Mean(values, nil)
	}

	now := c.now().UTC()
	p := &plan{skipped: len(ratings) - len(pending)}
	p.commit.League = models.LeagueState{
		LeagueID:    req.LeagueID,
		Generation:  target,
		ResetAt:     now,
		GlobalMean:  mean,
		SoftCap:     req.SoftCapRating,
		Tiers:       req.TiersMapping,
		PlayerCount: len(ratings),
	}
	if req.ArchiveSnapshot {
		p.commit.Archive = pending
	}

	for _, old := range pending {
		value, tier := Remap(old.Rating, mean, req)
		origin := models.RatingHistoryEntry{
			Kind:        models.EntryOrigin,
			Timestamp:   now,
			MatchID:     "season-" + strconv.FormatInt(target, 10),
			RatingAfter: value,
			Generation:  target,
		}
		next, ok := c.params.Advance(old, &origin)
		if !ok {
			return nil, status.Errorf(codes.Internal, "origin for player %s does not sort after its ledger", old.PlayerID)
		}
		next.Tier = tier
		p.commit.Players = append(p.commit.Players, statestore.PlayerReset{
			Origin:      origin,
			Next:        next,
			PrevVersion: old.Version,
		})
		p.notes = append(p.notes, models.SeasonNotification{
			PlayerID:   old.PlayerID,
			LeagueID:   req.LeagueID,
			Generation: target,
			OldRating:  old.Rating,
			NewRating:  value,
			Tier:       tier,
		})
	}
	return p, nil
}

// Remap computes one player's new-season rating and tier:
// carry = c*old + (1-c)*mean, the part above the soft cap halved, then the
// tier seed applied when the landing tier has one.
func Remap(old, mean float64, req *models.SeasonResetRequest) (float64, string) {
	c := req.CarryOverPercent
	value := c*old + (1-c)*mean
	if req.SoftCapRating != nil && value > *req.SoftCapRating {
		value = *req.SoftCapRating + (value-*req.SoftCapRating)/2
	}
	if len(req.TiersMapping) == 0 {
		return value, ""
	}
	tier, _ := models.TierFor(req.TiersMapping, value)
	if tier.SeedRating != nil {
		value = *tier.SeedRating
	}
	return value, tier.Tier
}
