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

package smurf

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"golang.org/x/sync/errgroup"

	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "smurf",
	})

	flagsComputed = stats.Int64("smurf/flags_computed", "Smurf flags recomputed by the sweeper", "1")
	// FlagsComputedView is the Open Census view for the flagsComputed measure.
	FlagsComputedView = &view.View{
		Name:        "smurf/flags_computed",
		Measure:     flagsComputed,
		Description: "The number of smurf flags recomputed by sweeps",
		Aggregation: view.Sum(),
	}
)

// Store is what the sweeper needs from persistence.
type Store interface {
	ActivePlayers(ctx context.Context, since time.Time) ([]models.PlayerLeague, error)
	History(ctx context.Context, playerID, leagueID string) ([]models.RatingHistoryEntry, error)
	ReportCount(ctx context.Context, playerID string) (int, error)
	PutSmurfFlag(ctx context.Context, flag models.SmurfFlag) error
}

// Sweeper periodically recomputes flags for every recently active player.
type Sweeper struct {
	Detector    *Detector
	Store       Store
	Interval    time.Duration
	Parallelism int
	// PlacementMatches is the number of matches a placement takes.
	PlacementMatches int
	Now              func() time.Time
}

// Run sweeps on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				logger.WithError(err).Error("smurf sweep failed")
				continue
			}
			logger.WithField("players", n).Info("smurf sweep completed")
		}
	}
}

// SweepOnce recomputes the flag of every player active within the last
// interval and returns how many flags were written.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	players, err := s.Store.ActivePlayers(ctx, now.Add(-s.Interval))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list active players")
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.Parallelism > 0 {
		g.SetLimit(s.Parallelism)
	}
	for _, p := range players {
		p := p
		g.Go(func() error {
			return s.refresh(ctx, p, now)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	stats.Record(ctx, flagsComputed.M(int64(len(players))))
	return len(players), nil
}

// Refresh recomputes one player's flag immediately.
func (s *Sweeper) Refresh(ctx context.Context, p models.PlayerLeague) error {
	return s.refresh(ctx, p, s.now())
}

func (s *Sweeper) refresh(ctx context.Context, p models.PlayerLeague, now time.Time) error {
	history, err := s.Store.History(ctx, p.PlayerID, p.LeagueID)
	if err != nil {
		return errors.Wrapf(err, "failed to read history of %s", p.PlayerID)
	}
	reports, err := s.Store.ReportCount(ctx, p.PlayerID)
	if err != nil {
		return errors.Wrapf(err, "failed to read reports of %s", p.PlayerID)
	}
	flag := s.Detector.Evaluate(SignalsFrom(p.PlayerID, history, reports, s.PlacementMatches, now))
	if err := s.Store.PutSmurfFlag(ctx, flag); err != nil {
		return errors.Wrapf(err, "failed to store smurf flag of %s", p.PlayerID)
	}
	if len(flag.Reasons) > 0 {
		logger.WithFields(logrus.Fields{
			"playerId": p.PlayerID,
			"score":    flag.Score,
			"reasons":  flag.Reasons,
		}).Info("player flagged for review")
	}
	return nil
}

// SignalsFrom derives detector input from a ledger in any order. The entries
// are handed to the detector in fold order.
func SignalsFrom(playerID string, history []models.RatingHistoryEntry, reports, placementMatches int, now time.Time) Signals {
	ordered := append([]models.RatingHistoryEntry(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })
	s := Signals{PlayerID: playerID, Entries: ordered, Reports: reports, Now: now}
	games := 0
	for _, e := range ordered {
		if s.FirstSeen.IsZero() || e.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = e.Timestamp
		}
		if e.Kind == models.EntryMatch {
			games++
		}
	}
	s.PlacementCompleted = games >= placementMatches
	return s
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
