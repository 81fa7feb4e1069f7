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

// Package smurf scores how likely an account is an experienced player on a
// fresh profile. The score is advisory: it widens rating uncertainty in
// matchmaking and is surfaced to operators, nothing more.
package smurf

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

const (
	winrateWeight    = 0.35
	growthWeight     = 0.30
	newAccountWeight = 0.15
	reportWeight     = 0.10
	behaviourWeight  = 0.10

	// growthSaturation is the per game slope treated as maximally suspicious.
	growthSaturation = 25.0
	// upsetGap is the opponent advantage above which a win counts as an upset.
	upsetGap = 200.0
	minGames = 3
)

// Signals is the input to a single evaluation.
type Signals struct {
	PlayerID string
	// Entries are ledger records ordered oldest first.
	Entries []models.RatingHistoryEntry
	// FirstSeen approximates account creation.
	FirstSeen          time.Time
	Reports            int
	PlacementCompleted bool
	Now                time.Time
}

// Detector is the stateless classifier.
type Detector struct {
	Window            int
	PopulationWinrate float64
	NewAccountAge     time.Duration
	ReportSaturation  int
}

// NewDetector reads the smurf section of cfg.
func NewDetector(cfg config.View) *Detector {
	return &Detector{
		Window:            config.IntOr(cfg, consts.SmurfWindow, 20),
		PopulationWinrate: config.FloatOr(cfg, consts.SmurfPopulationWinrate, 0.5),
		NewAccountAge:     config.DurationOr(cfg, consts.SmurfNewAccountAge, 14*24*time.Hour),
		ReportSaturation:  config.IntOr(cfg, consts.SmurfReportSaturation, 5),
	}
}

// Evaluate combines the rolling window signals into a flag with a score in [0,1].
func (d *Detector) Evaluate(s Signals) models.SmurfFlag {
	season := matchEntries(s.Entries)
	window := season
	if d.Window > 0 && len(window) > d.Window {
		window = window[len(window)-d.Window:]
	}

	flag := models.SmurfFlag{
		PlayerID:           s.PlayerID,
		GamesPlayed:        len(season),
		FlaggedAt:          s.Now,
		PlacementCompleted: s.PlacementCompleted,
		Reasons:            []models.SmurfReason{},
	}

	wr := d.winrate(window)
	growth := growthSlope(window)
	fresh := 0.0
	if wr > 0 {
		fresh = d.accountFreshness(s.FirstSeen, s.Now)
	}
	reports := 0.0
	if d.ReportSaturation > 0 {
		reports = math.Min(1, float64(s.Reports)/float64(d.ReportSaturation))
	}
	behaviour := upsetRate(window)

	if wr >= 0.5 {
		flag.Reasons = append(flag.Reasons, models.SmurfHighWinrate)
	}
	if growth >= 0.6 {
		flag.Reasons = append(flag.Reasons, models.SmurfFastRatingGrowth)
	}
	if fresh >= 0.5 {
		flag.Reasons = append(flag.Reasons, models.SmurfNewAccount)
	}
	if behaviour >= 0.5 {
		flag.Reasons = append(flag.Reasons, models.SmurfMatchBehaviour)
	}
	if reports >= 0.4 {
		flag.Reasons = append(flag.Reasons, models.SmurfReports)
	}

	score := winrateWeight*wr + growthWeight*growth + newAccountWeight*fresh +
		reportWeight*reports + behaviourWeight*behaviour
	flag.Score = math.Max(0, math.Min(1, score))
	return flag
}

// winrate is the normalised excess over the population win rate.
func (d *Detector) winrate(entries []models.RatingHistoryEntry) float64 {
	if len(entries) < minGames || d.PopulationWinrate >= 1 {
		return 0
	}
	var won float64
	for _, e := range entries {
		won += e.Result.Score()
	}
	rate := won / float64(len(entries))
	return clamp01((rate - d.PopulationWinrate) / (1 - d.PopulationWinrate))
}

func (d *Detector) accountFreshness(firstSeen, now time.Time) float64 {
	if firstSeen.IsZero() || d.NewAccountAge <= 0 {
		return 0
	}
	age := now.Sub(firstSeen)
	if age >= d.NewAccountAge {
		return 0
	}
	return clamp01(1 - float64(age)/float64(d.NewAccountAge))
}

// growthSlope fits ratingAfter against game index and normalises the slope.
func growthSlope(entries []models.RatingHistoryEntry) float64 {
	if len(entries) < minGames {
		return 0
	}
	xs := make([]float64, len(entries))
	ys := make([]float64, len(entries))
	for i, e := range entries {
		xs[i] = float64(i)
		ys[i] = e.RatingAfter
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return clamp01(slope / growthSaturation)
}

func upsetRate(entries []models.RatingHistoryEntry) float64 {
	if len(entries) < minGames {
		return 0
	}
	upsets := 0
	for _, e := range entries {
		if e.Result != models.ResultWin {
			continue
		}
		before := e.RatingAfter - e.Delta
		if e.UpsetWin || e.OpponentRating-before >= upsetGap {
			upsets++
		}
	}
	return clamp01(2 * float64(upsets) / float64(len(entries)))
}

// matchEntries returns the match results of the current season.
func matchEntries(entries []models.RatingHistoryEntry) []models.RatingHistoryEntry {
	out := make([]models.RatingHistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == models.EntryOrigin {
			out = out[:0]
			continue
		}
		out = append(out, e)
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
