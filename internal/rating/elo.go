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

package rating

import (
	"math"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

// Params are the Elo tunables.
type Params struct {
	Default          float64
	Scale            float64
	KFactor          float64
	PlacementK       float64
	PlacementMatches int
	// BonusCapRatio bounds each bonus to this fraction of K.
	BonusCapRatio float64
	// SoftCap applies to leagues without their own cap. Zero disables it.
	SoftCap         float64
	DefaultLeague   string
	VolatilityDecay float64
	VolatilityFloor float64
}

// DefaultParams mirrors the configuration defaults.
var DefaultParams = Params{
	Default:          1500,
	Scale:            400,
	KFactor:          32,
	PlacementK:       64,
	PlacementMatches: 10,
	BonusCapRatio:    0.25,
	DefaultLeague:    "default",
	VolatilityDecay:  0.9,
	VolatilityFloor:  0.1,
}

// ParamsFromConfig reads the rating section.
func ParamsFromConfig(cfg config.View) Params {
	p := DefaultParams
	p.Default = config.FloatOr(cfg, consts.RatingDefault, p.Default)
	p.Scale = config.FloatOr(cfg, consts.RatingScale, p.Scale)
	p.KFactor = config.FloatOr(cfg, consts.RatingKFactor, p.KFactor)
	p.PlacementK = config.FloatOr(cfg, consts.RatingPlacementK, p.PlacementK)
	p.PlacementMatches = config.IntOr(cfg, consts.RatingPlacementMatches, p.PlacementMatches)
	p.BonusCapRatio = config.FloatOr(cfg, consts.RatingBonusCapRatio, p.BonusCapRatio)
	p.SoftCap = config.FloatOr(cfg, consts.RatingSoftCap, p.SoftCap)
	if league := cfg.GetString(consts.RatingDefaultLeague); league != "" {
		p.DefaultLeague = league
	}
	return p
}

// Expected is the Elo expected score of a player rated r against opp.
func (p Params) Expected(r, opp float64) float64 {
	return 1 / (1 + math.Pow(10, (opp-r)/p.Scale))
}

// K returns the update factor for the next match of a player. Every settled
// player shares KFactor so a match between two of them moves zero net
// rating; only a smurf score raises it. Volatility is reported, not applied.
func (p Params) K(current models.Rating, placement bool, smurfScore float64) float64 {
	if placement || current.PlacementMatches < p.PlacementMatches {
		return p.PlacementK
	}
	return p.KFactor * (1 + smurfScore)
}

// Outcome is the result of one Elo computation.
type Outcome struct {
	K       float64
	Base    float64
	Bonuses []models.BonusAdjustment
	Delta   float64
	// Compressed is the amount removed by the soft cap.
	Compressed float64
}

// Compute applies the Elo update, bonus caps and the soft cap. softCap <= 0
// disables compression.
func (p Params) Compute(current models.Rating, req *models.RatingDeltaRequest, softCap, smurfScore float64) Outcome {
	k := p.K(current, req.PlacementFlag, smurfScore)
	o := Outcome{K: k}
	o.Base = k * (req.Result.Score() - p.Expected(current.Rating, req.OpponentRating))

	limit := p.BonusCapRatio * k
	bonus := 0.0
	for _, b := range req.BonusAdjustments {
		v := math.Max(-limit, math.Min(limit, b.Value))
		o.Bonuses = append(o.Bonuses, models.BonusAdjustment{Name: b.Name, Value: v})
		bonus += v
	}
	o.Delta = o.Base + bonus

	if softCap > 0 && o.Delta > 0 && current.Rating+o.Delta > softCap {
		above := current.Rating + o.Delta - math.Max(current.Rating, softCap)
		o.Compressed = above / 2
		o.Delta -= o.Compressed
	}
	return o
}
