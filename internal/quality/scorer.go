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

// Package quality decides whether a group of tickets forms a valid match and
// how good that match is.
package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/set"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "quality",
	})

	// ErrIneligible marks groupings that must not be proposed at any score.
	ErrIneligible = errors.New("grouping is ineligible")
)

// Member is one ticket of a candidate grouping.
type Member struct {
	Ticket *models.Ticket
	Wait   time.Duration
}

// Grouping is a role-feasible candidate match.
type Grouping struct {
	Mode        models.Mode
	Members     []Member
	Fulfillment float64
}

// Evaluation is the scorer's verdict on a grouping.
type Evaluation struct {
	Report       models.MatchQualityReport
	HostRegion   string
	MaxLatencyMs float64
	Bucket       models.LatencyBucket
}

// Scorer rates a grouping. Implementations never see role-infeasible groups.
type Scorer interface {
	Score(g Grouping) (Evaluation, error)
}

// Weights are the tunables of the default scorer.
type Weights struct {
	Balance float64
	Role    float64
	Wait    float64
	Latency float64
	// SmurfWidening is the rating uncertainty added per unit of smurf score.
	SmurfWidening        float64
	MaxSpread            float64
	WaitScale            time.Duration
	LatencyScaleMs       float64
	CrossRegionPenaltyMs float64
	LowBucketMs          float64
	HighBucketMs         float64
}

// DefaultWeights mirrors the configuration defaults.
var DefaultWeights = Weights{
	Balance:              0.55,
	Role:                 0.45,
	Wait:                 0.20,
	Latency:              0.25,
	SmurfWidening:        200,
	MaxSpread:            400,
	WaitScale:            120 * time.Second,
	LatencyScaleMs:       250,
	CrossRegionPenaltyMs: 40,
	LowBucketMs:          60,
	HighBucketMs:         120,
}

// WeightsFromConfig reads the quality section.
func WeightsFromConfig(cfg config.View) Weights {
	d := DefaultWeights
	return Weights{
		Balance:              config.FloatOr(cfg, consts.QualityBalanceWeight, d.Balance),
		Role:                 config.FloatOr(cfg, consts.QualityRoleWeight, d.Role),
		Wait:                 config.FloatOr(cfg, consts.QualityWaitWeight, d.Wait),
		Latency:              config.FloatOr(cfg, consts.QualityLatencyWeight, d.Latency),
		SmurfWidening:        config.FloatOr(cfg, consts.QualitySmurfWidening, d.SmurfWidening),
		MaxSpread:            config.FloatOr(cfg, consts.QualityMaxSpread, d.MaxSpread),
		WaitScale:            config.DurationOr(cfg, consts.QualityWaitScale, d.WaitScale),
		LatencyScaleMs:       config.FloatOr(cfg, consts.QualityLatencyScaleMs, d.LatencyScaleMs),
		CrossRegionPenaltyMs: config.FloatOr(cfg, consts.QualityCrossRegionPenalty, d.CrossRegionPenaltyMs),
		LowBucketMs:          config.FloatOr(cfg, consts.QualityLowLatencyBucketMs, d.LowBucketMs),
		HighBucketMs:         config.FloatOr(cfg, consts.QualityHighLatencyBucketMs, d.HighBucketMs),
	}
}

// DefaultScorer is the weighted sum scorer.
type DefaultScorer struct {
	w Weights
}

// NewScorer returns a DefaultScorer using w.
func NewScorer(w Weights) *DefaultScorer {
	return &DefaultScorer{w: w}
}

// Score implements Scorer.
func (s *DefaultScorer) Score(g Grouping) (Evaluation, error) {
	if len(g.Members) < 2 {
		return Evaluation{}, errors.Wrapf(ErrIneligible, "grouping has %d members", len(g.Members))
	}

	host, maxLatency, err := s.hostRegion(g.Members)
	if err != nil {
		return Evaluation{}, err
	}
	for _, m := range g.Members {
		if m.Ticket.LatencyCapMs > 0 && maxLatency > float64(m.Ticket.LatencyCapMs) {
			return Evaluation{}, errors.Wrapf(ErrIneligible, "predicted latency %.0fms exceeds cap %dms of ticket %s",
				maxLatency, m.Ticket.LatencyCapMs, m.Ticket.ID)
		}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	var headOfLine time.Duration
	for _, m := range g.Members {
		spread := s.w.SmurfWidening * clamp(m.Ticket.SmurfScore, 0, 1)
		lo = math.Min(lo, m.Ticket.Rating-spread)
		hi = math.Max(hi, m.Ticket.Rating+spread)
		if m.Wait > headOfLine {
			headOfLine = m.Wait
		}
	}
	balance := clamp(1-(hi-lo)/s.w.MaxSpread, 0, 1)

	var lag float64
	for _, m := range g.Members {
		lag += float64(headOfLine-m.Wait) / float64(s.w.WaitScale)
	}
	waitPenalty := clamp(lag/float64(len(g.Members)), 0, 1)
	latencyPenalty := clamp(maxLatency/s.w.LatencyScaleMs, 0, 1)
	role := clamp(g.Fulfillment, 0, 1)

	score := 100*(s.w.Balance*balance+s.w.Role*role) - 100*s.w.Wait*waitPenalty - 100*s.w.Latency*latencyPenalty
	report := models.MatchQualityReport{
		Score:           clamp(score, 0, 100),
		RatingBalance:   balance,
		RoleFulfillment: role,
		WaitTimePenalty: waitPenalty,
		LatencyPenalty:  latencyPenalty,
		Factors: []models.Factor{
			{Name: "effectiveRatingSpread", Value: hi - lo},
			{Name: "headOfLineWaitSeconds", Value: headOfLine.Seconds()},
			{Name: "maxLatencyMs", Value: maxLatency, Detail: host},
			{Name: "flaggedMembers", Value: float64(len(pie.Filter(g.Members, func(m Member) bool { return m.Ticket.SmurfScore > 0 })))},
		},
	}
	return Evaluation{
		Report:       report,
		HostRegion:   host,
		MaxLatencyMs: maxLatency,
		Bucket:       s.Bucket(maxLatency),
	}, nil
}

// Bucket classifies a predicted latency.
func (s *DefaultScorer) Bucket(ms float64) models.LatencyBucket {
	switch {
	case ms < s.w.LowBucketMs:
		return models.LatencyLow
	case ms < s.w.HighBucketMs:
		return models.LatencyMedium
	}
	return models.LatencyHigh
}

// hostRegion picks the region that minimises the worst participant latency.
// Tickets without cross-region permission restrict candidates to regions
// they sampled.
func (s *DefaultScorer) hostRegion(members []Member) (string, float64, error) {
	var candidates []string
	restricted := false
	for _, m := range members {
		regions := pie.Sort(pie.Keys(m.Ticket.LatencyMs))
		if m.Ticket.CrossRegion {
			continue
		}
		if !restricted {
			candidates = regions
			restricted = true
			continue
		}
		candidates = set.Intersection(candidates, regions)
	}
	if !restricted {
		for _, m := range members {
			candidates = append(candidates, pie.Keys(m.Ticket.LatencyMs)...)
		}
		candidates = pie.Sort(pie.Unique(candidates))
	}
	if len(candidates) == 0 {
		return "", 0, errors.Wrap(ErrIneligible, "no region shared by all tickets")
	}

	best, bestLatency := "", math.Inf(1)
	for _, region := range candidates {
		worst := 0.0
		for _, m := range members {
			l, ok := s.predicted(m.Ticket, region)
			if !ok {
				worst = math.Inf(1)
				break
			}
			worst = math.Max(worst, l)
		}
		if worst < bestLatency {
			best, bestLatency = region, worst
		}
	}
	if math.IsInf(bestLatency, 1) {
		return "", 0, errors.Wrap(ErrIneligible, "no region reachable by all tickets")
	}
	logger.WithFields(logrus.Fields{
		"region":    best,
		"latencyMs": bestLatency,
	}).Trace("host region selected")
	return best, bestLatency, nil
}

func (s *DefaultScorer) predicted(t *models.Ticket, region string) (float64, bool) {
	if ms, ok := t.LatencyMs[region]; ok {
		return float64(ms), true
	}
	if !t.CrossRegion || len(t.LatencyMs) == 0 {
		return 0, false
	}
	return float64(pie.Min(pie.Values(t.LatencyMs))) + s.w.CrossRegionPenaltyMs, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (e Evaluation) String() string {
	return fmt.Sprintf("score=%.1f host=%s latency=%.0fms", e.Report.Score, e.HostRegion, e.MaxLatencyMs)
}
