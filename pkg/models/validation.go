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

package models

import (
	"fmt"
	"strings"

	"github.com/elliotchance/pie/v2"
)

// Contract limits.
const (
	MaxQueueIDs     = 30
	MinLatencyCapMs = 30
	MaxLatencyCapMs = 250
)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every field that failed validation.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := pie.Map(v, func(f FieldError) string { return f.Field + ": " + f.Message })
	return "invalid request: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(field, format string, args ...interface{}) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v ValidationErrors) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidateSearchRequest checks a submit-ticket body. minServerLatencyMs is
// the lowest latency the deployment can offer; caps below it can never be
// satisfied.
func ValidateSearchRequest(r *MatchSearchRequest, minServerLatencyMs int) error {
	var errs ValidationErrors
	if strings.TrimSpace(r.PlayerID) == "" {
		errs.add("playerId", "required")
	}
	switch {
	case len(r.QueueIDs) == 0:
		errs.add("queueIds", "at least one queue is required")
	case len(r.QueueIDs) > MaxQueueIDs:
		errs.add("queueIds", "at most %d queues allowed, got %d", MaxQueueIDs, len(r.QueueIDs))
	default:
		if pie.FindFirstUsing(r.QueueIDs, func(q string) bool { return strings.TrimSpace(q) == "" }) >= 0 {
			errs.add("queueIds", "queue ids must not be blank")
		}
		if len(pie.Unique(r.QueueIDs)) != len(r.QueueIDs) {
			errs.add("queueIds", "queue ids must be unique")
		}
	}
	if !r.Mode.Valid() {
		errs.add("mode", "unknown mode")
	}
	if !r.Role.Valid() {
		errs.add("role", "unknown role")
	}
	if r.LatencyCapMs != 0 {
		if r.LatencyCapMs < MinLatencyCapMs || r.LatencyCapMs > MaxLatencyCapMs {
			errs.add("latencyCapMs", "must be within [%d,%d]", MinLatencyCapMs, MaxLatencyCapMs)
		} else if r.LatencyCapMs < minServerLatencyMs {
			errs.add("latencyCapMs", "below server minimum latency %dms", minServerLatencyMs)
		}
	}
	if len(r.LatencyMs) == 0 {
		errs.add("latencyMs", "at least one region sample is required")
	}
	for region, ms := range r.LatencyMs {
		if strings.TrimSpace(region) == "" {
			errs.add("latencyMs", "region name must not be blank")
		}
		if ms < 0 {
			errs.add("latencyMs", "sample for %s must not be negative", region)
		}
	}
	return errs.orNil()
}

// ValidateRatingDelta checks a submit-rating-delta body.
func ValidateRatingDelta(r *RatingDeltaRequest) error {
	var errs ValidationErrors
	if strings.TrimSpace(r.MatchID) == "" {
		errs.add("matchId", "required")
	}
	if strings.TrimSpace(r.PlayerID) == "" {
		errs.add("playerId", "required")
	}
	if !r.Result.Valid() {
		errs.add("result", "must be WIN, LOSS or DRAW")
	}
	if r.OpponentRating < 0 {
		errs.add("opponentRating", "must not be negative")
	}
	for i, b := range r.BonusAdjustments {
		if strings.TrimSpace(b.Name) == "" {
			errs.add(fmt.Sprintf("bonusAdjustments[%d].name", i), "required")
		}
	}
	return errs.orNil()
}

// ValidateSeasonReset checks a trigger-season-reset body. A malformed tier
// table fails here so the reset aborts before any player is touched.
func ValidateSeasonReset(r *SeasonResetRequest) error {
	var errs ValidationErrors
	if strings.TrimSpace(r.LeagueID) == "" {
		errs.add("leagueId", "required")
	}
	if r.CarryOverPercent < 0 || r.CarryOverPercent > 1 {
		errs.add("carryOverPercent", "must be within [0,1]")
	}
	if r.SoftCapRating != nil && *r.SoftCapRating <= 0 {
		errs.add("softCapRating", "must be positive")
	}
	if r.TargetGeneration < 0 {
		errs.add("targetGeneration", "must not be negative")
	}
	seen := map[string]bool{}
	for i, t := range r.TiersMapping {
		field := fmt.Sprintf("tiersMapping[%d]", i)
		if strings.TrimSpace(t.Tier) == "" {
			errs.add(field+".tier", "required")
		} else if seen[t.Tier] {
			errs.add(field+".tier", "duplicate tier %q", t.Tier)
		}
		seen[t.Tier] = true
		if i > 0 && t.MinRating <= r.TiersMapping[i-1].MinRating {
			errs.add(field+".minRating", "must be strictly ascending")
		}
		if t.SeedRating != nil && *t.SeedRating < t.MinRating {
			errs.add(field+".seedRating", "must not be below minRating")
		}
	}
	return errs.orNil()
}

// TierFor returns the tier of rating under boundaries sorted by MinRating.
// Ratings below the first boundary fall into the first tier.
func TierFor(boundaries []TierBoundary, rating float64) (TierBoundary, bool) {
	if len(boundaries) == 0 {
		return TierBoundary{}, false
	}
	picked := boundaries[0]
	for _, b := range boundaries[1:] {
		if rating >= b.MinRating {
			picked = b
		}
	}
	return picked, true
}
