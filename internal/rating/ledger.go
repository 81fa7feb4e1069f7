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
	"sort"

	"matchcore.dev/matchcore/pkg/models"
)

// Less orders ledger entries for folding.
func Less(a, b models.RatingHistoryEntry) bool {
	return a.Before(b)
}

// Sorted returns a copy of entries in fold order.
func Sorted(entries []models.RatingHistoryEntry) []models.RatingHistoryEntry {
	out := append([]models.RatingHistoryEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Fold rebuilds the rating projection of a player from the ledger. Entries
// may be in arrival order. Each entry carries its own delta so the result
// does not depend on arrival order. The running ratingAfter of every entry
// is rewritten in the returned slice.
func (p Params) Fold(playerID, leagueID string, entries []models.RatingHistoryEntry) (models.Rating, []models.RatingHistoryEntry) {
	r := models.Rating{
		PlayerID:   playerID,
		LeagueID:   leagueID,
		Rating:     p.Default,
		Volatility: 1,
	}
	ordered := Sorted(entries)
	for i := range ordered {
		p.foldOne(&r, &ordered[i])
	}
	r.Version = int64(len(entries))
	return r, ordered
}

func (p Params) foldOne(r *models.Rating, e *models.RatingHistoryEntry) {
	switch e.Kind {
	case models.EntryOrigin:
		r.Rating = e.RatingAfter
		r.Generation = e.Generation
	case models.EntryMatch:
		r.Rating += e.Delta
		e.RatingAfter = r.Rating
		if e.Placement || r.PlacementMatches < p.PlacementMatches {
			r.PlacementMatches++
		}
		r.Volatility = math.Max(p.VolatilityFloor, r.Volatility*p.VolatilityDecay)
		switch e.Result {
		case models.ResultWin:
			r.Wins++
		case models.ResultLoss:
			r.Losses++
		case models.ResultDraw:
			r.Draws++
		case models.ResultUnspecified:
		}
	}
	if e.Timestamp.After(r.LastUpdated) {
		r.LastUpdated = e.Timestamp
	}
	r.LastMatchAt = e.Timestamp
	r.LastMatchID = e.MatchID
	if e.Generation > r.Generation {
		r.Generation = e.Generation
	}
}

// Advance applies one new entry to a projection. When the entry sorts
// after everything already folded it is applied incrementally; otherwise
// the caller must refold.
func (p Params) Advance(r models.Rating, e *models.RatingHistoryEntry) (models.Rating, bool) {
	last := models.RatingHistoryEntry{
		Kind:       models.EntryMatch,
		Generation: r.Generation,
		Timestamp:  r.LastMatchAt,
		MatchID:    r.LastMatchID,
	}
	if r.Version > 0 && !Less(last, *e) {
		return r, false
	}
	p.foldOne(&r, e)
	r.Version++
	return r, true
}
