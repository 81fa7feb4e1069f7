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

import "time"

// BonusAdjustment is an additive environmental rating bonus.
type BonusAdjustment struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// RatingDeltaRequest reports one concluded match for one player.
type RatingDeltaRequest struct {
	MatchID          string            `json:"matchId"`
	PlayerID         string            `json:"playerId"`
	LeagueID         string            `json:"leagueId,omitempty"`
	OpponentRating   float64           `json:"opponentRating"`
	Result           MatchResult       `json:"result"`
	BonusAdjustments []BonusAdjustment `json:"bonusAdjustments,omitempty"`
	PlacementFlag    bool              `json:"placementFlag,omitempty"`
	// UpsetWin marks a win the reporter considers abnormal for the matchup.
	UpsetWin    bool      `json:"upsetWin,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// EntryKind tells ledger folds how to treat an entry.
type EntryKind string

// Entry kinds.
const (
	EntryMatch  EntryKind = "MATCH"
	EntryOrigin EntryKind = "SEASON_ORIGIN"
)

// RatingHistoryEntry is one append-only ledger record.
type RatingHistoryEntry struct {
	Kind           EntryKind         `json:"kind"`
	Timestamp      time.Time         `json:"timestamp"`
	MatchID        string            `json:"matchId"`
	RatingAfter    float64           `json:"ratingAfter"`
	Delta          float64           `json:"delta"`
	OpponentRating float64           `json:"opponentRating"`
	Result         MatchResult       `json:"result"`
	BonusesApplied []BonusAdjustment `json:"bonusesApplied,omitempty"`
	Placement      bool              `json:"placement,omitempty"`
	UpsetWin       bool              `json:"upsetWin,omitempty"`
	Generation     int64             `json:"generation,omitempty"`
}

// Before orders ledger entries for folding: by the generation they were
// applied in, origins before matches within a generation, then by
// timestamp and match id.
func (e RatingHistoryEntry) Before(o RatingHistoryEntry) bool {
	if e.Generation != o.Generation {
		return e.Generation < o.Generation
	}
	if (e.Kind == EntryOrigin) != (o.Kind == EntryOrigin) {
		return e.Kind == EntryOrigin
	}
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.MatchID < o.MatchID
}

// RatingHistoryPage is one page of get-rating-history.
type RatingHistoryPage struct {
	PlayerID      string               `json:"playerId"`
	LeagueID      string               `json:"leagueId"`
	Entries       []RatingHistoryEntry `json:"entries"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
	Total         int                  `json:"total"`
}

// Rating is the projection folded from a player's ledger.
type Rating struct {
	PlayerID         string    `json:"playerId"`
	LeagueID         string    `json:"leagueId"`
	Rating           float64   `json:"rating"`
	Volatility       float64   `json:"volatility"`
	PlacementMatches int       `json:"placementMatches"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	Draws            int       `json:"draws"`
	LastUpdated      time.Time `json:"lastUpdated"`
	Version          int64     `json:"version"`
	Generation       int64     `json:"generation"`
	Tier             string    `json:"tier,omitempty"`
	// LastMatchAt is the timestamp of the newest folded entry.
	LastMatchAt time.Time `json:"lastMatchAt"`
	LastMatchID string    `json:"lastMatchId,omitempty"`
}

// Games returns the number of folded match results.
func (r *Rating) Games() int { return r.Wins + r.Losses + r.Draws }

// RatingDeltaResponse answers submit-rating-delta.
type RatingDeltaResponse struct {
	Entry   RatingHistoryEntry `json:"entry"`
	Rating  Rating             `json:"rating"`
	Applied bool               `json:"applied"`
}

// SmurfFlag is the advisory smurf signal for a player.
type SmurfFlag struct {
	PlayerID           string        `json:"playerId"`
	Score              float64       `json:"score"`
	Reasons            []SmurfReason `json:"reasons"`
	GamesPlayed        int           `json:"gamesPlayed"`
	FlaggedAt          time.Time     `json:"flaggedAt"`
	PlacementCompleted bool          `json:"placementCompleted"`
}

// PlayerReport is the body of report-player.
type PlayerReport struct {
	ReporterID string `json:"reporterId"`
	Reason     string `json:"reason,omitempty"`
}

// PlayerLeague identifies a rating row.
type PlayerLeague struct {
	PlayerID string `json:"playerId"`
	LeagueID string `json:"leagueId"`
}
