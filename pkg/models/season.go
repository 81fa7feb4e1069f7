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

// TierBoundary maps ratings at or above MinRating to Tier. When SeedRating
// is set, players landing in the tier are reseeded to it.
type TierBoundary struct {
	Tier       string   `json:"tier"`
	MinRating  float64  `json:"minRating"`
	SeedRating *float64 `json:"seedRating,omitempty"`
}

// SeasonResetRequest is the body of trigger-season-reset.
type SeasonResetRequest struct {
	LeagueID         string         `json:"leagueId"`
	CarryOverPercent float64        `json:"carryOverPercent"`
	SoftCapRating    *float64       `json:"softCapRating,omitempty"`
	TiersMapping     []TierBoundary `json:"tiersMapping,omitempty"`
	ArchiveSnapshot  bool           `json:"archiveSnapshot,omitempty"`
	NotifyPlayers    bool           `json:"notifyPlayers,omitempty"`
	// TargetGeneration pins the generation to produce. Zero means current+1.
	TargetGeneration int64 `json:"targetGeneration,omitempty"`
}

// SeasonResetResult reports what a reset did.
type SeasonResetResult struct {
	LeagueID       string    `json:"leagueId"`
	Generation     int64     `json:"generation"`
	GlobalMean     float64   `json:"globalMean"`
	PlayersReset   int       `json:"playersReset"`
	PlayersSkipped int       `json:"playersSkipped"`
	Archived       bool      `json:"archived"`
	Notified       int       `json:"notified"`
	AlreadyApplied bool      `json:"alreadyApplied"`
	CompletedAt    time.Time `json:"completedAt"`
}

// LeagueState is the persisted per-league season bookkeeping.
type LeagueState struct {
	LeagueID    string         `json:"leagueId"`
	Generation  int64          `json:"generation"`
	ResetAt     time.Time      `json:"resetAt,omitempty"`
	GlobalMean  float64        `json:"globalMean"`
	SoftCap     *float64       `json:"softCapRating,omitempty"`
	Tiers       []TierBoundary `json:"tiersMapping,omitempty"`
	PlayerCount int            `json:"playerCount"`
}

// SeasonNotification is published to each player after a reset commits.
type SeasonNotification struct {
	PlayerID   string  `json:"playerId"`
	LeagueID   string  `json:"leagueId"`
	Generation int64   `json:"generation"`
	OldRating  float64 `json:"oldRating"`
	NewRating  float64 `json:"newRating"`
	Tier       string  `json:"tier,omitempty"`
}
