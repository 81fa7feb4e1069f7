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

// MaxRangeExpansions bounds the expansion history kept on a ticket.
const MaxRangeExpansions = 10

// MatchSearchRequest is the body of a submit-ticket call.
type MatchSearchRequest struct {
	PlayerID     string         `json:"playerId"`
	PartyID      string         `json:"partyId,omitempty"`
	QueueIDs     []string       `json:"queueIds"`
	Mode         Mode           `json:"mode"`
	Role         Role           `json:"role"`
	LatencyMs    map[string]int `json:"latencyMs"`
	LatencyCapMs int            `json:"latencyCapMs,omitempty"`
	CrossRegion  bool           `json:"crossRegion,omitempty"`
	LeagueID     string         `json:"leagueId,omitempty"`
}

// Ticket is one search in flight. Only the scheduler mutates it after
// submission.
type Ticket struct {
	ID           string         `json:"ticketId"`
	PlayerID     string         `json:"playerId"`
	PartyID      string         `json:"partyId,omitempty"`
	QueueIDs     []string       `json:"queueIds"`
	Mode         Mode           `json:"mode"`
	Role         Role           `json:"role"`
	LeagueID     string         `json:"leagueId,omitempty"`
	Rating       float64        `json:"rating"`
	SmurfScore   float64        `json:"smurfScore"`
	LatencyMs    map[string]int `json:"latencyMs"`
	LatencyCapMs int            `json:"latencyCapMs,omitempty"`
	CrossRegion  bool           `json:"crossRegion,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`

	State           TicketState      `json:"state"`
	WindowHalfWidth float64          `json:"windowHalfWidth"`
	Expansions      []RangeExpansion `json:"expansions,omitempty"`
	MatchID         string           `json:"matchId,omitempty"`
	// OwnerQueue is the queue whose partition currently owns the ticket.
	OwnerQueue string `json:"ownerQueue,omitempty"`
}

// Wait returns how long the ticket has waited at now. The clock starts at
// CreatedAt and is never reset by requeues.
func (t *Ticket) Wait(now time.Time) time.Duration {
	d := now.Sub(t.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// AppendExpansion records a window change, dropping the oldest entry once
// the history holds MaxRangeExpansions records.
func (t *Ticket) AppendExpansion(e RangeExpansion) {
	t.Expansions = append(t.Expansions, e)
	if n := len(t.Expansions); n > MaxRangeExpansions {
		t.Expansions = append([]RangeExpansion(nil), t.Expansions[n-MaxRangeExpansions:]...)
	}
}

// RangeExpansion records a single widening of a ticket's rating window.
type RangeExpansion struct {
	At                time.Time `json:"at"`
	PreviousHalfWidth float64   `json:"previousHalfWidth"`
	NewHalfWidth      float64   `json:"newHalfWidth"`
}

// RangeExpansionEvent is the telemetry form of a RangeExpansion.
type RangeExpansionEvent struct {
	TicketID string `json:"ticketId"`
	QueueID  string `json:"queueId"`
	Mode     Mode   `json:"mode"`
	RangeExpansion
}

// QueueStatus answers poll-queue-status.
type QueueStatus struct {
	TicketID        string               `json:"ticketId"`
	State           TicketState          `json:"state"`
	QueueID         string               `json:"queueId,omitempty"`
	Mode            Mode                 `json:"mode"`
	QueueSize       int                  `json:"queueSize"`
	WaitSeconds     float64              `json:"waitSeconds"`
	EstimatedWaitS  float64              `json:"estimatedWaitSeconds"`
	WindowHalfWidth float64              `json:"windowHalfWidth"`
	Expansions      []RangeExpansion     `json:"expansions,omitempty"`
	Match           *PendingMatchSummary `json:"match,omitempty"`
}
