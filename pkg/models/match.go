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

// Factor is one named contribution to a quality score.
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Detail string  `json:"detail,omitempty"`
}

// MatchQualityReport explains the score of a single grouping attempt.
type MatchQualityReport struct {
	Score           float64  `json:"score"`
	RatingBalance   float64  `json:"ratingBalance"`
	RoleFulfillment float64  `json:"roleFulfillment"`
	WaitTimePenalty float64  `json:"waitTimePenalty"`
	LatencyPenalty  float64  `json:"latencyPenalty"`
	Factors         []Factor `json:"factors,omitempty"`
}

// PendingMatchSummary is a proposed grouping of tickets.
type PendingMatchSummary struct {
	MatchID        string             `json:"matchId"`
	QueueID        string             `json:"queueId"`
	Mode           Mode               `json:"mode"`
	Status         MatchStatus        `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
	QueueSize      int                `json:"queueSize"`
	EstimatedStart time.Time          `json:"estimatedStart"`
	Quality        MatchQualityReport `json:"quality"`
	LatencyBucket  LatencyBucket      `json:"latencyBucket"`
	HostRegion     string             `json:"hostRegion,omitempty"`
	TicketIDs      []string           `json:"ticketIds"`
	// Roles maps ticket id to the slot it was assigned.
	Roles map[string]Role `json:"roles,omitempty"`
}

// MatchTelemetry is one record of a MatchTelemetryBatch.
type MatchTelemetry struct {
	MatchID     string        `json:"matchId"`
	QueueID     string        `json:"queueId"`
	Mode        Mode          `json:"mode"`
	Status      MatchStatus   `json:"status"`
	Score       float64       `json:"score"`
	Latency     LatencyBucket `json:"latencyBucket"`
	WaitSeconds []float64     `json:"waitSeconds"`
	At          time.Time     `json:"at"`
}

// MatchTelemetryBatch groups telemetry records for the sink.
type MatchTelemetryBatch struct {
	BatchID string           `json:"batchId"`
	SentAt  time.Time        `json:"sentAt"`
	Records []MatchTelemetry `json:"records"`
}

// ReadyCheckRequest is a participant's answer to a proposed match.
type ReadyCheckRequest struct {
	TicketID string `json:"ticketId"`
	Accept   bool   `json:"accept"`
}

// ReportResponse answers report-player.
type ReportResponse struct {
	PlayerID string `json:"playerId"`
	Reports  int    `json:"reports"`
}
