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

package frontend

import (
	"context"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/omerror"
	"matchcore.dev/matchcore/internal/telemetry"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "app.frontend",
	})

	keyMode = tag.MustNewKey("mode")

	mTicketsSubmitted = telemetry.Counter("frontend/tickets_submitted", "tickets submitted", keyMode)
	mTicketsRejected  = telemetry.Counter("frontend/tickets_rejected", "tickets rejected at validation")
)

// Scheduler is the queue scheduler as seen by the frontend.
type Scheduler interface {
	Submit(ctx context.Context, t *models.Ticket) error
	Cancel(ctx context.Context, id string) (*models.Ticket, error)
	Status(ctx context.Context, id string) (*models.QueueStatus, error)
	ReadyCheck(ctx context.Context, matchID, ticketID string, accept bool) (*models.PendingMatchSummary, error)
}

// Ratings provides the rating snapshot stamped on new tickets.
type Ratings interface {
	Current(ctx context.Context, playerID, leagueID string) (models.Rating, error)
}

// SmurfFlags provides the advisory smurf score stamped on new tickets.
type SmurfFlags interface {
	SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error)
}

// frontendService creates tickets and answers queue status polls.
type frontendService struct {
	minServerLatencyMs int
	sched              Scheduler
	ratings            Ratings
	flags              SmurfFlags
	now                func() time.Time
}

// SubmitTicket validates a search request and queues a ticket for it. The
// ticket carries the rating and smurf score of the player at submission.
func (s *frontendService) SubmitTicket(ctx context.Context, req *models.MatchSearchRequest) (*models.Ticket, error) {
	ctx, span := trace.StartSpan(ctx, "frontend.SubmitTicket")
	defer span.End()

	if err := models.ValidateSearchRequest(req, s.minServerLatencyMs); err != nil {
		telemetry.RecordUnitMeasurement(ctx, mTicketsRejected)
		return nil, omerror.Invalid(err)
	}

	r, err := s.ratings.Current(ctx, req.PlayerID, req.LeagueID)
	if err != nil {
		return nil, err
	}
	var smurfScore float64
	flag, err := s.flags.SmurfFlag(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}
	if flag != nil {
		smurfScore = flag.Score
	}

	now := s.now().UTC()
	ticket := &models.Ticket{
		ID:           xid.New().String(),
		PlayerID:     req.PlayerID,
		PartyID:      req.PartyID,
		QueueIDs:     append([]string(nil), req.QueueIDs...),
		Mode:         req.Mode,
		Role:         req.Role,
		LeagueID:     r.LeagueID,
		Rating:       r.Rating,
		SmurfScore:   smurfScore,
		LatencyMs:    req.LatencyMs,
		LatencyCapMs: req.LatencyCapMs,
		CrossRegion:  req.CrossRegion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sched.Submit(ctx, ticket); err != nil {
		return nil, err
	}
	ticket.State = models.TicketWaiting

	telemetry.RecordUnitMeasurement(ctx, mTicketsSubmitted, tag.Upsert(keyMode, req.Mode.String()))
	logger.WithFields(logrus.Fields{
		"ticketId": ticket.ID,
		"playerId": ticket.PlayerID,
		"queues":   ticket.QueueIDs,
		"mode":     ticket.Mode.String(),
	}).Debug("ticket submitted")
	return ticket, nil
}

// CancelTicket withdraws a ticket.
func (s *frontendService) CancelTicket(ctx context.Context, id string) (*models.Ticket, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, ".ticketId is required")
	}
	return s.sched.Cancel(ctx, id)
}

// QueueStatus reports where a ticket stands.
func (s *frontendService) QueueStatus(ctx context.Context, id string) (*models.QueueStatus, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, ".ticketId is required")
	}
	return s.sched.Status(ctx, id)
}

// ReadyCheck answers a match proposal for one ticket.
func (s *frontendService) ReadyCheck(ctx context.Context, matchID string, req *models.ReadyCheckRequest) (*models.PendingMatchSummary, error) {
	if matchID == "" || req.TicketID == "" {
		return nil, status.Error(codes.InvalidArgument, ".matchId and .ticketId are required")
	}
	return s.sched.ReadyCheck(ctx, matchID, req.TicketID, req.Accept)
}
