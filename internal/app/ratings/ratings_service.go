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

package ratings

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "app.ratings",
	})
)

// Engine is the rating update engine.
type Engine interface {
	Apply(ctx context.Context, req *models.RatingDeltaRequest) (*models.RatingDeltaResponse, error)
	Current(ctx context.Context, playerID, leagueID string) (models.Rating, error)
	History(ctx context.Context, playerID, leagueID string, pageSize int, pageToken string) (*models.RatingHistoryPage, error)
}

// Store holds smurf flags and player reports.
type Store interface {
	SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error)
	ReportPlayer(ctx context.Context, playerID string, report models.PlayerReport) (int, error)
}

// Refresher recomputes a player's smurf flag.
type Refresher interface {
	Refresh(ctx context.Context, p models.PlayerLeague) error
}

type ratingsService struct {
	engine        Engine
	store         Store
	refresher     Refresher
	defaultLeague string
	pageSize      int
	maxPageSize   int
}

// SubmitDelta applies a match result. Replays of a recorded match return
// the original entry with applied set to false.
func (s *ratingsService) SubmitDelta(ctx context.Context, req *models.RatingDeltaRequest) (*models.RatingDeltaResponse, error) {
	ctx, span := trace.StartSpan(ctx, "ratings.SubmitDelta")
	defer span.End()
	return s.engine.Apply(ctx, req)
}

// Rating returns the current projection of a player.
func (s *ratingsService) Rating(ctx context.Context, playerID, leagueID string) (models.Rating, error) {
	if playerID == "" {
		return models.Rating{}, status.Error(codes.InvalidArgument, ".playerId is required")
	}
	return s.engine.Current(ctx, playerID, leagueID)
}

// History returns one page of a player's ledger, newest first.
func (s *ratingsService) History(ctx context.Context, playerID, leagueID string, pageSize int, pageToken string) (*models.RatingHistoryPage, error) {
	if playerID == "" {
		return nil, status.Error(codes.InvalidArgument, ".playerId is required")
	}
	switch {
	case pageSize == 0:
		pageSize = s.pageSize
	case pageSize < 0:
		return nil, status.Errorf(codes.InvalidArgument, "pageSize must be positive, got %d", pageSize)
	case pageSize > s.maxPageSize:
		pageSize = s.maxPageSize
	}
	return s.engine.History(ctx, playerID, leagueID, pageSize, pageToken)
}

// SmurfFlag returns the stored flag, or an empty one for players never
// evaluated.
func (s *ratingsService) SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error) {
	if playerID == "" {
		return nil, status.Error(codes.InvalidArgument, ".playerId is required")
	}
	flag, err := s.store.SmurfFlag(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if flag == nil {
		flag = &models.SmurfFlag{PlayerID: playerID, Reasons: []models.SmurfReason{}}
	}
	return flag, nil
}

// ReportPlayer records a report and re-evaluates the reported player.
func (s *ratingsService) ReportPlayer(ctx context.Context, playerID string, report *models.PlayerReport) (*models.ReportResponse, error) {
	switch {
	case playerID == "":
		return nil, status.Error(codes.InvalidArgument, ".playerId is required")
	case report.ReporterID == "":
		return nil, status.Error(codes.InvalidArgument, ".reporterId is required")
	case report.ReporterID == playerID:
		return nil, status.Error(codes.InvalidArgument, "players cannot report themselves")
	}
	n, err := s.store.ReportPlayer(ctx, playerID, *report)
	if err != nil {
		return nil, err
	}
	if err := s.refresher.Refresh(ctx, models.PlayerLeague{PlayerID: playerID, LeagueID: s.defaultLeague}); err != nil {
		// The next sweep picks the report up.
		logger.WithError(err).WithField("playerId", playerID).Warn("failed to refresh smurf flag after report")
	}
	return &models.ReportResponse{PlayerID: playerID, Reports: n}, nil
}
