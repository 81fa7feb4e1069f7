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

package admin

import (
	"context"
	"crypto/subtle"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/pkg/models"
)

// TokenHeader carries the admin token.
const TokenHeader = "X-Admin-Token"

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "app.admin",
	})
)

// Coordinator runs season resets.
type Coordinator interface {
	Reset(ctx context.Context, req *models.SeasonResetRequest) (*models.SeasonResetResult, error)
}

// Store reads league state and archives.
type Store interface {
	League(ctx context.Context, leagueID string) (*models.LeagueState, error)
	ArchivedRatings(ctx context.Context, leagueID string, generation int64) ([]models.Rating, error)
}

type adminService struct {
	token       string
	coordinator Coordinator
	store       Store
}

// authorize checks the caller's token. An empty configured token disables
// the admin API.
func (s *adminService) authorize(token string) error {
	if s.token == "" {
		return status.Error(codes.PermissionDenied, "admin API is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid admin token")
	}
	return nil
}

// ResetSeason triggers a season reset of one league.
func (s *adminService) ResetSeason(ctx context.Context, token string, req *models.SeasonResetRequest) (*models.SeasonResetResult, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}
	ctx, span := trace.StartSpan(ctx, "admin.ResetSeason")
	defer span.End()

	logger.WithFields(logrus.Fields{
		"leagueId":         req.LeagueID,
		"carryOverPercent": req.CarryOverPercent,
		"targetGeneration": req.TargetGeneration,
	}).Info("season reset requested")
	return s.coordinator.Reset(ctx, req)
}

// League returns the season state of a league.
func (s *adminService) League(ctx context.Context, token, leagueID string) (*models.LeagueState, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}
	if leagueID == "" {
		return nil, status.Error(codes.InvalidArgument, ".leagueId is required")
	}
	state, err := s.store.League(ctx, leagueID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &models.LeagueState{LeagueID: leagueID}
	}
	return state, nil
}

// Archive returns the ratings archived before the reset that started
// generation.
func (s *adminService) Archive(ctx context.Context, token, leagueID string, generation int64) ([]models.Rating, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}
	if leagueID == "" || generation <= 0 {
		return nil, status.Error(codes.InvalidArgument, ".leagueId and a positive .generation are required")
	}
	ratings, err := s.store.ArchivedRatings(ctx, leagueID, generation)
	if err != nil {
		return nil, err
	}
	if len(ratings) == 0 {
		return nil, status.Errorf(codes.NotFound, "no archive for league %s generation %d", leagueID, generation)
	}
	return ratings, nil
}
