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

// Package rating applies concluded match results to player ratings. The
// append-only ledger is the source of truth; the stored rating is a fold of
// it that can always be rebuilt.
package rating

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/smurf"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "rating",
	})

	deltasApplied    = stats.Int64("rating/deltas_applied", "Rating deltas applied to the ledger", "1")
	deltasDuplicated = stats.Int64("rating/deltas_duplicated", "Rating deltas ignored as replays", "1")
	deltaMagnitude   = stats.Float64("rating/delta_magnitude", "Absolute rating change per applied delta", "1")

	// DeltasAppliedView is the Open Census view for the deltasApplied measure.
	DeltasAppliedView = &view.View{
		Name:        "rating/deltas_applied",
		Measure:     deltasApplied,
		Description: "The number of rating deltas applied",
		Aggregation: view.Count(),
	}
	// DeltasDuplicatedView is the Open Census view for the deltasDuplicated measure.
	DeltasDuplicatedView = &view.View{
		Name:        "rating/deltas_duplicated",
		Measure:     deltasDuplicated,
		Description: "The number of rating deltas ignored because the match was already applied",
		Aggregation: view.Count(),
	}
	// DeltaMagnitudeView is the Open Census view for the deltaMagnitude measure.
	DeltaMagnitudeView = &view.View{
		Name:        "rating/delta_magnitude",
		Measure:     deltaMagnitude,
		Description: "Distribution of absolute rating changes",
		Aggregation: view.Distribution(0, 4, 8, 16, 32, 64, 128),
	}
)

// Store is the persistent Rating Store.
type Store interface {
	// Projection returns the folded rating, or nil when the player has none.
	Projection(ctx context.Context, playerID, leagueID string) (*models.Rating, error)
	History(ctx context.Context, playerID, leagueID string) ([]models.RatingHistoryEntry, error)
	EntryByMatch(ctx context.Context, playerID, leagueID, matchID string) (*models.RatingHistoryEntry, error)
	// AppendEntry atomically appends entry and stores next, provided the
	// ledger still holds prevVersion entries. It returns the existing entry
	// instead when the match was already recorded, and an Aborted status
	// when the version moved.
	AppendEntry(ctx context.Context, entry models.RatingHistoryEntry, next models.Rating, prevVersion int64) (*models.RatingHistoryEntry, error)
	League(ctx context.Context, leagueID string) (*models.LeagueState, error)
	SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error)
	ReportCount(ctx context.Context, playerID string) (int, error)
	PutSmurfFlag(ctx context.Context, flag models.SmurfFlag) error
}

// Engine is the Rating Update Engine.
type Engine struct {
	params   Params
	store    Store
	detector *smurf.Detector
	queues   *playerQueues
	newRetry func() backoff.BackOff
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets the backoff used when the stored version moves under us.
func WithRetry(newRetry func() backoff.BackOff) Option {
	return func(e *Engine) { e.newRetry = newRetry }
}

// NewEngine returns an engine over store. detector may be nil to skip
// placement smurf checks.
func NewEngine(params Params, store Store, detector *smurf.Detector, opts ...Option) *Engine {
	e := &Engine{
		params:   params,
		store:    store,
		detector: detector,
		queues:   newPlayerQueues(),
		now:      time.Now,
		newRetry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 10)
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Params returns the engine tunables.
func (e *Engine) Params() Params { return e.params }

// Apply records one match result for one player. Replaying a match that is
// already in the ledger is a successful no-op returning the original entry
// with Applied false.
func (e *Engine) Apply(ctx context.Context, req *models.RatingDeltaRequest) (*models.RatingDeltaResponse, error) {
	if err := models.ValidateRatingDelta(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r := *req
	if r.LeagueID == "" {
		r.LeagueID = e.params.DefaultLeague
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = e.now().UTC()
	}

	var resp *models.RatingDeltaResponse
	err := e.queues.Do(ctx, r.PlayerID+"|"+r.LeagueID, func() error {
		var err error
		op := func() error {
			resp, err = e.applyOnce(ctx, &r)
			if status.Code(errors.Cause(err)) == codes.Aborted {
				return err
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if retryErr := backoff.Retry(op, backoff.WithContext(e.newRetry(), ctx)); retryErr != nil {
			return retryErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"matchId":  r.MatchID,
		"playerId": r.PlayerID,
		"leagueId": r.LeagueID,
	}
	if !resp.Applied {
		stats.Record(ctx, deltasDuplicated.M(1))
		logger.WithFields(fields).Info("duplicate rating delta ignored")
		return resp, nil
	}
	stats.Record(ctx, deltasApplied.M(1), deltaMagnitude.M(math.Abs(resp.Entry.Delta)))
	logger.WithFields(fields).WithField("delta", resp.Entry.Delta).Debug("rating delta applied")

	if resp.Entry.Placement && e.detector != nil {
		e.recheckSmurf(ctx, r.PlayerID, r.LeagueID)
	}
	return resp, nil
}

func (e *Engine) applyOnce(ctx context.Context, r *models.RatingDeltaRequest) (*models.RatingDeltaResponse, error) {
	if existing, err := e.store.EntryByMatch(ctx, r.PlayerID, r.LeagueID, r.MatchID); err != nil {
		return nil, err
	} else if existing != nil {
		return e.duplicate(ctx, r, existing)
	}

	current, err := e.current(ctx, r.PlayerID, r.LeagueID)
	if err != nil {
		return nil, err
	}
	softCap := e.params.SoftCap
	league, err := e.store.League(ctx, r.LeagueID)
	if err != nil {
		return nil, err
	}
	if league != nil && league.SoftCap != nil {
		softCap = *league.SoftCap
	}
	smurfScore := 0.0
	if flag, err := e.store.SmurfFlag(ctx, r.PlayerID); err != nil {
		return nil, err
	} else if flag != nil {
		smurfScore = flag.Score
	}

	placement := r.PlacementFlag || current.PlacementMatches < e.params.PlacementMatches
	out := e.params.Compute(current, r, softCap, smurfScore)
	entry := models.RatingHistoryEntry{
		Kind:           models.EntryMatch,
		Timestamp:      r.ProcessedAt,
		MatchID:        r.MatchID,
		RatingAfter:    current.Rating + out.Delta,
		Delta:          out.Delta,
		OpponentRating: r.OpponentRating,
		Result:         r.Result,
		BonusesApplied: out.Bonuses,
		Placement:      placement,
		UpsetWin:       r.UpsetWin,
		Generation:     current.Generation,
	}

	next, ok := e.params.Advance(current, &entry)
	if !ok {
		history, err := e.store.History(ctx, r.PlayerID, r.LeagueID)
		if err != nil {
			return nil, err
		}
		next, _ = e.params.Fold(r.PlayerID, r.LeagueID, append(history, entry))
		next.Tier = current.Tier
		logger.WithFields(logrus.Fields{
			"matchId":  r.MatchID,
			"playerId": r.PlayerID,
		}).Debug("out of order rating delta, projection refolded")
	}
	next.PlayerID, next.LeagueID = r.PlayerID, r.LeagueID

	existing, err := e.store.AppendEntry(ctx, entry, next, current.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.duplicate(ctx, r, existing)
	}
	return &models.RatingDeltaResponse{Entry: entry, Rating: next, Applied: true}, nil
}

func (e *Engine) duplicate(ctx context.Context, r *models.RatingDeltaRequest, existing *models.RatingHistoryEntry) (*models.RatingDeltaResponse, error) {
	current, err := e.current(ctx, r.PlayerID, r.LeagueID)
	if err != nil {
		return nil, err
	}
	return &models.RatingDeltaResponse{Entry: *existing, Rating: current, Applied: false}, nil
}

// Current returns the stored projection or a fresh default rating.
func (e *Engine) Current(ctx context.Context, playerID, leagueID string) (models.Rating, error) {
	if leagueID == "" {
		leagueID = e.params.DefaultLeague
	}
	return e.current(ctx, playerID, leagueID)
}

func (e *Engine) current(ctx context.Context, playerID, leagueID string) (models.Rating, error) {
	proj, err := e.store.Projection(ctx, playerID, leagueID)
	if err != nil {
		return models.Rating{}, err
	}
	if proj != nil {
		return *proj, nil
	}
	return models.Rating{
		PlayerID:   playerID,
		LeagueID:   leagueID,
		Rating:     e.params.Default,
		Volatility: 1,
	}, nil
}

// Rebuild refolds a player's projection from the ledger and returns it
// without storing it.
func (e *Engine) Rebuild(ctx context.Context, playerID, leagueID string) (models.Rating, error) {
	history, err := e.store.History(ctx, playerID, leagueID)
	if err != nil {
		return models.Rating{}, err
	}
	r, _ := e.params.Fold(playerID, leagueID, history)
	return r, nil
}

// History returns one page of the ledger, newest first, with ratingAfter
// recomputed in fold order. pageToken is the opaque offset returned by the
// previous page.
func (e *Engine) History(ctx context.Context, playerID, leagueID string, pageSize int, pageToken string) (*models.RatingHistoryPage, error) {
	if leagueID == "" {
		leagueID = e.params.DefaultLeague
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid page token %q", pageToken)
		}
		offset = n
	}
	if pageSize <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "page size must be positive, got %d", pageSize)
	}

	history, err := e.store.History(ctx, playerID, leagueID)
	if err != nil {
		return nil, err
	}
	_, ordered := e.params.Fold(playerID, leagueID, history)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	page := &models.RatingHistoryPage{PlayerID: playerID, LeagueID: leagueID, Total: len(ordered), Entries: []models.RatingHistoryEntry{}}
	if offset >= len(ordered) {
		return page, nil
	}
	end := offset + pageSize
	if end < len(ordered) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(ordered)
	}
	page.Entries = ordered[offset:end]
	return page, nil
}

func (e *Engine) recheckSmurf(ctx context.Context, playerID, leagueID string) {
	history, err := e.store.History(ctx, playerID, leagueID)
	if err != nil {
		logger.WithError(err).WithField("playerId", playerID).Warn("failed to read history for smurf check")
		return
	}
	reports, err := e.store.ReportCount(ctx, playerID)
	if err != nil {
		logger.WithError(err).WithField("playerId", playerID).Warn("failed to read reports for smurf check")
		return
	}
	flag := e.detector.Evaluate(smurf.SignalsFrom(playerID, history, reports, e.params.PlacementMatches, e.now().UTC()))
	if err := e.store.PutSmurfFlag(ctx, flag); err != nil {
		logger.WithError(err).WithField("playerId", playerID).Warn("failed to store smurf flag")
	}
}
