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

// Package statestore persists tickets, rating ledgers, smurf flags and league
// state in Redis.
package statestore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-redsync/redsync/v4"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

// Service is a generic interface for talking to a storage backend.
type Service interface {
	// HealthCheck indicates if the database is reachable.
	HealthCheck(ctx context.Context) error

	// CreateTicket stores a new ticket and indexes it as active.
	CreateTicket(ctx context.Context, ticket *models.Ticket) error

	// UpdateTicket overwrites the ticket record. Terminal tickets leave the
	// active index and expire after redis.expiration.
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error

	// GetTicket returns the ticket or a NotFound status.
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)

	// GetActiveTickets returns every ticket that has not reached a terminal state.
	GetActiveTickets(ctx context.Context) ([]*models.Ticket, error)

	// Projection returns the stored rating projection, or nil when absent.
	Projection(ctx context.Context, playerID, leagueID string) (*models.Rating, error)

	// History returns the whole ledger in append order.
	History(ctx context.Context, playerID, leagueID string) ([]models.RatingHistoryEntry, error)

	// EntryByMatch returns the ledger entry recorded for matchID, or nil.
	EntryByMatch(ctx context.Context, playerID, leagueID, matchID string) (*models.RatingHistoryEntry, error)

	// AppendEntry appends entry and stores next if the ledger still has
	// prevVersion entries. A recorded match returns the existing entry; a
	// moved version returns an Aborted status.
	AppendEntry(ctx context.Context, entry models.RatingHistoryEntry, next models.Rating, prevVersion int64) (*models.RatingHistoryEntry, error)

	// ActivePlayers lists the player and league pairs updated since the given time.
	ActivePlayers(ctx context.Context, since time.Time) ([]models.PlayerLeague, error)

	// SmurfFlag returns the stored flag for a player, or nil.
	SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error)

	// PutSmurfFlag stores the flag for a player.
	PutSmurfFlag(ctx context.Context, flag models.SmurfFlag) error

	// ReportPlayer records a report once per reporter and returns the count.
	ReportPlayer(ctx context.Context, playerID string, report models.PlayerReport) (int, error)

	// ReportCount returns the number of distinct reporters of a player.
	ReportCount(ctx context.Context, playerID string) (int, error)

	// League returns the league state, or nil when the league never reset.
	League(ctx context.Context, leagueID string) (*models.LeagueState, error)

	// LeagueRatings returns every stored projection of a league.
	LeagueRatings(ctx context.Context, leagueID string) ([]models.Rating, error)

	// CommitSeason applies a season reset in one transaction.
	CommitSeason(ctx context.Context, commit SeasonCommit) error

	// ArchivedRatings returns the projections archived before the reset
	// that started the given generation.
	ArchivedRatings(ctx context.Context, leagueID string, generation int64) ([]models.Rating, error)

	// Publish sends payload on a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// NewMutex returns a distributed lock on name.
	NewMutex(name string, expiry time.Duration) *redsync.Mutex

	// Close the connection to the database.
	Close() error
}

// PlayerReset is one player's part of a season commit.
type PlayerReset struct {
	Origin      models.RatingHistoryEntry
	Next        models.Rating
	PrevVersion int64
}

// SeasonCommit is everything a season reset writes.
type SeasonCommit struct {
	League  models.LeagueState
	Players []PlayerReset
	// Archive holds pre-reset projections; empty skips archiving.
	Archive []models.Rating
}

// New creates a Service based on the configuration.
func New(cfg config.View) Service {
	s := newRedis(cfg)
	if cfg.GetBool(consts.TelemetryPrometheusEnable) || cfg.GetBool(consts.TelemetryOCAgentEnable) || cfg.GetBool(consts.TelemetryStackdriverEnable) {
		return &instrumentedService{
			s: s,
		}
	}
	return s
}

// NewExponentialBackoff builds the retry strategy configured under backoff.
func NewExponentialBackoff(cfg config.View) backoff.BackOff {
	backoffStrat := backoff.NewExponentialBackOff()
	backoffStrat.InitialInterval = cfg.GetDuration(consts.BackoffInitInterval)
	backoffStrat.RandomizationFactor = cfg.GetFloat64(consts.BackoffRandFactor)
	backoffStrat.Multiplier = cfg.GetFloat64(consts.BackoffMultiplier)
	backoffStrat.MaxInterval = cfg.GetDuration(consts.BackoffMaxInterval)
	backoffStrat.MaxElapsedTime = cfg.GetDuration(consts.BackoffMaxElapsedTime)
	return backoffStrat
}
