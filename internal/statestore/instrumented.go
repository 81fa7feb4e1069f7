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

package statestore

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"go.opencensus.io/trace"

	"matchcore.dev/matchcore/internal/telemetry"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	mStateStoreCreateTicketCount     = telemetry.Counter("statestore/createticketcount", "tickets created")
	mStateStoreUpdateTicketCount     = telemetry.Counter("statestore/updateticketcount", "tickets updated")
	mStateStoreGetTicketCount        = telemetry.Counter("statestore/getticketcount", "tickets retrieved")
	mStateStoreGetActiveTicketsCount = telemetry.Counter("statestore/getactiveticketscount", "active ticket scans")
	mStateStoreProjectionCount       = telemetry.Counter("statestore/projectioncount", "rating projections read")
	mStateStoreHistoryCount          = telemetry.Counter("statestore/historycount", "rating ledgers read")
	mStateStoreEntryByMatchCount     = telemetry.Counter("statestore/entrybymatchcount", "ledger match lookups")
	mStateStoreAppendEntryCount      = telemetry.Counter("statestore/appendentrycount", "ledger appends")
	mStateStoreActivePlayersCount    = telemetry.Counter("statestore/activeplayerscount", "active player scans")
	mStateStoreSmurfFlagCount        = telemetry.Counter("statestore/getsmurfflagcount", "smurf flags read")
	mStateStorePutSmurfFlagCount     = telemetry.Counter("statestore/putsmurfflagcount", "smurf flags stored")
	mStateStoreReportPlayerCount     = telemetry.Counter("statestore/reportplayercount", "player reports")
	mStateStoreReportCountCount      = telemetry.Counter("statestore/reportcountcount", "report counts read")
	mStateStoreLeagueCount           = telemetry.Counter("statestore/leaguecount", "league states read")
	mStateStoreLeagueRatingsCount    = telemetry.Counter("statestore/leagueratingscount", "league rating scans")
	mStateStoreCommitSeasonCount     = telemetry.Counter("statestore/commitseasoncount", "season commits")
	mStateStoreArchivedRatingsCount  = telemetry.Counter("statestore/archivedratingscount", "archive reads")
	mStateStorePublishCount          = telemetry.Counter("statestore/publishcount", "pub/sub publishes")
)

// instrumentedService is a wrapper for a statestore service that provides instrumentation (metrics and tracing) of the database.
type instrumentedService struct {
	s Service
}

// Close the connection to the database.
func (is *instrumentedService) Close() error {
	return is.s.Close()
}

// HealthCheck indicates if the database is reachable.
func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

// NewMutex returns a distributed lock on name.
func (is *instrumentedService) NewMutex(name string, expiry time.Duration) *redsync.Mutex {
	return is.s.NewMutex(name, expiry)
}

func (is *instrumentedService) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.CreateTicket")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreCreateTicketCount)
	return is.s.CreateTicket(ctx, ticket)
}

func (is *instrumentedService) UpdateTicket(ctx context.Context, ticket *models.Ticket) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.UpdateTicket")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreUpdateTicketCount)
	return is.s.UpdateTicket(ctx, ticket)
}

func (is *instrumentedService) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetTicket")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetTicketCount)
	return is.s.GetTicket(ctx, id)
}

func (is *instrumentedService) GetActiveTickets(ctx context.Context) ([]*models.Ticket, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetActiveTickets")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetActiveTicketsCount)
	return is.s.GetActiveTickets(ctx)
}

func (is *instrumentedService) Projection(ctx context.Context, playerID, leagueID string) (*models.Rating, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.Projection")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreProjectionCount)
	return is.s.Projection(ctx, playerID, leagueID)
}

func (is *instrumentedService) History(ctx context.Context, playerID, leagueID string) ([]models.RatingHistoryEntry, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.History")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreHistoryCount)
	return is.s.History(ctx, playerID, leagueID)
}

func (is *instrumentedService) EntryByMatch(ctx context.Context, playerID, leagueID, matchID string) (*models.RatingHistoryEntry, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.EntryByMatch")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreEntryByMatchCount)
	return is.s.EntryByMatch(ctx, playerID, leagueID, matchID)
}

func (is *instrumentedService) AppendEntry(ctx context.Context, entry models.RatingHistoryEntry, next models.Rating, prevVersion int64) (*models.RatingHistoryEntry, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.AppendEntry")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreAppendEntryCount)
	return is.s.AppendEntry(ctx, entry, next, prevVersion)
}

func (is *instrumentedService) ActivePlayers(ctx context.Context, since time.Time) ([]models.PlayerLeague, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ActivePlayers")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreActivePlayersCount)
	return is.s.ActivePlayers(ctx, since)
}

func (is *instrumentedService) SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.SmurfFlag")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreSmurfFlagCount)
	return is.s.SmurfFlag(ctx, playerID)
}

func (is *instrumentedService) PutSmurfFlag(ctx context.Context, flag models.SmurfFlag) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.PutSmurfFlag")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStorePutSmurfFlagCount)
	return is.s.PutSmurfFlag(ctx, flag)
}

func (is *instrumentedService) ReportPlayer(ctx context.Context, playerID string, report models.PlayerReport) (int, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ReportPlayer")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreReportPlayerCount)
	return is.s.ReportPlayer(ctx, playerID, report)
}

func (is *instrumentedService) ReportCount(ctx context.Context, playerID string) (int, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ReportCount")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreReportCountCount)
	return is.s.ReportCount(ctx, playerID)
}

func (is *instrumentedService) League(ctx context.Context, leagueID string) (*models.LeagueState, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.League")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreLeagueCount)
	return is.s.League(ctx, leagueID)
}

func (is *instrumentedService) LeagueRatings(ctx context.Context, leagueID string) ([]models.Rating, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.LeagueRatings")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreLeagueRatingsCount)
	return is.s.LeagueRatings(ctx, leagueID)
}

func (is *instrumentedService) CommitSeason(ctx context.Context, commit SeasonCommit) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.CommitSeason")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreCommitSeasonCount)
	return is.s.CommitSeason(ctx, commit)
}

func (is *instrumentedService) ArchivedRatings(ctx context.Context, leagueID string, generation int64) ([]models.Rating, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ArchivedRatings")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreArchivedRatingsCount)
	return is.s.ArchivedRatings(ctx, leagueID, generation)
}

func (is *instrumentedService) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.Publish")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStorePublishCount)
	return is.s.Publish(ctx, channel, payload)
}
