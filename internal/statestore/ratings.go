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

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/pkg/models"
)

const activePlayers = "ratings:active"

func ledgerKey(playerID, leagueID string) string {
	return "rating:{" + leagueID + "}:" + playerID + ":ledger"
}

func matchIndexKey(playerID, leagueID string) string {
	return "rating:{" + leagueID + "}:" + playerID + ":matches"
}

func projectionKey(playerID, leagueID string) string {
	return "rating:{" + leagueID + "}:" + playerID
}

func leaguePlayersKey(leagueID string) string {
	return "league:{" + leagueID + "}:players"
}

func smurfKey(playerID string) string {
	return "smurf:" + playerID
}

func reportsKey(playerID string) string {
	return "reports:" + playerID
}

func activeMember(playerID, leagueID string) ([]byte, error) {
	return marshalRecord(activePlayers, models.PlayerLeague{PlayerID: playerID, LeagueID: leagueID})
}

// Projection returns the stored rating projection, or nil when absent.
func (rb *redisBackend) Projection(ctx context.Context, playerID, leagueID string) (*models.Rating, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	key := projectionKey(playerID, leagueID)
	value, err := redis.Bytes(redisConn.Do("GET", key))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, commandFailed("GET", key, err)
	}
	r := &models.Rating{}
	if err = unmarshalRecord(key, value, r); err != nil {
		return nil, err
	}
	return r, nil
}

// History returns the whole ledger in append order.
func (rb *redisBackend) History(ctx context.Context, playerID, leagueID string) ([]models.RatingHistoryEntry, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	key := ledgerKey(playerID, leagueID)
	values, err := redis.ByteSlices(redisConn.Do("LRANGE", key, 0, -1))
	if err != nil {
		return nil, commandFailed("LRANGE", key, err)
	}
	entries := make([]models.RatingHistoryEntry, len(values))
	for i, value := range values {
		if err = unmarshalRecord(key, value, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// EntryByMatch returns the ledger entry recorded for matchID, or nil.
func (rb *redisBackend) EntryByMatch(ctx context.Context, playerID, leagueID, matchID string) (*models.RatingHistoryEntry, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	return entryByMatch(redisConn, playerID, leagueID, matchID)
}

func entryByMatch(redisConn redis.Conn, playerID, leagueID, matchID string) (*models.RatingHistoryEntry, error) {
	idxKey := matchIndexKey(playerID, leagueID)
	idx, err := redis.Int64(redisConn.Do("HGET", idxKey, matchID))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, commandFailed("HGET", idxKey, err)
	}

	key := ledgerKey(playerID, leagueID)
	value, err := redis.Bytes(redisConn.Do("LINDEX", key, idx))
	if err == redis.ErrNil {
		return nil, status.Errorf(codes.Internal, "ledger %s has no entry %d for match %s", key, idx, matchID)
	}
	if err != nil {
		return nil, commandFailed("LINDEX", key, err)
	}
	e := &models.RatingHistoryEntry{}
	if err = unmarshalRecord(key, value, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendEntry appends entry to the ledger and stores next under an
// optimistic check on the ledger length.
func (rb *redisBackend) AppendEntry(ctx context.Context, entry models.RatingHistoryEntry, next models.Rating, prevVersion int64) (*models.RatingHistoryEntry, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	playerID, leagueID := next.PlayerID, next.LeagueID
	key := ledgerKey(playerID, leagueID)
	idxKey := matchIndexKey(playerID, leagueID)

	if _, err = redisConn.Do("WATCH", key, idxKey); err != nil {
		return nil, commandFailed("WATCH", key, err)
	}
	defer redisConn.Do("UNWATCH")

	existing, err := entryByMatch(redisConn, playerID, leagueID, entry.MatchID)
	if err != nil || existing != nil {
		return existing, err
	}
	length, err := redis.Int64(redisConn.Do("LLEN", key))
	if err != nil {
		return nil, commandFailed("LLEN", key, err)
	}
	if length != prevVersion {
		return nil, status.Errorf(codes.Aborted, "ledger %s moved from version %d to %d", key, prevVersion, length)
	}

	entryValue, err := marshalRecord(key, entry)
	if err != nil {
		return nil, err
	}
	projValue, err := marshalRecord(projectionKey(playerID, leagueID), next)
	if err != nil {
		return nil, err
	}
	member, err := activeMember(playerID, leagueID)
	if err != nil {
		return nil, err
	}

	redisConn.Send("MULTI")
	redisConn.Send("RPUSH", key, entryValue)
	redisConn.Send("HSET", idxKey, entry.MatchID, prevVersion)
	redisConn.Send("SET", projectionKey(playerID, leagueID), projValue)
	redisConn.Send("SADD", leaguePlayersKey(leagueID), playerID)
	redisConn.Send("ZADD", activePlayers, entry.Timestamp.Unix(), member)
	reply, err := redisConn.Do("EXEC")
	if err != nil {
		return nil, commandFailed("EXEC", key, err)
	}
	if reply == nil {
		return nil, status.Errorf(codes.Aborted, "ledger %s changed during append", key)
	}
	return nil, nil
}

// ActivePlayers lists the player and league pairs updated since the given time.
func (rb *redisBackend) ActivePlayers(ctx context.Context, since time.Time) ([]models.PlayerLeague, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	values, err := redis.ByteSlices(redisConn.Do("ZRANGEBYSCORE", activePlayers, since.Unix(), "+inf"))
	if err != nil {
		return nil, commandFailed("ZRANGEBYSCORE", activePlayers, err)
	}
	out := make([]models.PlayerLeague, len(values))
	for i, value := range values {
		if err = unmarshalRecord(activePlayers, value, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SmurfFlag returns the stored flag for a player, or nil.
func (rb *redisBackend) SmurfFlag(ctx context.Context, playerID string) (*models.SmurfFlag, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	key := smurfKey(playerID)
	value, err := redis.Bytes(redisConn.Do("GET", key))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, commandFailed("GET", key, err)
	}
	flag := &models.SmurfFlag{}
	if err = unmarshalRecord(key, value, flag); err != nil {
		return nil, err
	}
	return flag, nil
}

// PutSmurfFlag stores the flag for a player.
func (rb *redisBackend) PutSmurfFlag(ctx context.Context, flag models.SmurfFlag) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	key := smurfKey(flag.PlayerID)
	value, err := marshalRecord(key, flag)
	if err != nil {
		return err
	}
	if _, err = redisConn.Do("SET", key, value); err != nil {
		return commandFailed("SET", key, err)
	}
	redisLogger.WithFields(logrus.Fields{
		"playerId": flag.PlayerID,
		"score":    flag.Score,
	}).Debug("smurf flag stored")
	return nil
}

// ReportPlayer records a report once per reporter and returns the number
// of distinct reporters.
func (rb *redisBackend) ReportPlayer(ctx context.Context, playerID string, report models.PlayerReport) (int, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer handleConnectionClose(&redisConn)

	key := reportsKey(playerID)
	redisConn.Send("MULTI")
	redisConn.Send("HSETNX", key, report.ReporterID, report.Reason)
	redisConn.Send("HLEN", key)
	values, err := redis.Values(redisConn.Do("EXEC"))
	if err != nil {
		return 0, commandFailed("EXEC", key, err)
	}
	var added, count int
	if _, err = redis.Scan(values, &added, &count); err != nil {
		return 0, commandFailed("EXEC", key, err)
	}
	if added == 0 {
		redisLogger.WithFields(logrus.Fields{
			"playerId":   playerID,
			"reporterId": report.ReporterID,
		}).Debug("duplicate report ignored")
	}
	return count, nil
}

// ReportCount returns the number of distinct reporters of a player.
func (rb *redisBackend) ReportCount(ctx context.Context, playerID string) (int, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer handleConnectionClose(&redisConn)

	key := reportsKey(playerID)
	n, err := redis.Int(redisConn.Do("HLEN", key))
	if err != nil {
		return 0, commandFailed("HLEN", key, err)
	}
	return n, nil
}
