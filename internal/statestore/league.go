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
	"strconv"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/pkg/models"
)

func leagueKey(leagueID string) string {
	return "league:{" + leagueID + "}"
}

func archiveKey(leagueID string, generation int64) string {
	return "league:{" + leagueID + "}:archive:" + strconv.FormatInt(generation, 10)
}

// League returns the league state, or nil when the league never reset.
func (rb *redisBackend) League(ctx context.Context, leagueID string) (*models.LeagueState, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	return getLeague(redisConn, leagueID)
}

func getLeague(redisConn redis.Conn, leagueID string) (*models.LeagueState, error) {
	key := leagueKey(leagueID)
	value, err := redis.Bytes(redisConn.Do("GET", key))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, commandFailed("GET", key, err)
	}
	state := &models.LeagueState{}
	if err = unmarshalRecord(key, value, state); err != nil {
		return nil, err
	}
	return state, nil
}

// LeagueRatings returns every stored projection of a league.
func (rb *redisBackend) LeagueRatings(ctx context.Context, leagueID string) ([]models.Rating, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	playersKey := leaguePlayersKey(leagueID)
	players, err := redis.Strings(redisConn.Do("SMEMBERS", playersKey))
	if err != nil {
		return nil, commandFailed("SMEMBERS", playersKey, err)
	}
	if len(players) == 0 {
		return nil, nil
	}

	keys := make([]interface{}, len(players))
	for i, p := range players {
		keys[i] = projectionKey(p, leagueID)
	}
	values, err := redis.ByteSlices(redisConn.Do("MGET", keys...))
	if err != nil {
		return nil, commandFailed("MGET", playersKey, err)
	}
	ratings := make([]models.Rating, 0, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		var r models.Rating
		if err = unmarshalRecord(projectionKey(players[i], leagueID), value, &r); err != nil {
			return nil, err
		}
		ratings = append(ratings, r)
	}
	return ratings, nil
}

// CommitSeason writes every player's origin entry and projection, the
// optional archive and the new league state in one MULTI/EXEC. It returns
// Aborted when the league generation or any touched ledger moved since the
// commit was computed.
func (rb *redisBackend) CommitSeason(ctx context.Context, commit SeasonCommit) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	leagueID := commit.League.LeagueID
	lKey := leagueKey(leagueID)
	watched := make([]interface{}, 0, len(commit.Players)+1)
	watched = append(watched, lKey)
	for _, p := range commit.Players {
		watched = append(watched, ledgerKey(p.Next.PlayerID, leagueID))
	}
	if _, err = redisConn.Do("WATCH", watched...); err != nil {
		return commandFailed("WATCH", lKey, err)
	}
	defer redisConn.Do("UNWATCH")

	current, err := getLeague(redisConn, leagueID)
	if err != nil {
		return err
	}
	if current != nil && current.Generation >= commit.League.Generation {
		return status.Errorf(codes.Aborted, "league %s is already at generation %d", leagueID, current.Generation)
	}

	type write struct {
		key   string
		entry []byte
		proj  []byte
	}
	writes := make([]write, 0, len(commit.Players))
	for _, p := range commit.Players {
		key := ledgerKey(p.Next.PlayerID, leagueID)
		length, err := redis.Int64(redisConn.Do("LLEN", key))
		if err != nil {
			return commandFailed("LLEN", key, err)
		}
		if length != p.PrevVersion {
			return status.Errorf(codes.Aborted, "ledger %s moved from version %d to %d", key, p.PrevVersion, length)
		}
		entry, err := marshalRecord(key, p.Origin)
		if err != nil {
			return err
		}
		proj, err := marshalRecord(key, p.Next)
		if err != nil {
			return err
		}
		writes = append(writes, write{key: key, entry: entry, proj: proj})
	}

	var archive []interface{}
	if len(commit.Archive) > 0 {
		aKey := archiveKey(leagueID, commit.League.Generation)
		archive = append(archive, aKey)
		for _, r := range commit.Archive {
			value, err := marshalRecord(aKey, r)
			if err != nil {
				return err
			}
			archive = append(archive, r.PlayerID, value)
		}
	}
	state, err := marshalRecord(lKey, commit.League)
	if err != nil {
		return err
	}

	redisConn.Send("MULTI")
	for i, w := range writes {
		redisConn.Send("RPUSH", w.key, w.entry)
		redisConn.Send("SET", projectionKey(commit.Players[i].Next.PlayerID, leagueID), w.proj)
	}
	if len(archive) > 0 {
		redisConn.Send("HMSET", archive...)
	}
	redisConn.Send("SET", lKey, state)
	reply, err := redisConn.Do("EXEC")
	if err != nil {
		return commandFailed("EXEC", lKey, err)
	}
	if reply == nil {
		return status.Errorf(codes.Aborted, "league %s changed during season commit", leagueID)
	}

	redisLogger.WithFields(logrus.Fields{
		"leagueId":   leagueID,
		"generation": commit.League.Generation,
		"players":    len(writes),
		"archived":   len(commit.Archive),
	}).Info("season committed")
	return nil
}

// ArchivedRatings returns the projections archived by the reset that
// started generation.
func (rb *redisBackend) ArchivedRatings(ctx context.Context, leagueID string, generation int64) ([]models.Rating, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	key := archiveKey(leagueID, generation)
	values, err := redis.ByteSlices(redisConn.Do("HVALS", key))
	if err != nil {
		return nil, commandFailed("HVALS", key, err)
	}
	ratings := make([]models.Rating, len(values))
	for i, value := range values {
		if err = unmarshalRecord(key, value, &ratings[i]); err != nil {
			return nil, err
		}
	}
	return ratings, nil
}
