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
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

const activeTickets = "tickets:active"

func ticketKey(id string) string {
	return "ticket:" + id
}

// CreateTicket stores a new ticket and indexes it as active. An existing
// ticket with the same id is an AlreadyExists error.
func (rb *redisBackend) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	key := ticketKey(ticket.ID)
	value, err := marshalRecord(key, ticket)
	if err != nil {
		return err
	}

	reply, err := redisConn.Do("SET", key, value, "NX")
	if err != nil {
		return commandFailed("SET", key, err)
	}
	if reply == nil {
		return status.Errorf(codes.AlreadyExists, "ticket id:%s already exists", ticket.ID)
	}
	if _, err = redisConn.Do("SADD", activeTickets, ticket.ID); err != nil {
		return commandFailed("SADD", activeTickets, err)
	}
	return nil
}

// UpdateTicket overwrites the ticket record. Terminal tickets leave the
// active index and expire so late status polls still see the outcome.
func (rb *redisBackend) UpdateTicket(ctx context.Context, ticket *models.Ticket) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	key := ticketKey(ticket.ID)
	value, err := marshalRecord(key, ticket)
	if err != nil {
		return err
	}

	if err = redisConn.Send("MULTI"); err != nil {
		return commandFailed("MULTI", key, err)
	}
	if ticket.State.Terminal() {
		ttl := config.DurationOr(rb.cfg, consts.RedisExpiration, 10*time.Minute)
		redisConn.Send("SET", key, value, "PX", ttl.Milliseconds())
		redisConn.Send("SREM", activeTickets, ticket.ID)
	} else {
		redisConn.Send("SET", key, value)
		redisConn.Send("SADD", activeTickets, ticket.ID)
	}
	if _, err = redisConn.Do("EXEC"); err != nil {
		return commandFailed("EXEC", key, err)
	}
	return nil
}

// GetTicket gets the Ticket with the specified id from state storage. This method fails if the Ticket does not exist.
func (rb *redisBackend) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	key := ticketKey(id)
	value, err := redis.Bytes(redisConn.Do("GET", key))
	if err == redis.ErrNil {
		msg := fmt.Sprintf("Ticket id:%s not found", id)
		redisLogger.WithFields(logrus.Fields{
			"key": key,
			"cmd": "GET",
		}).Debug(msg)
		return nil, status.Error(codes.NotFound, msg)
	}
	if err != nil {
		return nil, commandFailed("GET", key, err)
	}

	ticket := &models.Ticket{}
	if err = unmarshalRecord(key, value, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

// GetActiveTickets returns all indexed tickets. Index entries whose record
// has expired are dropped from the index.
func (rb *redisBackend) GetActiveTickets(ctx context.Context) ([]*models.Ticket, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := redis.Strings(redisConn.Do("SMEMBERS", activeTickets))
	if err != nil {
		return nil, commandFailed("SMEMBERS", activeTickets, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = ticketKey(id)
	}
	values, err := redis.ByteSlices(redisConn.Do("MGET", keys...))
	if err != nil {
		return nil, commandFailed("MGET", activeTickets, err)
	}

	tickets := make([]*models.Ticket, 0, len(ids))
	for i, value := range values {
		if value == nil {
			// Record expired or was never written.
			if _, err := redisConn.Do("SREM", activeTickets, ids[i]); err != nil {
				redisLogger.WithError(err).WithField("ticketId", ids[i]).Warn("failed to drop stale index entry")
			}
			continue
		}
		t := &models.Ticket{}
		if err = unmarshalRecord(ticketKey(ids[i]), value, t); err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}
