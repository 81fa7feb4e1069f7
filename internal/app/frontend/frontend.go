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

// Package frontend serves ticket submission, cancellation, status polls and
// ready checks.
package frontend

import (
	"net/http"
	"time"

	"matchcore.dev/matchcore/internal/appmain"
	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/httpapi"
	"matchcore.dev/matchcore/pkg/models"
)

// BindService registers the frontend routes.
func BindService(b *appmain.Bindings, cfg config.View, sched Scheduler, ratings Ratings, flags SmurfFlags, now func() time.Time) {
	s := &frontendService{
		minServerLatencyMs: cfg.GetInt(consts.SchedulerMinServerLatencyMs),
		sched:              sched,
		ratings:            ratings,
		flags:              flags,
		now:                now,
	}

	b.Handle("POST /v1/tickets", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		req := &models.MatchSearchRequest{}
		if err := httpapi.Decode(r, req); err != nil {
			return nil, err
		}
		return s.SubmitTicket(r.Context(), req)
	}))
	b.Handle("GET /v1/tickets/{ticketId}", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		return s.QueueStatus(r.Context(), r.PathValue("ticketId"))
	}))
	b.Handle("DELETE /v1/tickets/{ticketId}", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		return s.CancelTicket(r.Context(), r.PathValue("ticketId"))
	}))
	b.Handle("POST /v1/matches/{matchId}/ready", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		req := &models.ReadyCheckRequest{}
		if err := httpapi.Decode(r, req); err != nil {
			return nil, err
		}
		return s.ReadyCheck(r.Context(), r.PathValue("matchId"), req)
	}))
}
