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

// Package ratings serves rating deltas, rating history, smurf flags and
// player reports.
package ratings

import (
	"net/http"

	"matchcore.dev/matchcore/internal/appmain"
	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/httpapi"
	"matchcore.dev/matchcore/pkg/models"
)

// BindService registers the ratings routes.
func BindService(b *appmain.Bindings, cfg config.View, engine Engine, store Store, refresher Refresher, defaultLeague string) {
	s := &ratingsService{
		engine:        engine,
		store:         store,
		refresher:     refresher,
		defaultLeague: defaultLeague,
		pageSize:      config.IntOr(cfg, consts.RatingHistoryPageSize, 50),
		maxPageSize:   config.IntOr(cfg, consts.RatingHistoryMaxPage, 200),
	}

	b.Handle("POST /v1/ratings/deltas", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		req := &models.RatingDeltaRequest{}
		if err := httpapi.Decode(r, req); err != nil {
			return nil, err
		}
		return s.SubmitDelta(r.Context(), req)
	}))
	b.Handle("GET /v1/players/{playerId}/rating", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		return s.Rating(r.Context(), r.PathValue("playerId"), r.URL.Query().Get("leagueId"))
	}))
	b.Handle("GET /v1/players/{playerId}/history", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		pageSize, err := httpapi.QueryInt(r, "pageSize", 0)
		if err != nil {
			return nil, err
		}
		q := r.URL.Query()
		return s.History(r.Context(), r.PathValue("playerId"), q.Get("leagueId"), pageSize, q.Get("pageToken"))
	}))
	b.Handle("GET /v1/players/{playerId}/smurf", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		return s.SmurfFlag(r.Context(), r.PathValue("playerId"))
	}))
	b.Handle("POST /v1/players/{playerId}/reports", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		req := &models.PlayerReport{}
		if err := httpapi.Decode(r, req); err != nil {
			return nil, err
		}
		return s.ReportPlayer(r.Context(), r.PathValue("playerId"), req)
	}))
}
