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

// Package admin serves season resets and league inspection behind an
// admin token.
package admin

import (
	"net/http"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/appmain"
	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/httpapi"
	"matchcore.dev/matchcore/pkg/models"
)

// BindService registers the admin routes.
func BindService(b *appmain.Bindings, cfg config.View, coordinator Coordinator, store Store) {
	s := &adminService{
		token:       cfg.GetString(consts.AdminToken),
		coordinator: coordinator,
		store:       store,
	}

	b.Handle("POST /v1/admin/seasons/reset", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		req := &models.SeasonResetRequest{}
		if err := httpapi.Decode(r, req); err != nil {
			return nil, err
		}
		return s.ResetSeason(r.Context(), r.Header.Get(TokenHeader), req)
	}))
	b.Handle("GET /v1/admin/leagues/{leagueId}", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		return s.League(r.Context(), r.Header.Get(TokenHeader), r.PathValue("leagueId"))
	}))
	b.Handle("GET /v1/admin/leagues/{leagueId}/archives/{generation}", httpapi.HandlerFunc(func(r *http.Request) (interface{}, error) {
		gen, err := strconv.ParseInt(r.PathValue("generation"), 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "generation must be an integer, got %q", r.PathValue("generation"))
		}
		return s.Archive(r.Context(), r.Header.Get(TokenHeader), r.PathValue("leagueId"), gen)
	}))
}
