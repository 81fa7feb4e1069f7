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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/pkg/models"
)

type countingScorer struct {
	calls int
	inner quality.Scorer
}

func (c *countingScorer) Score(g quality.Grouping) (quality.Evaluation, error) {
	c.calls++
	return c.inner.Score(g)
}

func cand(id string, rating, window float64, role models.Role, wait time.Duration) candidate {
	return candidate{
		ticket: &models.Ticket{
			ID:        id,
			Rating:    rating,
			Role:      role,
			LatencyMs: map[string]int{"eu-west": 40},
		},
		wait:   wait,
		window: window,
	}
}

func newSearcher(mode models.Mode, scorer quality.Scorer) *searcher {
	return &searcher{
		mode:   mode,
		req:    quality.RequirementFor(mode),
		scorer: scorer,
		width:  12,
		budget: 5000,
	}
}

func TestByWait(t *testing.T) {
	cs := []candidate{
		cand("c", 1500, 50, models.RoleFlex, time.Second),
		cand("b", 1500, 50, models.RoleFlex, 5*time.Second),
		cand("a", 1500, 50, models.RoleFlex, time.Second),
	}
	byWait(cs)
	assert.Equal(t, []string{"b", "a", "c"}, []string{cs[0].ticket.ID, cs[1].ticket.ID, cs[2].ticket.ID})
}

func TestSearchPicksBestPartner(t *testing.T) {
	s := newSearcher(models.ModePvpRanked, quality.NewScorer(quality.DefaultWeights))
	anchor := cand("a", 1500, 400, models.RoleDamage, 0)
	pool := []candidate{
		anchor,
		cand("far", 1850, 400, models.RoleDamage, 0),
		cand("near", 1520, 400, models.RoleDamage, 0),
	}

	got := s.best(anchor, pool)
	require.NotNil(t, got)
	require.Len(t, got.members, 2)
	assert.Equal(t, "a", got.members[0].ticket.ID)
	assert.Equal(t, "near", got.members[1].ticket.ID)
	assert.GreaterOrEqual(t, got.eval.Report.Score, 80.0)
}

func TestSearchRequiresMutualAcceptance(t *testing.T) {
	s := newSearcher(models.ModeArenaEvent, quality.NewScorer(quality.DefaultWeights))
	anchor := cand("a", 1500, 100, models.RoleDamage, 0)
	pool := []candidate{
		anchor,
		cand("high", 1580, 100, models.RoleDamage, 0),
		cand("low", 1420, 100, models.RoleDamage, 0),
	}
	// Both partners accept the anchor but not each other.
	assert.Nil(t, s.best(anchor, pool))
}

func TestSearchNeverScoresMissingMandatoryRole(t *testing.T) {
	scorer := &countingScorer{inner: quality.NewScorer(quality.DefaultWeights)}
	s := newSearcher(models.ModePveDungeon, scorer)
	anchor := cand("t", 1500, 500, models.RoleTank, 0)
	pool := []candidate{
		anchor,
		cand("d1", 1500, 500, models.RoleDamage, 0),
		cand("d2", 1500, 500, models.RoleDamage, 0),
		cand("d3", 1500, 500, models.RoleDamage, 0),
		cand("s1", 1500, 500, models.RoleSupport, 0),
	}

	assert.Nil(t, s.best(anchor, pool))
	assert.Equal(t, 0, scorer.calls)

	pool = append(pool, cand("h", 1500, 500, models.RoleHealer, 0))
	got := s.best(anchor, pool)
	require.NotNil(t, got)
	assert.Len(t, got.members, 5)
	assert.Positive(t, scorer.calls)
}

func TestSearchBudget(t *testing.T) {
	scorer := &countingScorer{inner: quality.NewScorer(quality.DefaultWeights)}
	s := newSearcher(models.ModePvpCasual, scorer)
	s.budget = 3
	var pool []candidate
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		pool = append(pool, cand(id, 1500, 200, models.RoleFlex, 0))
	}

	got := s.best(pool[0], pool)
	require.NotNil(t, got)
	assert.Equal(t, 3, scorer.calls)
	assert.Equal(t, 0, s.budget)
	assert.Nil(t, s.best(pool[1], pool))
}

func TestSearchWidthCapsPartners(t *testing.T) {
	s := newSearcher(models.ModeArenaEvent, quality.NewScorer(quality.DefaultWeights))
	s.width = 1
	pool := []candidate{
		cand("a", 1500, 100, models.RoleDamage, 0),
		cand("b", 1500, 100, models.RoleDamage, 0),
		cand("c", 1500, 100, models.RoleDamage, 0),
	}
	assert.Nil(t, s.best(pool[0], pool))

	s.width = 2
	assert.NotNil(t, s.best(pool[0], pool))
}
