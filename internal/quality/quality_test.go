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

package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore.dev/matchcore/pkg/models"
)

const (
	tank    = models.RoleTank
	healer  = models.RoleHealer
	damage  = models.RoleDamage
	support = models.RoleSupport
	flex    = models.RoleFlex
)

func TestAssignRoles(t *testing.T) {
	tests := []struct {
		description string
		mode        models.Mode
		roles       []models.Role
		ok          bool
		fulfillment float64
	}{
		{"ranked any roles", models.ModePvpRanked, []models.Role{damage, damage}, true, 1},
		{"ranked wrong size", models.ModePvpRanked, []models.Role{damage}, false, 0},
		{"dungeon exact", models.ModePveDungeon, []models.Role{tank, healer, damage, damage, damage}, true, 1},
		{"dungeon missing healer", models.ModePveDungeon, []models.Role{tank, damage, damage, damage, support}, false, 0},
		{"dungeon two tanks", models.ModePveDungeon, []models.Role{tank, tank, healer, damage, damage}, false, 0},
		{"dungeon flex healer", models.ModePveDungeon, []models.Role{tank, flex, damage, damage, damage}, true, 0.875},
		{"dungeon flex everywhere", models.ModePveDungeon, []models.Role{flex, flex, flex, flex, flex}, true, 0.5},
		{"raid", models.ModeRaid, []models.Role{tank, tank, healer, healer, damage, damage, damage, support}, true, 1},
		{"raid flex fills tank and healer", models.ModeRaid, []models.Role{tank, flex, healer, flex, damage, damage, damage, damage}, true, 6.0 / 7},
		{"raid too many damage", models.ModeRaid, []models.Role{tank, tank, healer, damage, damage, damage, damage, damage}, false, 0},
		{"casual three healers", models.ModePvpCasual, []models.Role{healer, healer, healer, damage}, false, 0},
	}
	for _, test := range tests {
		test := test
		t.Run(test.description, func(t *testing.T) {
			a, ok := AssignRoles(RequirementFor(test.mode), test.roles)
			require.Equal(t, test.ok, ok)
			if !ok {
				return
			}
			assert.InDelta(t, test.fulfillment, a.Fulfillment, 1e-9)
			for _, r := range a.Roles {
				assert.NotEqual(t, flex, r)
			}
			for i, r := range test.roles {
				if r != flex {
					assert.Equal(t, r, a.Roles[i])
				}
			}
		})
	}
}

func TestAdmissible(t *testing.T) {
	req := RequirementFor(models.ModePveDungeon)
	assert.True(t, req.Admissible([]models.Role{damage, damage, damage}))
	assert.False(t, req.Admissible([]models.Role{damage, damage, damage, damage}))
	assert.False(t, req.Admissible([]models.Role{tank, tank}))
	assert.True(t, req.Admissible([]models.Role{flex, flex, flex, damage}))
	assert.False(t, req.Admissible([]models.Role{damage, damage, damage, support}))
}

func ticket(id string, rating float64, latency map[string]int) *models.Ticket {
	return &models.Ticket{ID: id, Rating: rating, LatencyMs: latency, Mode: models.ModePvpRanked}
}

func TestScoreBalancedRankedPair(t *testing.T) {
	s := NewScorer(DefaultWeights)
	g := Grouping{
		Mode: models.ModePvpRanked,
		Members: []Member{
			{Ticket: ticket("a", 1500, map[string]int{"eu-west": 40})},
			{Ticket: ticket("b", 1520, map[string]int{"eu-west": 40})},
		},
		Fulfillment: 1,
	}
	e, err := s.Score(g)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.Report.Score, 80.0)
	assert.Equal(t, 1.0, e.Report.RoleFulfillment)
	assert.InDelta(t, 0.95, e.Report.RatingBalance, 1e-9)
	assert.Equal(t, 0.0, e.Report.WaitTimePenalty)
	assert.Equal(t, "eu-west", e.HostRegion)
	assert.Equal(t, models.LatencyLow, e.Bucket)
}

func TestScoreRejectsLatencyCap(t *testing.T) {
	s := NewScorer(DefaultWeights)
	a := ticket("a", 1500, map[string]int{"eu-west": 20})
	a.LatencyCapMs = 30
	g := Grouping{
		Members: []Member{
			{Ticket: a},
			{Ticket: ticket("b", 1500, map[string]int{"eu-west": 45})},
		},
		Fulfillment: 1,
	}
	_, err := s.Score(g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIneligible)
}

func TestScoreHostRegion(t *testing.T) {
	s := NewScorer(DefaultWeights)

	g := Grouping{Members: []Member{
		{Ticket: ticket("a", 1500, map[string]int{"eu": 30, "us": 90})},
		{Ticket: ticket("b", 1500, map[string]int{"eu": 100, "us": 50})},
	}, Fulfillment: 1}
	e, err := s.Score(g)
	require.NoError(t, err)
	assert.Equal(t, "us", e.HostRegion)
	assert.Equal(t, 90.0, e.MaxLatencyMs)
	assert.Equal(t, models.LatencyMedium, e.Bucket)

	g = Grouping{Members: []Member{
		{Ticket: ticket("a", 1500, map[string]int{"eu": 30})},
		{Ticket: ticket("b", 1500, map[string]int{"us": 30})},
	}, Fulfillment: 1}
	_, err = s.Score(g)
	assert.ErrorIs(t, err, ErrIneligible)

	b := ticket("b", 1500, map[string]int{"us": 30})
	b.CrossRegion = true
	g.Members[1].Ticket = b
	e, err = s.Score(g)
	require.NoError(t, err)
	assert.Equal(t, "eu", e.HostRegion)
	assert.Equal(t, 70.0, e.MaxLatencyMs)
}

func TestScoreSmurfWidensSpread(t *testing.T) {
	s := NewScorer(DefaultWeights)
	clean := Grouping{Members: []Member{
		{Ticket: ticket("a", 1500, map[string]int{"eu": 30})},
		{Ticket: ticket("b", 1500, map[string]int{"eu": 30})},
	}, Fulfillment: 1}
	flagged := ticket("b", 1500, map[string]int{"eu": 30})
	flagged.SmurfScore = 0.5
	smurfy := Grouping{Members: []Member{clean.Members[0], {Ticket: flagged}}, Fulfillment: 1}

	e1, err := s.Score(clean)
	require.NoError(t, err)
	e2, err := s.Score(smurfy)
	require.NoError(t, err)
	assert.Less(t, e2.Report.RatingBalance, e1.Report.RatingBalance)
	assert.Less(t, e2.Report.Score, e1.Report.Score)
}

func TestScoreWaitPenalty(t *testing.T) {
	s := NewScorer(DefaultWeights)
	g := Grouping{Members: []Member{
		{Ticket: ticket("a", 1500, map[string]int{"eu": 30}), Wait: DefaultWeights.WaitScale},
		{Ticket: ticket("b", 1500, map[string]int{"eu": 30})},
	}, Fulfillment: 1}
	e, err := s.Score(g)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, e.Report.WaitTimePenalty, 1e-9)
}
