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
	"sort"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/pkg/errors"

	"matchcore.dev/matchcore/internal/expansion"
	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/pkg/models"
)

// candidate is a waiting ticket as seen by one grouping pass.
type candidate struct {
	ticket *models.Ticket
	wait   time.Duration
	window float64
}

func (c candidate) accepts(o candidate) bool {
	return expansion.Overlap(c.ticket.Rating, c.window, o.ticket.Rating, o.window)
}

// plan is the best grouping found around one anchor.
type plan struct {
	members []candidate
	assign  quality.Assignment
	eval    quality.Evaluation
}

// searcher looks for cliques of mutually accepting tickets that satisfy the
// role requirement of a mode. budget is shared by every search of a tick.
type searcher struct {
	mode   models.Mode
	req    quality.Requirement
	scorer quality.Scorer
	width  int
	budget int
}

// byWait orders candidates oldest first, ticket id breaking ties.
func byWait(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].wait != cs[j].wait {
			return cs[i].wait > cs[j].wait
		}
		return cs[i].ticket.ID < cs[j].ticket.ID
	})
}

// best returns the highest scoring grouping that contains anchor and only
// members from pool, or nil when none is feasible.
func (s *searcher) best(anchor candidate, pool []candidate) *plan {
	partners := pie.Filter(pool, func(c candidate) bool {
		return c.ticket.ID != anchor.ticket.ID && anchor.accepts(c)
	})
	if len(partners) > s.width {
		partners = partners[:s.width]
	}
	if len(partners) < s.req.Size-1 {
		return nil
	}

	var found *plan
	chosen := make([]candidate, 1, s.req.Size)
	chosen[0] = anchor
	s.extend(chosen, partners, 0, &found)
	return found
}

func (s *searcher) extend(chosen, partners []candidate, from int, found **plan) {
	if s.budget <= 0 {
		return
	}
	if len(chosen) == s.req.Size {
		s.budget--
		s.consider(chosen, found)
		return
	}
	for i := from; i < len(partners); i++ {
		// Not enough partners left to fill the group.
		if len(partners)-i < s.req.Size-len(chosen) {
			return
		}
		c := partners[i]
		if !acceptsAll(c, chosen) {
			continue
		}
		next := append(chosen, c)
		if !s.req.Admissible(roles(next)) {
			continue
		}
		s.extend(next, partners, i+1, found)
		if s.budget <= 0 {
			return
		}
	}
}

func (s *searcher) consider(chosen []candidate, found **plan) {
	assign, ok := quality.AssignRoles(s.req, roles(chosen))
	if !ok {
		return
	}
	members := make([]quality.Member, len(chosen))
	for i, c := range chosen {
		members[i] = quality.Member{Ticket: c.ticket, Wait: c.wait}
	}
	eval, err := s.scorer.Score(quality.Grouping{Mode: s.mode, Members: members, Fulfillment: assign.Fulfillment})
	if errors.Is(err, quality.ErrIneligible) {
		return
	}
	if err != nil {
		logger.WithError(err).Warn("scorer failed on grouping")
		return
	}
	if *found == nil || eval.Report.Score > (*found).eval.Report.Score {
		*found = &plan{
			members: append([]candidate(nil), chosen...),
			assign:  assign,
			eval:    eval,
		}
	}
}

// acceptsAll reports whether c and every member of group accept each other.
func acceptsAll(c candidate, group []candidate) bool {
	for _, m := range group {
		if !c.accepts(m) {
			return false
		}
	}
	return true
}

func roles(cs []candidate) []models.Role {
	return pie.Map(cs, func(c candidate) models.Role { return c.ticket.Role })
}
