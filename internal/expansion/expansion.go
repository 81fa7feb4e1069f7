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

// Package expansion computes how far a ticket's acceptable rating window has
// widened after waiting in queue.
package expansion

import (
	"math"
	"strings"
	"time"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

// Curve is the widening schedule of a single mode.
type Curve struct {
	Base    float64
	Ceiling float64
	// Ramp is the wait after which the window stays at Ceiling.
	Ramp time.Duration
}

// DefaultCurves are used for modes without configured overrides.
var DefaultCurves = map[models.Mode]Curve{
	models.ModePvpRanked:  {Base: 50, Ceiling: 400, Ramp: 120 * time.Second},
	models.ModePvpCasual:  {Base: 150, Ceiling: 800, Ramp: 90 * time.Second},
	models.ModePveDungeon: {Base: 200, Ceiling: 1000, Ramp: 90 * time.Second},
	models.ModeRaid:       {Base: 250, Ceiling: 1000, Ramp: 150 * time.Second},
	models.ModeArenaEvent: {Base: 75, Ceiling: 500, Ramp: 180 * time.Second},
}

// Policy maps elapsed wait to a rating half-width. It holds no mutable state,
// so replicas given the same configuration agree on every window.
type Policy struct {
	curves map[models.Mode]Curve
	step   time.Duration
}

// NewPolicy builds a policy from explicit curves. A non-positive step makes
// growth continuous.
func NewPolicy(curves map[models.Mode]Curve, step time.Duration) *Policy {
	c := make(map[models.Mode]Curve, len(DefaultCurves))
	for m, v := range DefaultCurves {
		c[m] = v
	}
	for m, v := range curves {
		c[m] = v
	}
	return &Policy{curves: c, step: step}
}

// FromConfig reads per mode overrides such as expansion.pvp_ranked.base.
func FromConfig(cfg config.View) *Policy {
	curves := map[models.Mode]Curve{}
	for _, m := range models.Modes {
		prefix := consts.ExpansionPrefix + strings.ToLower(m.String()) + "."
		d := DefaultCurves[m]
		curves[m] = Curve{
			Base:    config.FloatOr(cfg, prefix+"base", d.Base),
			Ceiling: config.FloatOr(cfg, prefix+"ceiling", d.Ceiling),
			Ramp:    config.DurationOr(cfg, prefix+"ramp", d.Ramp),
		}
	}
	return NewPolicy(curves, cfg.GetDuration(consts.ExpansionStep))
}

// Curve returns the schedule used for mode. Unknown modes use the casual curve.
func (p *Policy) Curve(mode models.Mode) Curve {
	if c, ok := p.curves[mode]; ok {
		return c
	}
	return p.curves[models.ModePvpCasual]
}

// Window returns the half-width of the acceptable rating window after wait.
func (p *Policy) Window(wait time.Duration, mode models.Mode) float64 {
	c := p.Curve(mode)
	if wait < 0 {
		wait = 0
	}
	if p.step > 0 {
		wait = wait.Truncate(p.step)
	}
	if c.Ceiling <= c.Base || c.Ramp <= 0 {
		return math.Max(c.Base, c.Ceiling)
	}
	frac := math.Min(1, float64(wait)/float64(c.Ramp))
	return c.Base + (c.Ceiling-c.Base)*frac
}

// Overlap reports whether two tickets accept each other: the rating gap must
// fit inside both windows.
func Overlap(ratingA, windowA, ratingB, windowB float64) bool {
	return math.Abs(ratingA-ratingB) <= math.Min(windowA, windowB)
}
