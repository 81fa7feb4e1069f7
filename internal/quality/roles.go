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
	"matchcore.dev/matchcore/pkg/models"
)

// Slot bounds how many players may fill a role.
type Slot struct {
	Min int
	Max int
}

// Requirement is the party composition a mode needs.
type Requirement struct {
	Size  int
	Slots map[models.Role]Slot
}

// slotRoles lists the assignable roles in a stable order. FLEX is never a slot.
var slotRoles = []models.Role{models.RoleTank, models.RoleHealer, models.RoleDamage, models.RoleSupport}

// DefaultRequirements are the compositions of each mode.
var DefaultRequirements = map[models.Mode]Requirement{
	models.ModePvpRanked: {Size: 2},
	models.ModePvpCasual: {Size: 4, Slots: map[models.Role]Slot{
		models.RoleTank:    {0, 2},
		models.RoleHealer:  {0, 2},
		models.RoleDamage:  {0, 2},
		models.RoleSupport: {0, 2},
	}},
	models.ModePveDungeon: {Size: 5, Slots: map[models.Role]Slot{
		models.RoleTank:    {1, 1},
		models.RoleHealer:  {1, 1},
		models.RoleDamage:  {2, 3},
		models.RoleSupport: {0, 1},
	}},
	models.ModeRaid: {Size: 8, Slots: map[models.Role]Slot{
		models.RoleTank:    {2, 2},
		models.RoleHealer:  {2, 2},
		models.RoleDamage:  {3, 4},
		models.RoleSupport: {0, 1},
	}},
	models.ModeArenaEvent: {Size: 3, Slots: map[models.Role]Slot{
		models.RoleHealer: {0, 1},
	}},
}

// RequirementFor returns the composition of mode, defaulting to ranked.
func RequirementFor(mode models.Mode) Requirement {
	if r, ok := DefaultRequirements[mode]; ok {
		return r
	}
	return DefaultRequirements[models.ModePvpRanked]
}

func (r Requirement) slot(role models.Role) Slot {
	if s, ok := r.Slots[role]; ok {
		return s
	}
	return Slot{Min: 0, Max: r.Size}
}

// Mandatory is the number of headcount slots with a minimum.
func (r Requirement) Mandatory() int {
	n := 0
	for _, s := range r.Slots {
		n += s.Min
	}
	return n
}

// Admissible reports whether a partial group can still grow into a valid
// one: no declared role is over its maximum and there is room left for the
// missing minimums.
func (r Requirement) Admissible(roles []models.Role) bool {
	if len(roles) > r.Size {
		return false
	}
	counts, flex := countRoles(roles)
	missing := 0
	for _, role := range slotRoles {
		s := r.slot(role)
		if counts[role] > s.Max {
			return false
		}
		if counts[role] < s.Min {
			missing += s.Min - counts[role]
		}
	}
	return missing <= flex+(r.Size-len(roles))
}

// Assignment is the outcome of role solving for a full group.
type Assignment struct {
	// Roles holds the slot filled by each member, index aligned with input.
	Roles       []models.Role
	Fulfillment float64
}

// AssignRoles searches for a slot per member that satisfies every minimum
// and maximum of req. Declared roles are fixed; FLEX members are placed last
// by backtracking. ok is false when the group is the wrong size or cannot be
// completed.
func AssignRoles(req Requirement, roles []models.Role) (Assignment, bool) {
	if len(roles) != req.Size {
		return Assignment{}, false
	}
	counts, _ := countRoles(roles)
	for _, role := range slotRoles {
		if counts[role] > req.slot(role).Max {
			return Assignment{}, false
		}
	}

	out := make([]models.Role, len(roles))
	var flexIdx []int
	for i, role := range roles {
		if role == models.RoleFlex {
			flexIdx = append(flexIdx, i)
			continue
		}
		out[i] = role
	}

	var place func(k int) bool
	place = func(k int) bool {
		if k == len(flexIdx) {
			for _, role := range slotRoles {
				if counts[role] < req.slot(role).Min {
					return false
				}
			}
			return true
		}
		// Unmet minimums first so the common case needs no backtracking.
		for pass := 0; pass < 2; pass++ {
			for _, role := range slotRoles {
				s := req.slot(role)
				unmet := counts[role] < s.Min
				if (pass == 0) != unmet || counts[role] >= s.Max {
					continue
				}
				counts[role]++
				out[flexIdx[k]] = role
				if place(k + 1) {
					return true
				}
				counts[role]--
			}
		}
		return false
	}
	if !place(0) {
		return Assignment{}, false
	}
	return Assignment{Roles: out, Fulfillment: fulfillment(req, roles)}, true
}

// fulfillment credits declared roles fully and FLEX fills of mandatory slots
// by half.
func fulfillment(req Requirement, declared []models.Role) float64 {
	mandatory := req.Mandatory()
	if mandatory == 0 {
		return 1
	}
	counts, _ := countRoles(declared)
	exact := 0
	for _, role := range slotRoles {
		s := req.slot(role)
		if counts[role] < s.Min {
			exact += counts[role]
		} else {
			exact += s.Min
		}
	}
	flexFilled := mandatory - exact
	return (float64(exact) + 0.5*float64(flexFilled)) / float64(mandatory)
}

func countRoles(roles []models.Role) (map[models.Role]int, int) {
	counts := make(map[models.Role]int, len(slotRoles))
	flex := 0
	for _, r := range roles {
		if r == models.RoleFlex {
			flex++
			continue
		}
		counts[r]++
	}
	return counts, flex
}
