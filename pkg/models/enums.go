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

// Package models holds the request and response contracts exchanged with
// matchcore clients, along with the closed enumerations they use.
package models

import (
	"github.com/pkg/errors"
)

func enumName(names []string, i int) string {
	if i <= 0 || i >= len(names) {
		return names[0]
	}
	return names[i]
}

func parseEnum(kind string, names []string, text []byte) (int, error) {
	s := string(text)
	for i := 1; i < len(names); i++ {
		if names[i] == s {
			return i, nil
		}
	}
	return 0, errors.Errorf("unknown %s %q", kind, s)
}

// Mode is the game mode a ticket searches for.
type Mode int

// Game modes.
const (
	ModeUnspecified Mode = iota
	ModePvpRanked
	ModePvpCasual
	ModePveDungeon
	ModeRaid
	ModeArenaEvent
)

var modeNames = []string{"MODE_UNSPECIFIED", "PVP_RANKED", "PVP_CASUAL", "PVE_DUNGEON", "RAID", "ARENA_EVENT"}

// Modes lists every valid mode.
var Modes = []Mode{ModePvpRanked, ModePvpCasual, ModePveDungeon, ModeRaid, ModeArenaEvent}

func (m Mode) String() string { return enumName(modeNames, int(m)) }

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool { return m > ModeUnspecified && int(m) < len(modeNames) }

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	i, err := parseEnum("mode", modeNames, text)
	*m = Mode(i)
	return err
}

// ParseMode converts a contract spelling such as "PVP_RANKED" into a Mode.
func ParseMode(s string) (Mode, error) {
	var m Mode
	err := m.UnmarshalText([]byte(s))
	return m, err
}

// Role is the declared role of a ticket.
type Role int

// Roles. RoleFlex may fill any slot.
const (
	RoleUnspecified Role = iota
	RoleTank
	RoleHealer
	RoleDamage
	RoleSupport
	RoleFlex
)

var roleNames = []string{"ROLE_UNSPECIFIED", "TANK", "HEALER", "DAMAGE", "SUPPORT", "FLEX"}

func (r Role) String() string { return enumName(roleNames, int(r)) }

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r > RoleUnspecified && int(r) < len(roleNames) }

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	i, err := parseEnum("role", roleNames, text)
	*r = Role(i)
	return err
}

// TicketState is the scheduler lifecycle state of a ticket.
type TicketState int

// Ticket states.
const (
	TicketStateUnspecified TicketState = iota
	TicketWaiting
	TicketProposed
	TicketMatched
	TicketExpired
	TicketCancelled
)

var ticketStateNames = []string{"STATE_UNSPECIFIED", "WAITING", "PROPOSED", "MATCHED", "EXPIRED", "CANCELLED"}

func (s TicketState) String() string { return enumName(ticketStateNames, int(s)) }

// Terminal reports whether the ticket has left matchmaking for good.
func (s TicketState) Terminal() bool {
	switch s {
	case TicketMatched, TicketExpired, TicketCancelled:
		return true
	case TicketStateUnspecified, TicketWaiting, TicketProposed:
		return false
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s TicketState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TicketState) UnmarshalText(text []byte) error {
	i, err := parseEnum("ticket state", ticketStateNames, text)
	*s = TicketState(i)
	return err
}

// MatchStatus is the state of a pending match.
type MatchStatus int

// Match statuses.
const (
	MatchStatusUnspecified MatchStatus = iota
	MatchForming
	MatchReady
	MatchCancelled
	MatchExpired
)

var matchStatusNames = []string{"STATUS_UNSPECIFIED", "FORMING", "READY", "CANCELLED", "EXPIRED"}

func (s MatchStatus) String() string { return enumName(matchStatusNames, int(s)) }

// MarshalText implements encoding.TextMarshaler.
func (s MatchStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MatchStatus) UnmarshalText(text []byte) error {
	i, err := parseEnum("match status", matchStatusNames, text)
	*s = MatchStatus(i)
	return err
}

// LatencyBucket classifies the predicted latency of a match.
type LatencyBucket int

// Latency buckets.
const (
	LatencyUnspecified LatencyBucket = iota
	LatencyLow
	LatencyMedium
	LatencyHigh
)

var latencyBucketNames = []string{"LATENCY_UNSPECIFIED", "LOW", "MEDIUM", "HIGH"}

func (b LatencyBucket) String() string { return enumName(latencyBucketNames, int(b)) }

// MarshalText implements encoding.TextMarshaler.
func (b LatencyBucket) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *LatencyBucket) UnmarshalText(text []byte) error {
	i, err := parseEnum("latency bucket", latencyBucketNames, text)
	*b = LatencyBucket(i)
	return err
}

// MatchResult is the outcome of a concluded match for one player.
type MatchResult int

// Match results.
const (
	ResultUnspecified MatchResult = iota
	ResultWin
	ResultLoss
	ResultDraw
)

var matchResultNames = []string{"RESULT_UNSPECIFIED", "WIN", "LOSS", "DRAW"}

func (r MatchResult) String() string { return enumName(matchResultNames, int(r)) }

// Valid reports whether r is WIN, LOSS or DRAW.
func (r MatchResult) Valid() bool { return r > ResultUnspecified && int(r) < len(matchResultNames) }

// Score is the actual score used by the Elo update.
func (r MatchResult) Score() float64 {
	switch r {
	case ResultWin:
		return 1
	case ResultDraw:
		return 0.5
	case ResultLoss, ResultUnspecified:
		return 0
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (r MatchResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *MatchResult) UnmarshalText(text []byte) error {
	i, err := parseEnum("match result", matchResultNames, text)
	*r = MatchResult(i)
	return err
}

// SmurfReason is one contributing signal of a smurf flag.
type SmurfReason int

// Smurf reasons.
const (
	SmurfReasonUnspecified SmurfReason = iota
	SmurfHighWinrate
	SmurfFastRatingGrowth
	SmurfNewAccount
	SmurfMatchBehaviour
	SmurfReports
)

var smurfReasonNames = []string{"REASON_UNSPECIFIED", "HIGH_WINRATE", "FAST_RATING_GROWTH", "NEW_ACCOUNT", "MATCH_BEHAVIOUR", "REPORTS"}

func (r SmurfReason) String() string { return enumName(smurfReasonNames, int(r)) }

// MarshalText implements encoding.TextMarshaler.
func (r SmurfReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *SmurfReason) UnmarshalText(text []byte) error {
	i, err := parseEnum("smurf reason", smurfReasonNames, text)
	*r = SmurfReason(i)
	return err
}
