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
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/expansion"
	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu      sync.Mutex
	tickets map[string]*models.Ticket
}

func newFakeStore() *fakeStore {
	return &fakeStore{tickets: map[string]*models.Ticket{}}
}

func (f *fakeStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[t.ID]; ok {
		return status.Errorf(codes.AlreadyExists, "ticket %s exists", t.ID)
	}
	f.tickets[t.ID] = snapshot(t)
	return nil
}

func (f *fakeStore) UpdateTicket(_ context.Context, t *models.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.ID] = snapshot(t)
	return nil
}

func (f *fakeStore) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "ticket %s not found", id)
	}
	return snapshot(t), nil
}

func (f *fakeStore) GetActiveTickets(_ context.Context) ([]*models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Ticket
	for _, t := range f.tickets {
		if !t.State.Terminal() {
			out = append(out, snapshot(t))
		}
	}
	return out, nil
}

func (f *fakeStore) state(id string) models.TicketState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tickets[id]; ok {
		return t.State
	}
	return models.TicketStateUnspecified
}

type fakeEvents struct {
	mu         sync.Mutex
	expansions []models.RangeExpansionEvent
	matches    []models.PendingMatchSummary
	records    []models.MatchTelemetry
}

func (f *fakeEvents) RangeExpanded(_ context.Context, ev models.RangeExpansionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expansions = append(f.expansions, ev)
	return nil
}

func (f *fakeEvents) MatchChanged(_ context.Context, m models.PendingMatchSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, m)
	return nil
}

func (f *fakeEvents) RecordMatch(rec models.MatchTelemetry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeEvents) statuses() []models.MatchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MatchStatus
	for _, m := range f.matches {
		out = append(out, m.Status)
	}
	return out
}

func (f *fakeEvents) lastMatch() models.PendingMatchSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matches[len(f.matches)-1]
}

func testSettings() Settings {
	return Settings{
		TickInterval:      time.Hour,
		TicketTTL:         5 * time.Minute,
		ReadyCheckTimeout: 20 * time.Second,
		HandoffInterval:   30 * time.Second,
		StartDelay:        30 * time.Second,
		MinScore:          50,
		SearchWidth:       12,
		CombinationBudget: 5000,
		InboxSize:         64,
		PartitionLimit:    100,
	}
}

type harness struct {
	s      *Scheduler
	clock  *fakeClock
	store  *fakeStore
	events *fakeEvents
}

func newHarness(t *testing.T, settings Settings) *harness {
	return newScoringHarness(t, settings, quality.NewScorer(quality.DefaultWeights))
}

func newScoringHarness(t *testing.T, settings Settings, scorer quality.Scorer) *harness {
	h := &harness{
		clock:  &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:  newFakeStore(),
		events: &fakeEvents{},
	}
	h.s = New(settings, expansion.NewPolicy(nil, 0), scorer, h.store, h.events, WithClock(h.clock.Now))
	h.s.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, h.s.Stop()) })
	return h
}

// tick runs one scheduling pass on each given partition.
func (h *harness) tick(t *testing.T, keys ...partitionKey) {
	for _, k := range keys {
		found, err := h.s.do(context.Background(), k, false, func(p *partition) { p.tick() })
		require.NoError(t, err)
		require.True(t, found, "partition %s", k)
	}
}

// owned reports how many tickets the partition for k holds.
func (h *harness) owned(t *testing.T, k partitionKey) int {
	var n int
	found, err := h.s.do(context.Background(), k, false, func(p *partition) { n = len(p.tickets) })
	require.NoError(t, err)
	require.True(t, found, "partition %s", k)
	return n
}

func (h *harness) running() []partitionKey {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	keys := make([]partitionKey, 0, len(h.s.partitions))
	for k := range h.s.partitions {
		keys = append(keys, k)
	}
	return keys
}

func (h *harness) submit(t *testing.T, tk *models.Ticket) {
	require.NoError(t, h.s.Submit(context.Background(), tk))
}

func (h *harness) status(t *testing.T, id string) *models.QueueStatus {
	st, err := h.s.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func rankedTicket(id string, rating float64, queues ...string) *models.Ticket {
	return &models.Ticket{
		ID:        id,
		PlayerID:  "player-" + id,
		QueueIDs:  queues,
		Mode:      models.ModePvpRanked,
		Role:      models.RoleDamage,
		Rating:    rating,
		LatencyMs: map[string]int{"eu-west": 40},
	}
}

var ranked = partitionKey{queueID: "q1", mode: models.ModePvpRanked}

func TestProposeAndConfirm(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1520, "q1"))
	h.tick(t, ranked)

	st := h.status(t, "a")
	assert.Equal(t, models.TicketProposed, st.State)
	require.NotNil(t, st.Match)
	assert.Equal(t, models.MatchForming, st.Match.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, st.Match.TicketIDs)
	assert.GreaterOrEqual(t, st.Match.Quality.Score, 80.0)
	assert.Equal(t, "eu-west", st.Match.HostRegion)
	assert.Equal(t, h.clock.Now().Add(50*time.Second), st.Match.EstimatedStart)
	assert.Empty(t, h.events.expansions)

	matchID := st.Match.MatchID
	summary, err := h.s.ReadyCheck(context.Background(), matchID, "a", true)
	require.NoError(t, err)
	assert.Equal(t, models.MatchForming, summary.Status)

	summary, err = h.s.ReadyCheck(context.Background(), matchID, "b", true)
	require.NoError(t, err)
	assert.Equal(t, models.MatchReady, summary.Status)

	assert.Equal(t, models.TicketMatched, h.store.state("a"))
	assert.Equal(t, models.TicketMatched, h.store.state("b"))
	assert.Equal(t, []models.MatchStatus{models.MatchForming, models.MatchReady}, h.events.statuses())
	require.Len(t, h.events.records, 1)
	assert.Len(t, h.events.records[0].WaitSeconds, 2)

	_, err = h.s.ReadyCheck(context.Background(), matchID, "a", true)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestDeclineRequeuesOthers(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1520, "q1"))
	h.tick(t, ranked)
	matchID := h.status(t, "a").Match.MatchID

	h.clock.Advance(5 * time.Second)
	summary, err := h.s.ReadyCheck(context.Background(), matchID, "a", false)
	require.NoError(t, err)
	assert.Equal(t, models.MatchCancelled, summary.Status)

	assert.Equal(t, models.TicketCancelled, h.status(t, "a").State)
	st := h.status(t, "b")
	assert.Equal(t, models.TicketWaiting, st.State)
	assert.Nil(t, st.Match)
	assert.Equal(t, 5.0, st.WaitSeconds)

	_, err = h.s.ReadyCheck(context.Background(), matchID, "b", true)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestCancelProposedActsAsDecline(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1520, "q1"))
	h.tick(t, ranked)

	got, err := h.s.Cancel(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, got.State)
	assert.Equal(t, models.TicketWaiting, h.status(t, "a").State)
	assert.Equal(t, models.MatchCancelled, h.events.lastMatch().Status)
}

func TestReadyCheckTimeout(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1520, "q1"))
	h.tick(t, ranked)
	first := h.status(t, "a").Match.MatchID
	_, err := h.s.ReadyCheck(context.Background(), first, "a", true)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	h.tick(t, ranked)

	assert.Contains(t, h.events.statuses(), models.MatchExpired)
	st := h.status(t, "a")
	// Back in the pool with the original clock and grouped again.
	assert.Equal(t, 20.0, st.WaitSeconds)
	require.NotNil(t, st.Match)
	assert.NotEqual(t, first, st.Match.MatchID)
}

func TestTicketExpiresOnce(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))

	h.clock.Advance(4 * time.Minute)
	h.tick(t, ranked)
	assert.Equal(t, models.TicketWaiting, h.status(t, "a").State)

	h.clock.Advance(time.Minute)
	h.tick(t, ranked)
	h.tick(t, ranked)
	assert.Equal(t, models.TicketExpired, h.store.state("a"))
	assert.Equal(t, models.TicketExpired, h.status(t, "a").State)
	assert.Zero(t, h.owned(t, ranked))

	_, err := h.s.Cancel(context.Background(), "a")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestRangeExpansionEvents(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.tick(t, ranked)
	assert.Empty(t, h.events.expansions)

	h.clock.Advance(60 * time.Second)
	h.tick(t, ranked)

	require.Len(t, h.events.expansions, 1)
	ev := h.events.expansions[0]
	assert.Equal(t, "a", ev.TicketID)
	assert.Equal(t, 50.0, ev.PreviousHalfWidth)
	assert.Equal(t, 225.0, ev.NewHalfWidth)

	st := h.status(t, "a")
	assert.Equal(t, 225.0, st.WindowHalfWidth)
	assert.Len(t, st.Expansions, 1)
}

func TestWideningAllowsMatch(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1600, "q1"))
	h.tick(t, ranked)
	assert.Equal(t, models.TicketWaiting, h.status(t, "a").State)

	h.clock.Advance(30 * time.Second)
	h.tick(t, ranked)
	assert.Equal(t, models.TicketProposed, h.status(t, "a").State)
}

func TestCancelWaiting(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1"))

	got, err := h.s.Cancel(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, got.State)

	got, err = h.s.Cancel(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, got.State)

	_, err = h.s.Cancel(context.Background(), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSubmitCapacity(t *testing.T) {
	settings := testSettings()
	settings.PartitionLimit = 2
	h := newHarness(t, settings)
	h.submit(t, rankedTicket("a", 1500, "q1"))

	err := h.s.Submit(context.Background(), rankedTicket("a", 1500, "q1"))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	h.submit(t, rankedTicket("b", 1500, "q1"))
	err = h.s.Submit(context.Background(), rankedTicket("c", 1500, "q1"))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, models.TicketStateUnspecified, h.store.state("c"))
}

func TestHandoffToNextQueue(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1", "q2"))

	h.clock.Advance(31 * time.Second)
	h.tick(t, ranked)

	g.Eventually(func() string {
		return h.status(t, "a").QueueID
	}).Should(Equal("q2"))
	st := h.status(t, "a")
	g.Expect(st.State).To(Equal(models.TicketWaiting))
	g.Expect(st.WaitSeconds).To(Equal(31.0))

	// A partner in the second queue gets matched with it.
	h.submit(t, rankedTicket("b", 1510, "q2"))
	h.tick(t, partitionKey{queueID: "q2", mode: models.ModePvpRanked})
	g.Expect(h.status(t, "a").State).To(Equal(models.TicketProposed))
}

func TestCancelledTicketDroppedOnHandoff(t *testing.T) {
	h := newHarness(t, testSettings())
	q2 := partitionKey{queueID: "q2", mode: models.ModePvpRanked}
	h.s.tombstone("a")

	tk := rankedTicket("a", 1500, "q1", "q2")
	tk.CreatedAt = h.clock.Now()
	tk.OwnerQueue = "q2"
	found, err := h.s.do(context.Background(), q2, true, func(p *partition) { p.adopt(tk, &ranked) })
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, models.TicketCancelled, h.store.state("a"))
	assert.Zero(t, h.owned(t, q2))

	h.clock.Advance(testSettings().TicketTTL)
	assert.False(t, h.s.cancelled("a"))
}

func TestCancelStartsNoPartitions(t *testing.T) {
	h := newHarness(t, testSettings())
	h.submit(t, rankedTicket("a", 1500, "q1", "q2", "q3", "q4", "q5", "q6", "q7", "q8"))

	got, err := h.s.Cancel(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, got.State)
	assert.Equal(t, []partitionKey{ranked}, h.running())

	_, err = h.s.Status(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []partitionKey{ranked}, h.running())
}

func TestIdlePartitionRetired(t *testing.T) {
	settings := testSettings()
	settings.IdleTimeout = time.Minute
	h := newHarness(t, settings)
	h.submit(t, rankedTicket("a", 1500, "q1"))

	h.tick(t, ranked)
	h.clock.Advance(2 * time.Minute)
	h.tick(t, ranked)
	assert.Equal(t, []partitionKey{ranked}, h.running(), "a partition holding a ticket stays up")

	_, err := h.s.Cancel(context.Background(), "a")
	require.NoError(t, err)
	h.tick(t, ranked)
	h.clock.Advance(30 * time.Second)
	h.tick(t, ranked)
	assert.Equal(t, []partitionKey{ranked}, h.running())
	h.clock.Advance(30 * time.Second)
	h.tick(t, ranked)
	assert.Empty(t, h.running())

	// The next command for the key starts a fresh partition.
	h.submit(t, rankedTicket("b", 1500, "q1"))
	assert.Equal(t, []partitionKey{ranked}, h.running())
	assert.Equal(t, models.TicketWaiting, h.status(t, "b").State)
	assert.Equal(t, models.TicketCancelled, h.status(t, "a").State)
}

// panickyScorer fails every grouping of one mode.
type panickyScorer struct {
	quality.Scorer
	mode models.Mode
}

func (s panickyScorer) Score(g quality.Grouping) (quality.Evaluation, error) {
	if g.Mode == s.mode {
		panic("scorer failed for " + g.Mode.String())
	}
	return s.Scorer.Score(g)
}

func TestPanicIsConfinedToItsPartition(t *testing.T) {
	scorer := panickyScorer{Scorer: quality.NewScorer(quality.DefaultWeights), mode: models.ModeArenaEvent}
	h := newScoringHarness(t, testSettings(), scorer)
	arena := partitionKey{queueID: "q1", mode: models.ModeArenaEvent}
	for _, id := range []string{"x", "y", "z"} {
		tk := rankedTicket(id, 1500, "q1")
		tk.Mode = models.ModeArenaEvent
		h.submit(t, tk)
	}
	h.submit(t, rankedTicket("a", 1500, "q1"))
	h.submit(t, rankedTicket("b", 1510, "q1"))

	h.tick(t, arena, ranked)

	st := h.status(t, "a")
	assert.Equal(t, models.TicketProposed, st.State)
	require.NotNil(t, st.Match)
	assert.ElementsMatch(t, []string{"a", "b"}, st.Match.TicketIDs)

	// The failed partition keeps its tickets and keeps serving commands.
	assert.Equal(t, models.TicketWaiting, h.status(t, "x").State)
	assert.Equal(t, 3, h.owned(t, arena))
	got, err := h.s.Cancel(context.Background(), "y")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, got.State)
	h.tick(t, arena)
	assert.Equal(t, 2, h.owned(t, arena))
}

func TestRestore(t *testing.T) {
	h := newHarness(t, testSettings())
	proposed := rankedTicket("a", 1500, "q1")
	proposed.CreatedAt = h.clock.Now().Add(-10 * time.Second)
	proposed.State = models.TicketProposed
	proposed.MatchID = "lost"
	proposed.OwnerQueue = "q1"
	require.NoError(t, h.store.CreateTicket(context.Background(), proposed))
	done := rankedTicket("b", 1500, "q1")
	done.State = models.TicketMatched
	require.NoError(t, h.store.CreateTicket(context.Background(), done))

	n, err := h.s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := h.status(t, "a")
	assert.Equal(t, models.TicketWaiting, st.State)
	assert.Equal(t, 10.0, st.WaitSeconds)
	assert.Equal(t, models.TicketWaiting, h.store.state("a"))
}

func TestStoppedScheduler(t *testing.T) {
	s := New(testSettings(), expansion.NewPolicy(nil, 0), quality.NewScorer(quality.DefaultWeights), newFakeStore(), &fakeEvents{})
	err := s.Submit(context.Background(), rankedTicket("a", 1500, "q1"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.NoError(t, s.Stop())
}

func TestTickerDrivesGrouping(t *testing.T) {
	g := NewWithT(t)
	settings := testSettings()
	settings.TickInterval = 10 * time.Millisecond
	store := newFakeStore()
	s := New(settings, expansion.NewPolicy(nil, 0), quality.NewScorer(quality.DefaultWeights), store, &fakeEvents{})
	s.Start(context.Background())
	defer func() { g.Expect(s.Stop()).To(Succeed()) }()

	g.Expect(s.Submit(context.Background(), rankedTicket("a", 1500, "q1"))).To(Succeed())
	g.Expect(s.Submit(context.Background(), rankedTicket("b", 1500, "q1"))).To(Succeed())

	g.Eventually(func() models.TicketState {
		return store.state("b")
	}).WithTimeout(2 * time.Second).Should(Equal(models.TicketProposed))
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := viper.New()
	cfg.Set(consts.SchedulerTickInterval, "2s")
	cfg.Set(consts.SchedulerMinScore, 65)
	cfg.Set(consts.SchedulerStartDelay, "45s")

	got := SettingsFromConfig(cfg)
	assert.Equal(t, 2*time.Second, got.TickInterval)
	assert.Equal(t, 65.0, got.MinScore)
	assert.Equal(t, 45*time.Second, got.StartDelay)
	assert.Equal(t, 5*time.Minute, got.TicketTTL)
	assert.Equal(t, 5000, got.CombinationBudget)
	assert.Equal(t, 10*time.Minute, got.IdleTimeout)
}
