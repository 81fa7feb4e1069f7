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

// Package scheduler groups waiting tickets into match proposals. Each
// (queue, mode) partition is owned by one goroutine and reached only through
// its inbox.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/expansion"
	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/internal/telemetry"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "scheduler",
	})

	keyQueue = tag.MustNewKey("queue")
	keyMode  = tag.MustNewKey("mode")

	mTicketsExpired   = telemetry.Counter("scheduler/tickets_expired", "tickets expired", keyMode)
	mTicketsCancelled = telemetry.Counter("scheduler/tickets_cancelled", "tickets cancelled", keyMode)
	mMatchesProposed  = telemetry.Counter("scheduler/matches_proposed", "matches proposed", keyMode)
	mMatchesConfirmed = telemetry.Counter("scheduler/matches_confirmed", "matches confirmed", keyMode)
	mMatchesAbandoned = telemetry.Counter("scheduler/matches_abandoned", "matches declined or timed out", keyMode)
	mHandoffs         = telemetry.Counter("scheduler/handoffs", "tickets handed to another queue", keyMode)
	mTickPanics       = telemetry.Counter("scheduler/panics", "recovered partition panics", keyQueue)
	mTickLatencyMs    = telemetry.HistogramWithBounds("scheduler/tick_latency", "duration of a partition tick", "ms", telemetry.HistogramBounds, keyMode)
)

const (
	// storeTimeout bounds each persistence call made from a partition.
	storeTimeout = 5 * time.Second
	// deliverRetry is how long deliver waits for a full inbox to drain.
	deliverRetry = 10 * time.Millisecond
)

// Store persists ticket records so a restarted scheduler can rebuild its
// partitions and so terminal tickets can still be polled.
type Store interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetActiveTickets(ctx context.Context) ([]*models.Ticket, error)
}

// Events receives what the scheduler publishes.
type Events interface {
	RangeExpanded(ctx context.Context, ev models.RangeExpansionEvent) error
	MatchChanged(ctx context.Context, m models.PendingMatchSummary) error
	RecordMatch(rec models.MatchTelemetry)
}

// Settings are the scheduler tunables.
type Settings struct {
	TickInterval      time.Duration
	TicketTTL         time.Duration
	ReadyCheckTimeout time.Duration
	HandoffInterval   time.Duration
	StartDelay        time.Duration
	MinScore          float64
	SearchWidth       int
	CombinationBudget int
	InboxSize         int
	PartitionLimit    int
	// IdleTimeout retires a partition that has owned nothing for this long.
	// Zero keeps partitions forever.
	IdleTimeout       time.Duration
}

// SettingsFromConfig reads the scheduler section.
func SettingsFromConfig(cfg config.View) Settings {
	return Settings{
		TickInterval:      config.DurationOr(cfg, consts.SchedulerTickInterval, time.Second),
		TicketTTL:         config.DurationOr(cfg, consts.SchedulerTicketTTL, 5*time.Minute),
		ReadyCheckTimeout: config.DurationOr(cfg, consts.SchedulerReadyCheckTimeout, 20*time.Second),
		HandoffInterval:   config.DurationOr(cfg, consts.SchedulerHandoffInterval, 30*time.Second),
		StartDelay:        cfg.GetDuration(consts.SchedulerStartDelay),
		MinScore:          config.FloatOr(cfg, consts.SchedulerMinScore, 50),
		SearchWidth:       config.IntOr(cfg, consts.SchedulerSearchWidth, 12),
		CombinationBudget: config.IntOr(cfg, consts.SchedulerCombinationBudget, 5000),
		InboxSize:         config.IntOr(cfg, consts.SchedulerInboxSize, 256),
		PartitionLimit:    config.IntOr(cfg, consts.SchedulerPartitionLimit, 10000),
		IdleTimeout:       config.DurationOr(cfg, consts.SchedulerPartitionIdleTimeout, 10*time.Minute),
	}
}

type partitionKey struct {
	queueID string
	mode    models.Mode
}

func (k partitionKey) String() string {
	return k.queueID + "/" + k.mode.String()
}

// Scheduler routes commands to partition actors and starts them on demand.
type Scheduler struct {
	settings Settings
	policy   *expansion.Policy
	scorer   quality.Scorer
	store    Store
	events   Events
	now      func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	partitions map[partitionKey]*partition
	tombstones map[string]time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a stopped scheduler.
func New(settings Settings, policy *expansion.Policy, scorer quality.Scorer, store Store, events Events, opts ...Option) *Scheduler {
	s := &Scheduler{
		settings:   settings,
		policy:     policy,
		scorer:     scorer,
		store:      store,
		events:     events,
		now:        time.Now,
		partitions: map[partitionKey]*partition{},
		tombstones: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start lets partitions run until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(s.ctx)
	for _, p := range s.partitions {
		s.launch(p)
	}
}

// Stop stops every partition and waits for them to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

// Restore rebuilds partitions from every non-terminal ticket in the store.
// Proposals do not survive a restart, so proposed tickets wait again with
// their original clock.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	tickets, err := s.store.GetActiveTickets(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tickets {
		if t.State == models.TicketProposed {
			t.State = models.TicketWaiting
			t.MatchID = ""
		}
		queue := t.OwnerQueue
		if queue == "" && len(t.QueueIDs) > 0 {
			queue = t.QueueIDs[0]
		}
		ticket := t
		if err := s.deliver(ctx, partitionKey{queue, t.Mode}, func(p *partition) { p.adopt(ticket, nil) }); err != nil {
			return 0, err
		}
	}
	logger.WithField("tickets", len(tickets)).Info("scheduler restored from store")
	return len(tickets), nil
}

// Submit hands a new WAITING ticket to the partition of its first queue.
func (s *Scheduler) Submit(ctx context.Context, t *models.Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	t.OwnerQueue = t.QueueIDs[0]
	ticket := snapshot(t)
	var submitErr error
	if _, err := s.do(ctx, partitionKey{t.OwnerQueue, t.Mode}, true, func(p *partition) { submitErr = p.submit(ticket) }); err != nil {
		return err
	}
	return submitErr
}

// Cancel withdraws a ticket. A tombstone is left first so a partition that
// receives the ticket later through a hand-off drops it. Only running
// partitions are asked; a missing one cannot own the ticket.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*models.Ticket, error) {
	rec, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.State == models.TicketCancelled:
		return rec, nil
	case rec.State.Terminal():
		return nil, status.Errorf(codes.FailedPrecondition, "ticket %s is already %s", id, rec.State)
	}

	s.tombstone(id)
	var found *models.Ticket
	for _, q := range rec.QueueIDs {
		var got *models.Ticket
		if _, err := s.do(ctx, partitionKey{q, rec.Mode}, false, func(p *partition) { got = p.cancel(id) }); err != nil {
			return nil, err
		}
		if got != nil {
			found = got
		}
	}
	if found != nil {
		return found, nil
	}

	// In flight between partitions; the tombstone finishes the job.
	rec.State = models.TicketCancelled
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTicket(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Status answers poll-queue-status from the owning partition, falling back
// to the stored record for terminal or in-flight tickets.
func (s *Scheduler) Status(ctx context.Context, id string) (*models.QueueStatus, error) {
	rec, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.State.Terminal() {
		for _, q := range rec.QueueIDs {
			var st *models.QueueStatus
			if _, err := s.do(ctx, partitionKey{q, rec.Mode}, false, func(p *partition) { st = p.status(id) }); err != nil {
				return nil, err
			}
			if st != nil {
				return st, nil
			}
		}
	}
	now := s.now()
	return &models.QueueStatus{
		TicketID:        rec.ID,
		State:           rec.State,
		QueueID:         rec.OwnerQueue,
		Mode:            rec.Mode,
		WaitSeconds:     rec.Wait(now).Seconds(),
		WindowHalfWidth: rec.WindowHalfWidth,
		Expansions:      rec.Expansions,
	}, nil
}

// ReadyCheck records a participant's answer to a proposal.
func (s *Scheduler) ReadyCheck(ctx context.Context, matchID, ticketID string, accept bool) (*models.PendingMatchSummary, error) {
	rec, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.TicketProposed || rec.MatchID != matchID {
		return nil, status.Errorf(codes.FailedPrecondition, "ticket %s is not awaiting a ready check for match %s", ticketID, matchID)
	}
	var summary *models.PendingMatchSummary
	var rcErr error
	found, err := s.do(ctx, partitionKey{rec.OwnerQueue, rec.Mode}, false, func(p *partition) {
		summary, rcErr = p.readyCheck(matchID, ticketID, accept)
	})
	switch {
	case err != nil:
		return nil, err
	case !found:
		return nil, status.Errorf(codes.NotFound, "match %s not found", matchID)
	}
	return summary, rcErr
}

// handoff moves t to the partition of its owner queue. It reports false
// when the target inbox is full so the sender keeps the ticket.
func (s *Scheduler) handoff(t *models.Ticket, from partitionKey) bool {
	_, sent, err := s.offer(partitionKey{t.OwnerQueue, t.Mode}, true, func(p *partition) { p.adopt(t, &from) })
	return err == nil && sent
}

// bounce returns a ticket to the partition it came from, waiting for room.
func (s *Scheduler) bounce(t *models.Ticket, to partitionKey) {
	t.OwnerQueue = to.queueID
	ctx := s.runCtx()
	go func() {
		if err := s.deliver(ctx, to, func(p *partition) { p.adopt(t, nil) }); err != nil {
			logger.WithError(err).WithField("ticketId", t.ID).Warn("ticket not returned to its partition")
		}
	}()
}

// do runs f on the partition for key and waits for it. found is false when
// the partition is not running and create is unset.
func (s *Scheduler) do(ctx context.Context, key partitionKey, create bool, f func(p *partition)) (found bool, err error) {
	finished := make(chan struct{})
	p, sent, err := s.offer(key, create, func(p *partition) {
		defer close(finished)
		f(p)
	})
	switch {
	case err != nil:
		return false, err
	case p == nil:
		return false, nil
	case !sent:
		return true, status.Errorf(codes.ResourceExhausted, "partition %s is overloaded", key)
	}
	select {
	case <-finished:
		return true, nil
	case <-ctx.Done():
		return true, status.FromContextError(ctx.Err()).Err()
	case <-p.done:
		return true, status.Errorf(codes.Unavailable, "partition %s is stopping", key)
	}
}

// deliver enqueues f on the partition for key, waiting for inbox room until
// ctx is done.
func (s *Scheduler) deliver(ctx context.Context, key partitionKey, f func(p *partition)) error {
	for {
		_, sent, err := s.offer(key, true, f)
		if err != nil || sent {
			return err
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-time.After(deliverRetry):
		}
	}
}

// offer enqueues f on the partition for key without blocking and reports the
// partition it reached. A missing partition is started only when create is
// set. Sends happen under mu so retire never drops a queued command.
func (s *Scheduler) offer(key partitionKey, create bool, f func(p *partition)) (*partition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil, false, status.Error(codes.Unavailable, "scheduler is not running")
	}
	if err := s.ctx.Err(); err != nil {
		return nil, false, status.Error(codes.Unavailable, "scheduler is stopping")
	}
	p, ok := s.partitions[key]
	if !ok {
		if !create {
			return nil, false, nil
		}
		p = newPartition(s, key)
		s.partitions[key] = p
		s.launch(p)
	}
	return p, p.send(func() { f(p) }), nil
}

// retire removes an idle partition and stops its goroutine. It refuses while
// commands are still queued for p.
func (s *Scheduler) retire(p *partition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions[p.key] != p || len(p.inbox) > 0 {
		return false
	}
	delete(s.partitions, p.key)
	close(p.quit)
	return true
}

// tombstone marks id cancelled for one ticket lifetime and drops expired marks.
func (s *Scheduler) tombstone(id string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for other, until := range s.tombstones {
		if !now.Before(until) {
			delete(s.tombstones, other)
		}
	}
	s.tombstones[id] = now.Add(s.settings.TicketTTL)
}

func (s *Scheduler) cancelled(id string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.tombstones[id]
	return ok && now.Before(until)
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// launch must be called with mu held.
func (s *Scheduler) launch(p *partition) {
	ctx := s.ctx
	p.done = ctx.Done()
	s.group.Go(func() error {
		p.run(ctx)
		return nil
	})
}

func (s *Scheduler) persist(t *models.Ticket) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"ticketId": t.ID,
			"state":    t.State.String(),
		}).Error("failed to persist ticket")
	}
}

func snapshot(t *models.Ticket) *models.Ticket {
	c, err := copystructure.Copy(t)
	if err != nil {
		// Tickets hold only plain data, so Copy cannot fail.
		panic(err)
	}
	return c.(*models.Ticket)
}
