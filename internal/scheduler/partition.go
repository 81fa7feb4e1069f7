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
	"math"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/mitchellh/copystructure"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/tag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/internal/telemetry"
	"matchcore.dev/matchcore/pkg/models"
)

// waitSmoothing is the weight of the newest matched wait in the estimate.
const waitSmoothing = 0.2

type entry struct {
	ticket *models.Ticket
	// joined is when this partition took ownership. Hand-off is measured from it.
	joined time.Time
}

type proposal struct {
	summary  *models.PendingMatchSummary
	accepted map[string]bool
	deadline time.Time
	timer    *time.Timer
}

// partition owns the tickets of one (queue, mode) pair. Every field below
// quit is touched only by the run goroutine.
type partition struct {
	s     *Scheduler
	key   partitionKey
	log   *logrus.Entry
	inbox chan func()
	done  <-chan struct{}
	quit  chan struct{}

	tickets   map[string]*entry
	proposals map[string]*proposal
	// avgWait is the smoothed wait of matched tickets in seconds.
	avgWait   float64
	observed  bool
	idleSince time.Time
}

func newPartition(s *Scheduler, key partitionKey) *partition {
	return &partition{
		s:   s,
		key: key,
		log: logger.WithFields(logrus.Fields{
			"queue": key.queueID,
			"mode":  key.mode.String(),
		}),
		inbox:     make(chan func(), s.settings.InboxSize),
		quit:      make(chan struct{}),
		tickets:   map[string]*entry{},
		proposals: map[string]*proposal{},
	}
}

func (p *partition) run(ctx context.Context) {
	ticker := time.NewTicker(p.s.settings.TickInterval)
	defer ticker.Stop()
	defer func() {
		for _, pr := range p.proposals {
			pr.timer.Stop()
		}
	}()
	p.log.Debug("partition started")
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("partition stopped")
			return
		case <-p.quit:
			p.log.Debug("idle partition retired")
			return
		case f := <-p.inbox:
			p.exec(f)
		case <-ticker.C:
			p.exec(p.tick)
		}
	}
}

// exec isolates a panic to the command or tick that raised it.
func (p *partition) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("recovered from panic in partition")
			telemetry.RecordUnitMeasurement(p.tagged(), mTickPanics)
		}
	}()
	f()
}

// send must be called with the scheduler mu held; see Scheduler.offer.
func (p *partition) send(f func()) bool {
	select {
	case p.inbox <- f:
		return true
	default:
		return false
	}
}

func (p *partition) tagged() context.Context {
	ctx, _ := tag.New(context.Background(),
		tag.Upsert(keyQueue, p.key.queueID),
		tag.Upsert(keyMode, p.key.mode.String()))
	return ctx
}

func (p *partition) submit(t *models.Ticket) error {
	if len(p.tickets) >= p.s.settings.PartitionLimit {
		return status.Errorf(codes.ResourceExhausted, "queue %s is full for mode %s", p.key.queueID, p.key.mode)
	}
	now := p.s.now()
	t.State = models.TicketWaiting
	t.OwnerQueue = p.key.queueID
	t.WindowHalfWidth = p.s.policy.Window(t.Wait(now), p.key.mode)
	t.UpdatedAt = now.UTC()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.s.store.CreateTicket(ctx, t); err != nil {
		return err
	}
	p.tickets[t.ID] = &entry{ticket: t, joined: now}
	p.log.WithFields(logrus.Fields{
		"ticketId": t.ID,
		"rating":   t.Rating,
		"window":   t.WindowHalfWidth,
	}).Debug("ticket queued")
	return nil
}

// adopt takes ownership of a ticket handed over by another partition, or of
// a restored ticket when from is nil.
func (p *partition) adopt(t *models.Ticket, from *partitionKey) {
	if p.s.cancelled(t.ID) {
		t.State = models.TicketCancelled
		t.UpdatedAt = p.s.now().UTC()
		p.s.persist(t)
		return
	}
	if _, ok := p.tickets[t.ID]; ok {
		return
	}
	if from != nil && len(p.tickets) >= p.s.settings.PartitionLimit {
		p.s.bounce(t, *from)
		return
	}
	now := p.s.now()
	t.State = models.TicketWaiting
	t.MatchID = ""
	t.OwnerQueue = p.key.queueID
	if w := p.s.policy.Window(t.Wait(now), p.key.mode); w > t.WindowHalfWidth {
		t.WindowHalfWidth = w
	}
	t.UpdatedAt = now.UTC()
	p.tickets[t.ID] = &entry{ticket: t, joined: now}
	p.s.persist(t)
}

// cancel withdraws id if this partition owns it.
func (p *partition) cancel(id string) *models.Ticket {
	e, ok := p.tickets[id]
	if !ok {
		return nil
	}
	if e.ticket.State == models.TicketProposed {
		if pr, ok := p.proposals[e.ticket.MatchID]; ok {
			p.decline(pr, id)
			return snapshot(e.ticket)
		}
	}
	p.finish(e.ticket, models.TicketCancelled)
	telemetry.RecordUnitMeasurement(p.tagged(), mTicketsCancelled)
	return snapshot(e.ticket)
}

func (p *partition) status(id string) *models.QueueStatus {
	e, ok := p.tickets[id]
	if !ok {
		return nil
	}
	now := p.s.now()
	t := e.ticket
	st := &models.QueueStatus{
		TicketID:        t.ID,
		State:           t.State,
		QueueID:         p.key.queueID,
		Mode:            p.key.mode,
		QueueSize:       len(p.tickets),
		WaitSeconds:     t.Wait(now).Seconds(),
		WindowHalfWidth: t.WindowHalfWidth,
		Expansions:      append([]models.RangeExpansion(nil), t.Expansions...),
	}
	if p.observed {
		st.EstimatedWaitS = math.Max(0, p.avgWait-st.WaitSeconds)
	}
	if pr, ok := p.proposals[t.MatchID]; ok && t.State == models.TicketProposed {
		st.Match = copySummary(pr.summary)
	}
	return st
}

func (p *partition) readyCheck(matchID, ticketID string, accept bool) (*models.PendingMatchSummary, error) {
	pr, ok := p.proposals[matchID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "match %s not found", matchID)
	}
	if pie.FindFirstUsing(pr.summary.TicketIDs, func(id string) bool { return id == ticketID }) < 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "ticket %s is not part of match %s", ticketID, matchID)
	}
	if !accept {
		p.decline(pr, ticketID)
		return copySummary(pr.summary), nil
	}
	pr.accepted[ticketID] = true
	if len(pr.accepted) == len(pr.summary.TicketIDs) {
		p.confirm(pr)
	}
	return copySummary(pr.summary), nil
}

func (p *partition) tick() {
	start := time.Now()
	now := p.s.now()
	p.expireTickets(now)
	p.expireProposals(now)
	p.widen(now)
	p.group(now)
	p.handOff(now)
	telemetry.RecordNUnitMeasurement(p.tagged(), mTickLatencyMs, time.Since(start).Milliseconds())
	p.retireIfIdle(now)
}

// retireIfIdle stops the partition once it has owned no ticket and no
// proposal for IdleTimeout. A later command for the same key starts a new one.
func (p *partition) retireIfIdle(now time.Time) {
	if p.s.settings.IdleTimeout <= 0 || len(p.tickets) > 0 || len(p.proposals) > 0 {
		p.idleSince = time.Time{}
		return
	}
	if p.idleSince.IsZero() {
		p.idleSince = now
		return
	}
	if now.Sub(p.idleSince) >= p.s.settings.IdleTimeout {
		p.s.retire(p)
	}
}

func (p *partition) expireTickets(now time.Time) {
	for _, e := range p.tickets {
		t := e.ticket
		if t.State != models.TicketWaiting || t.Wait(now) < p.s.settings.TicketTTL {
			continue
		}
		p.finish(t, models.TicketExpired)
		telemetry.RecordUnitMeasurement(p.tagged(), mTicketsExpired)
		p.log.WithField("ticketId", t.ID).Info("ticket expired")
	}
}

func (p *partition) expireProposals(now time.Time) {
	for _, pr := range p.proposals {
		if !now.Before(pr.deadline) {
			p.timeout(pr)
		}
	}
}

// expireProposal is the timer wakeup for a single proposal.
func (p *partition) expireProposal(matchID string) {
	if pr, ok := p.proposals[matchID]; ok && !p.s.now().Before(pr.deadline) {
		p.timeout(pr)
	}
}

func (p *partition) widen(now time.Time) {
	for _, e := range p.tickets {
		t := e.ticket
		if t.State != models.TicketWaiting {
			continue
		}
		w := p.s.policy.Window(t.Wait(now), p.key.mode)
		if w <= t.WindowHalfWidth {
			continue
		}
		exp := models.RangeExpansion{At: now.UTC(), PreviousHalfWidth: t.WindowHalfWidth, NewHalfWidth: w}
		t.AppendExpansion(exp)
		t.WindowHalfWidth = w
		p.publish(func(ctx context.Context) error {
			return p.s.events.RangeExpanded(ctx, models.RangeExpansionEvent{
				TicketID:       t.ID,
				QueueID:        p.key.queueID,
				Mode:           p.key.mode,
				RangeExpansion: exp,
			})
		})
	}
}

func (p *partition) group(now time.Time) {
	var pool []candidate
	for _, e := range p.tickets {
		if e.ticket.State == models.TicketWaiting {
			pool = append(pool, candidate{ticket: e.ticket, wait: e.ticket.Wait(now), window: e.ticket.WindowHalfWidth})
		}
	}
	req := quality.RequirementFor(p.key.mode)
	if len(pool) < req.Size {
		return
	}
	byWait(pool)

	srch := &searcher{
		mode:   p.key.mode,
		req:    req,
		scorer: p.s.scorer,
		width:  p.s.settings.SearchWidth,
		budget: p.s.settings.CombinationBudget,
	}
	taken := map[string]bool{}
	for _, anchor := range pool {
		if taken[anchor.ticket.ID] {
			continue
		}
		free := pie.Filter(pool, func(c candidate) bool { return !taken[c.ticket.ID] })
		best := srch.best(anchor, free)
		if best == nil {
			continue
		}
		if best.eval.Report.Score < p.s.settings.MinScore {
			p.log.WithFields(logrus.Fields{
				"anchor": anchor.ticket.ID,
				"score":  best.eval.Report.Score,
			}).Debug("best grouping below minimum score")
			continue
		}
		for _, m := range best.members {
			taken[m.ticket.ID] = true
		}
		p.propose(best, now)
		if srch.budget <= 0 {
			p.log.Debug("combination budget exhausted")
			return
		}
	}
}

func (p *partition) propose(pl *plan, now time.Time) {
	ids := make([]string, len(pl.members))
	roles := make(map[string]models.Role, len(pl.members))
	for i, m := range pl.members {
		ids[i] = m.ticket.ID
		roles[m.ticket.ID] = pl.assign.Roles[i]
	}
	summary := &models.PendingMatchSummary{
		MatchID:        xid.New().String(),
		QueueID:        p.key.queueID,
		Mode:           p.key.mode,
		Status:         models.MatchForming,
		CreatedAt:      now.UTC(),
		QueueSize:      len(p.tickets),
		EstimatedStart: now.Add(p.s.settings.ReadyCheckTimeout + p.s.settings.StartDelay).UTC(),
		Quality:        pl.eval.Report,
		LatencyBucket:  pl.eval.Bucket,
		HostRegion:     pl.eval.HostRegion,
		TicketIDs:      ids,
		Roles:          roles,
	}
	for _, m := range pl.members {
		m.ticket.State = models.TicketProposed
		m.ticket.MatchID = summary.MatchID
		m.ticket.UpdatedAt = now.UTC()
		p.s.persist(m.ticket)
	}

	matchID := summary.MatchID
	pr := &proposal{
		summary:  summary,
		accepted: map[string]bool{},
		deadline: now.Add(p.s.settings.ReadyCheckTimeout),
	}
	key := p.key
	pr.timer = time.AfterFunc(p.s.settings.ReadyCheckTimeout, func() {
		p.s.offer(key, false, func(p *partition) { p.expireProposal(matchID) })
	})
	p.proposals[matchID] = pr

	telemetry.RecordUnitMeasurement(p.tagged(), mMatchesProposed)
	p.log.WithFields(logrus.Fields{
		"matchId": matchID,
		"tickets": ids,
		"quality": pl.eval.String(),
	}).Info("match proposed")
	p.announce(summary)
}

// confirm re-validates the live state of every member before matching.
func (p *partition) confirm(pr *proposal) {
	for _, id := range pr.summary.TicketIDs {
		e, ok := p.tickets[id]
		if !ok || e.ticket.State != models.TicketProposed || e.ticket.MatchID != pr.summary.MatchID {
			p.log.WithFields(logrus.Fields{
				"matchId":  pr.summary.MatchID,
				"ticketId": id,
			}).Warn("match member no longer available")
			p.release(pr, models.MatchCancelled, "")
			return
		}
	}

	pr.timer.Stop()
	delete(p.proposals, pr.summary.MatchID)
	now := p.s.now()
	waits := make([]float64, 0, len(pr.summary.TicketIDs))
	for _, id := range pr.summary.TicketIDs {
		t := p.tickets[id].ticket
		w := t.Wait(now).Seconds()
		waits = append(waits, w)
		p.observe(w)
		p.finish(t, models.TicketMatched)
	}
	pr.summary.Status = models.MatchReady
	telemetry.RecordUnitMeasurement(p.tagged(), mMatchesConfirmed)
	p.log.WithField("matchId", pr.summary.MatchID).Info("match ready")
	p.announce(pr.summary)
	p.record(pr.summary, waits, now)
}

func (p *partition) decline(pr *proposal, ticketID string) {
	p.release(pr, models.MatchCancelled, ticketID)
}

func (p *partition) timeout(pr *proposal) {
	p.log.WithField("matchId", pr.summary.MatchID).Info("ready check timed out")
	p.release(pr, models.MatchExpired, "")
}

// release ends a proposal without a match. Every member but decliner goes
// back to WAITING with its original wait clock.
func (p *partition) release(pr *proposal, outcome models.MatchStatus, decliner string) {
	pr.timer.Stop()
	delete(p.proposals, pr.summary.MatchID)
	now := p.s.now()
	waits := make([]float64, 0, len(pr.summary.TicketIDs))
	for _, id := range pr.summary.TicketIDs {
		e, ok := p.tickets[id]
		if !ok || e.ticket.MatchID != pr.summary.MatchID {
			continue
		}
		t := e.ticket
		waits = append(waits, t.Wait(now).Seconds())
		if id == decliner {
			p.finish(t, models.TicketCancelled)
			telemetry.RecordUnitMeasurement(p.tagged(), mTicketsCancelled)
			continue
		}
		t.State = models.TicketWaiting
		t.MatchID = ""
		t.UpdatedAt = now.UTC()
		p.s.persist(t)
	}
	pr.summary.Status = outcome
	telemetry.RecordUnitMeasurement(p.tagged(), mMatchesAbandoned)
	p.announce(pr.summary)
	p.record(pr.summary, waits, now)
}

func (p *partition) handOff(now time.Time) {
	for id, e := range p.tickets {
		t := e.ticket
		if t.State != models.TicketWaiting || len(t.QueueIDs) < 2 || now.Sub(e.joined) < p.s.settings.HandoffInterval {
			continue
		}
		next := nextQueue(t.QueueIDs, p.key.queueID)
		if next == p.key.queueID {
			continue
		}
		moved := snapshot(t)
		moved.OwnerQueue = next
		if !p.s.handoff(moved, p.key) {
			// Target is saturated; try again next tick.
			continue
		}
		delete(p.tickets, id)
		telemetry.RecordUnitMeasurement(p.tagged(), mHandoffs)
		p.log.WithFields(logrus.Fields{
			"ticketId": id,
			"to":       next,
		}).Debug("ticket handed off")
	}
}

func nextQueue(queues []string, current string) string {
	for i, q := range queues {
		if q == current {
			return queues[(i+1)%len(queues)]
		}
	}
	return queues[0]
}

// finish moves t to a terminal state, persists it and forgets it.
func (p *partition) finish(t *models.Ticket, state models.TicketState) {
	t.State = state
	t.UpdatedAt = p.s.now().UTC()
	delete(p.tickets, t.ID)
	p.s.persist(t)
}

func (p *partition) observe(waitSeconds float64) {
	if !p.observed {
		p.avgWait = waitSeconds
		p.observed = true
		return
	}
	p.avgWait = waitSmoothing*waitSeconds + (1-waitSmoothing)*p.avgWait
}

func (p *partition) announce(summary *models.PendingMatchSummary) {
	m := copySummary(summary)
	p.publish(func(ctx context.Context) error {
		return p.s.events.MatchChanged(ctx, *m)
	})
}

func (p *partition) record(summary *models.PendingMatchSummary, waits []float64, now time.Time) {
	p.s.events.RecordMatch(models.MatchTelemetry{
		MatchID:     summary.MatchID,
		QueueID:     summary.QueueID,
		Mode:        summary.Mode,
		Status:      summary.Status,
		Score:       summary.Quality.Score,
		Latency:     summary.LatencyBucket,
		WaitSeconds: waits,
		At:          now.UTC(),
	})
}

func (p *partition) publish(f func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		p.log.WithError(err).Warn("failed to publish scheduler event")
	}
}

func copySummary(m *models.PendingMatchSummary) *models.PendingMatchSummary {
	c, err := copystructure.Copy(m)
	if err != nil {
		panic(err)
	}
	return c.(*models.PendingMatchSummary)
}
