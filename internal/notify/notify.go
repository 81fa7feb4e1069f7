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

// Package notify publishes matchmaking events and batched match telemetry.
package notify

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/pkg/models"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "notify",
	})

	published      = stats.Int64("matchcore/notify_published", "Events published", stats.UnitDimensionless)
	publishFailed  = stats.Int64("matchcore/notify_failed", "Events that failed to publish", stats.UnitDimensionless)
	recordsDropped = stats.Int64("matchcore/notify_telemetry_dropped", "Telemetry records dropped while unpublished", stats.UnitDimensionless)

	// PublishedView counts published events.
	PublishedView = &view.View{
		Name:        "matchcore/notify_published",
		Measure:     published,
		Description: "The number of published events",
		Aggregation: view.Count(),
	}
	// FailedView counts events that could not be published.
	FailedView = &view.View{
		Name:        "matchcore/notify_failed",
		Measure:     publishFailed,
		Description: "The number of events that failed to publish",
		Aggregation: view.Count(),
	}
	// DroppedView sums telemetry records dropped because too many were
	// waiting for a flush.
	DroppedView = &view.View{
		Name:        "matchcore/notify_telemetry_dropped",
		Measure:     recordsDropped,
		Description: "The number of telemetry records dropped unpublished",
		Aggregation: view.Sum(),
	}
)

// maxPendingBatches bounds how many batches of telemetry wait while the
// publisher is failing. The oldest records are dropped first.
const maxPendingBatches = 4

// Publisher delivers a payload on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier fans events out to pub/sub channels named after a prefix. With
// a nil publisher events are only logged.
type Notifier struct {
	pub       Publisher
	prefix    string
	batchSize int
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending []models.MatchTelemetry
	full    chan struct{}
}

// New returns a notifier configured from the notify section. pub is
// ignored when notify.enabled is false.
func New(cfg config.View, pub Publisher) *Notifier {
	if !cfg.GetBool(consts.NotifyEnabled) {
		pub = nil
	}
	prefix := cfg.GetString(consts.NotifyChannelPrefix)
	if prefix == "" {
		prefix = "matchcore"
	}
	return &Notifier{
		pub:       pub,
		prefix:    prefix,
		batchSize: config.IntOr(cfg, consts.NotifyBatchSize, 100),
		interval:  config.DurationOr(cfg, consts.NotifyFlushInterval, 5*time.Second),
		now:       time.Now,
		full:      make(chan struct{}, 1),
	}
}

// Channel returns the full channel name for a topic.
func (n *Notifier) Channel(topic string) string {
	return n.prefix + "." + topic
}

// RangeExpanded publishes a window widening of a ticket.
func (n *Notifier) RangeExpanded(ctx context.Context, ev models.RangeExpansionEvent) error {
	return n.publish(ctx, "expansion", ev)
}

// MatchChanged publishes a pending match whenever its status changes.
func (n *Notifier) MatchChanged(ctx context.Context, m models.PendingMatchSummary) error {
	return n.publish(ctx, "match", m)
}

// SeasonReset publishes a player's new-season rating.
func (n *Notifier) SeasonReset(ctx context.Context, note models.SeasonNotification) error {
	return n.publish(ctx, "season."+note.LeagueID, note)
}

// RecordMatch queues one telemetry record for the next batch.
func (n *Notifier) RecordMatch(rec models.MatchTelemetry) {
	n.mu.Lock()
	n.pending = append(n.pending, rec)
	full := len(n.pending) >= n.batchSize
	dropped := n.trim()
	n.mu.Unlock()
	n.dropped(dropped)
	if full {
		select {
		case n.full <- struct{}{}:
		default:
		}
	}
}

// Run flushes telemetry on every interval and whenever a batch fills,
// until ctx is done. The remaining records are flushed on the way out.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Flush with a fresh context since ctx is already cancelled.
			flushCtx, cancel := context.WithTimeout(context.Background(), n.interval)
			defer cancel()
			return n.Flush(flushCtx)
		case <-ticker.C:
		case <-n.full:
		}
		if err := n.Flush(ctx); err != nil {
			logger.WithError(err).Warn("telemetry flush failed")
		}
	}
}

// Flush publishes pending telemetry in batches of at most batchSize.
func (n *Notifier) Flush(ctx context.Context) error {
	n.mu.Lock()
	records := n.pending
	n.pending = nil
	n.mu.Unlock()

	for len(records) > 0 {
		size := n.batchSize
		if size > len(records) {
			size = len(records)
		}
		batch := models.MatchTelemetryBatch{
			BatchID: xid.New().String(),
			SentAt:  n.now().UTC(),
			Records: records[:size],
		}
		if err := n.publish(ctx, "telemetry", batch); err != nil {
			n.mu.Lock()
			n.pending = append(append([]models.MatchTelemetry(nil), records...), n.pending...)
			dropped := n.trim()
			n.mu.Unlock()
			n.dropped(dropped)
			return err
		}
		records = records[size:]
	}
	return nil
}

// Pending returns the number of records waiting for a flush.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// trim drops the oldest records beyond the pending bound and returns how
// many went. mu must be held.
func (n *Notifier) trim() int {
	over := len(n.pending) - maxPendingBatches*n.batchSize
	if over <= 0 {
		return 0
	}
	n.pending = append([]models.MatchTelemetry(nil), n.pending[over:]...)
	return over
}

func (n *Notifier) dropped(count int) {
	if count == 0 {
		return
	}
	stats.Record(context.Background(), recordsDropped.M(int64(count)))
	logger.WithField("records", count).Warn("telemetry backlog full, dropped oldest records")
}

func (n *Notifier) publish(ctx context.Context, topic string, v interface{}) error {
	channel := n.Channel(topic)
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s event", topic)
	}
	fields := logrus.Fields{
		"channel": channel,
		"bytes":   len(payload),
	}
	if n.pub == nil {
		logger.WithFields(fields).Debug(string(payload))
		return nil
	}
	if err := n.pub.Publish(ctx, channel, payload); err != nil {
		stats.Record(ctx, publishFailed.M(1))
		logger.WithFields(fields).WithError(err).Warn("failed to publish event")
		return errors.Wrapf(err, "failed to publish to %s", channel)
	}
	stats.Record(ctx, published.M(1))
	logger.WithFields(fields).Debug("event published")
	return nil
}
