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

package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	utilTesting "matchcore.dev/matchcore/internal/util/testing"
	"matchcore.dev/matchcore/pkg/models"
)

type message struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	fail bool
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.msgs = append(f.msgs, message{channel, payload})
	return nil
}

func (f *fakePublisher) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func newNotifier(pub Publisher, batchSize int) *Notifier {
	cfg := viper.New()
	config.SetDefaults(cfg)
	cfg.Set(consts.NotifyBatchSize, batchSize)
	cfg.Set(consts.NotifyFlushInterval, time.Hour)
	return New(cfg, pub)
}

func TestEventsGoToTopicChannels(t *testing.T) {
	pub := &fakePublisher{}
	n := newNotifier(pub, 10)
	ctx := utilTesting.NewContext(t)

	require.Nil(t, n.RangeExpanded(ctx, models.RangeExpansionEvent{TicketID: "t1", QueueID: "q1"}))
	require.Nil(t, n.MatchChanged(ctx, models.PendingMatchSummary{MatchID: "m1", Status: models.MatchForming}))
	require.Nil(t, n.SeasonReset(ctx, models.SeasonNotification{PlayerID: "p1", LeagueID: "eu", NewRating: 1900}))

	msgs := pub.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "matchcore.expansion", msgs[0].channel)
	assert.Equal(t, "matchcore.match", msgs[1].channel)
	assert.Contains(t, string(msgs[1].payload), `"status":"FORMING"`)
	assert.Equal(t, "matchcore.season.eu", msgs[2].channel)
}

func TestFlushSplitsBatches(t *testing.T) {
	pub := &fakePublisher{}
	n := newNotifier(pub, 2)
	ctx := utilTesting.NewContext(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		n.RecordMatch(models.MatchTelemetry{MatchID: id})
	}
	require.Nil(t, n.Flush(ctx))
	assert.Equal(t, 0, n.Pending())

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	var first models.MatchTelemetryBatch
	require.Nil(t, json.Unmarshal(msgs[0].payload, &first))
	assert.Len(t, first.Records, 2)
	assert.NotEmpty(t, first.BatchID)
}

func TestFailedFlushKeepsRecords(t *testing.T) {
	pub := &fakePublisher{fail: true}
	n := newNotifier(pub, 10)
	ctx := utilTesting.NewContext(t)

	n.RecordMatch(models.MatchTelemetry{MatchID: "m1"})
	assert.NotNil(t, n.Flush(ctx))
	assert.Equal(t, 1, n.Pending())

	pub.fail = false
	assert.Nil(t, n.Flush(ctx))
	assert.Equal(t, 0, n.Pending())
}

func TestFailingPublisherBoundsBacklog(t *testing.T) {
	pub := &fakePublisher{fail: true}
	n := newNotifier(pub, 2)
	ctx := utilTesting.NewContext(t)

	for i := 0; i < 20; i++ {
		n.RecordMatch(models.MatchTelemetry{MatchID: fmt.Sprintf("m%02d", i)})
		if i%3 == 0 {
			assert.NotNil(t, n.Flush(ctx))
		}
		assert.LessOrEqual(t, n.Pending(), maxPendingBatches*2)
	}
	assert.Equal(t, maxPendingBatches*2, n.Pending())

	pub.fail = false
	require.Nil(t, n.Flush(ctx))
	var ids []string
	for _, msg := range pub.messages() {
		var batch models.MatchTelemetryBatch
		require.Nil(t, json.Unmarshal(msg.payload, &batch))
		for _, rec := range batch.Records {
			ids = append(ids, rec.MatchID)
		}
	}
	assert.Equal(t, []string{"m12", "m13", "m14", "m15", "m16", "m17", "m18", "m19"}, ids)
}

func TestRunFlushesFullBatches(t *testing.T) {
	pub := &fakePublisher{}
	n := newNotifier(pub, 2)
	ctx, cancel := context.WithCancel(utilTesting.NewContext(t))
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.RecordMatch(models.MatchTelemetry{MatchID: "m1"})
	n.RecordMatch(models.MatchTelemetry{MatchID: "m2"})
	assert.Eventually(t, func() bool { return len(pub.messages()) == 1 }, time.Second, 5*time.Millisecond)

	n.RecordMatch(models.MatchTelemetry{MatchID: "m3"})
	cancel()
	assert.Nil(t, <-done)
	assert.Len(t, pub.messages(), 2, "shutdown flushes the partial batch")
}

func TestDisabledOnlyLogs(t *testing.T) {
	pub := &fakePublisher{}
	cfg := viper.New()
	config.SetDefaults(cfg)
	cfg.Set(consts.NotifyEnabled, false)
	n := New(cfg, pub)

	assert.Nil(t, n.MatchChanged(utilTesting.NewContext(t), models.PendingMatchSummary{MatchID: "m1"}))
	assert.Empty(t, pub.messages())
}
