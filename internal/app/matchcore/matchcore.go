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

// Package matchcore wires the storage, engines and scheduler together and
// binds the frontend, ratings and admin services.
package matchcore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"matchcore.dev/matchcore/internal/app/admin"
	"matchcore.dev/matchcore/internal/app/frontend"
	"matchcore.dev/matchcore/internal/app/ratings"
	"matchcore.dev/matchcore/internal/appmain"
	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/expansion"
	"matchcore.dev/matchcore/internal/notify"
	"matchcore.dev/matchcore/internal/omerror"
	"matchcore.dev/matchcore/internal/quality"
	"matchcore.dev/matchcore/internal/rating"
	"matchcore.dev/matchcore/internal/scheduler"
	"matchcore.dev/matchcore/internal/season"
	"matchcore.dev/matchcore/internal/smurf"
	"matchcore.dev/matchcore/internal/statestore"
	"matchcore.dev/matchcore/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "app.matchcore",
	})
)

// BindService creates the matchcore components and binds their routes.
func BindService(p *appmain.Params, b *appmain.Bindings) error {
	cfg := p.Config()
	err := telemetry.RegisterViews(
		rating.DeltasAppliedView,
		rating.DeltasDuplicatedView,
		rating.DeltaMagnitudeView,
		smurf.FlagsComputedView,
		season.ResetsView,
		season.PlayersResetView,
		notify.PublishedView,
		notify.FailedView,
		notify.DroppedView,
	)
	if err != nil {
		return err
	}

	store := statestore.New(cfg)
	b.AddHealthCheckFunc(store.HealthCheck)
	b.AddCloserErr(store.Close)

	newRetry := func() backoff.BackOff {
		return statestore.NewExponentialBackoff(cfg)
	}
	events := notify.New(cfg, store)
	params := rating.ParamsFromConfig(cfg)
	detector := smurf.NewDetector(cfg)
	engine := rating.NewEngine(params, store, detector, rating.WithClock(p.Now()), rating.WithRetry(newRetry))
	sweeper := &smurf.Sweeper{
		Detector:         detector,
		Store:            store,
		Interval:         config.DurationOr(cfg, consts.SmurfSweepInterval, 24*time.Hour),
		Parallelism:      config.IntOr(cfg, consts.SmurfSweepParallelism, 8),
		PlacementMatches: params.PlacementMatches,
		Now:              p.Now(),
	}
	coordinator := season.NewCoordinator(store, params, events, config.DurationOr(cfg, consts.SeasonLockTimeout, 2*time.Minute), newRetry)
	sched := scheduler.New(
		scheduler.SettingsFromConfig(cfg),
		expansion.FromConfig(cfg),
		quality.NewScorer(quality.WeightsFromConfig(cfg)),
		store,
		events,
		scheduler.WithClock(p.Now()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	restored, err := sched.Restore(ctx)
	if err != nil {
		cancel()
		if stopErr := sched.Stop(); stopErr != nil {
			logger.WithError(stopErr).Warn("scheduler did not stop cleanly")
		}
		return errors.Wrap(err, "failed to restore tickets")
	}
	wait := omerror.WaitOnErrors(logger,
		func() error { return events.Run(ctx) },
		func() error { return sweeper.Run(ctx) },
	)
	b.AddCloserErr(func() error {
		cancel()
		stopErr := sched.Stop()
		if err := wait(); err != nil {
			return err
		}
		return stopErr
	})

	frontend.BindService(b, cfg, sched, engine, store, p.Now())
	ratings.BindService(b, cfg, engine, store, sweeper, params.DefaultLeague)
	admin.BindService(b, cfg, coordinator, store)

	logger.WithField("restoredTickets", restored).Info("matchcore services bound")
	return nil
}
