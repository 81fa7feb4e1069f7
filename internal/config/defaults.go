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

package config

import (
	"time"

	"matchcore.dev/matchcore/internal/consts"
)

// SetDefaults registers the default value of every tunable.
func SetDefaults(cfg defaulter) {
	cfg.SetDefault(consts.HTTPPort, 51504)

	cfg.SetDefault(consts.RedisHostName, "localhost")
	cfg.SetDefault(consts.RedisPort, 6379)
	cfg.SetDefault(consts.RedisConnMaxIdle, 200)
	cfg.SetDefault(consts.RedisConnMaxActive, 0)
	cfg.SetDefault(consts.RedisConnIdleTimeout, 60*time.Second)
	cfg.SetDefault(consts.RedisConnHealthCheckTimeout, 100*time.Millisecond)
	cfg.SetDefault(consts.RedisSentinelMaster, "mymaster")
	cfg.SetDefault(consts.RedisExpiration, 10*time.Minute)

	cfg.SetDefault(consts.BackoffInitInterval, 50*time.Millisecond)
	cfg.SetDefault(consts.BackoffRandFactor, 0.5)
	cfg.SetDefault(consts.BackoffMultiplier, 1.5)
	cfg.SetDefault(consts.BackoffMaxInterval, 2*time.Second)
	cfg.SetDefault(consts.BackoffMaxElapsedTime, 10*time.Second)

	cfg.SetDefault(consts.LoggingLevel, "info")
	cfg.SetDefault(consts.LoggingFormat, "text")

	cfg.SetDefault(consts.TelemetryReportingPeriod, time.Minute)
	cfg.SetDefault(consts.TelemetryPrometheusEndpoint, "/metrics")
	cfg.SetDefault(consts.TelemetryStackdriverPrefix, "matchcore")
	cfg.SetDefault(consts.TelemetryTraceSamplingFrac, 0.01)

	cfg.SetDefault(consts.SchedulerTickInterval, time.Second)
	cfg.SetDefault(consts.SchedulerTicketTTL, 5*time.Minute)
	cfg.SetDefault(consts.SchedulerReadyCheckTimeout, 20*time.Second)
	cfg.SetDefault(consts.SchedulerMinScore, 50.0)
	cfg.SetDefault(consts.SchedulerSearchWidth, 12)
	cfg.SetDefault(consts.SchedulerCombinationBudget, 5000)
	cfg.SetDefault(consts.SchedulerInboxSize, 256)
	cfg.SetDefault(consts.SchedulerPartitionLimit, 10000)
	cfg.SetDefault(consts.SchedulerHandoffInterval, 30*time.Second)
	cfg.SetDefault(consts.SchedulerMinServerLatencyMs, 30)
	cfg.SetDefault(consts.SchedulerStartDelay, 30*time.Second)
	cfg.SetDefault(consts.SchedulerPartitionIdleTimeout, 10*time.Minute)

	cfg.SetDefault(consts.ExpansionStep, 5*time.Second)

	cfg.SetDefault(consts.QualityBalanceWeight, 0.55)
	cfg.SetDefault(consts.QualityRoleWeight, 0.45)
	cfg.SetDefault(consts.QualityWaitWeight, 0.20)
	cfg.SetDefault(consts.QualityLatencyWeight, 0.25)
	cfg.SetDefault(consts.QualitySmurfWidening, 200.0)
	cfg.SetDefault(consts.QualityMaxSpread, 400.0)
	cfg.SetDefault(consts.QualityWaitScale, 120*time.Second)
	cfg.SetDefault(consts.QualityLatencyScaleMs, 250.0)
	cfg.SetDefault(consts.QualityCrossRegionPenalty, 40.0)
	cfg.SetDefault(consts.QualityLowLatencyBucketMs, 60)
	cfg.SetDefault(consts.QualityHighLatencyBucketMs, 120)

	cfg.SetDefault(consts.RatingDefault, 1500.0)
	cfg.SetDefault(consts.RatingScale, 400.0)
	cfg.SetDefault(consts.RatingKFactor, 32.0)
	cfg.SetDefault(consts.RatingPlacementK, 64.0)
	cfg.SetDefault(consts.RatingPlacementMatches, 10)
	cfg.SetDefault(consts.RatingBonusCapRatio, 0.25)
	cfg.SetDefault(consts.RatingSoftCap, 0.0)
	cfg.SetDefault(consts.RatingDefaultLeague, "default")
	cfg.SetDefault(consts.RatingHistoryPageSize, 50)
	cfg.SetDefault(consts.RatingHistoryMaxPage, 200)

	cfg.SetDefault(consts.SmurfWindow, 20)
	cfg.SetDefault(consts.SmurfPopulationWinrate, 0.5)
	cfg.SetDefault(consts.SmurfNewAccountAge, 14*24*time.Hour)
	cfg.SetDefault(consts.SmurfReportSaturation, 5)
	cfg.SetDefault(consts.SmurfSweepInterval, 24*time.Hour)
	cfg.SetDefault(consts.SmurfSweepParallelism, 8)

	cfg.SetDefault(consts.SeasonLockTimeout, 2*time.Minute)

	cfg.SetDefault(consts.NotifyEnabled, true)
	cfg.SetDefault(consts.NotifyChannelPrefix, "matchcore")
	cfg.SetDefault(consts.NotifyBatchSize, 100)
	cfg.SetDefault(consts.NotifyFlushInterval, 5*time.Second)
}
