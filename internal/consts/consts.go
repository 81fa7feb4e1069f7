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

// Package consts holds the configuration keys and storage names shared by
// matchcore components.
package consts

const (
	// Service settings
	HTTPPort   = "api.matchcore.httpport"
	AdminToken = "api.matchcore.adminToken"

	// Redis settings
	RedisHostName               = "redis.hostname"
	RedisPort                   = "redis.port"
	RedisUser                   = "redis.user"
	RedisPassword               = "redis.password"
	RedisConnMaxIdle            = "redis.pool.maxIdle"
	RedisConnMaxActive          = "redis.pool.maxActive"
	RedisConnIdleTimeout        = "redis.pool.idleTimeout"
	RedisConnHealthCheckTimeout = "redis.pool.healthCheckTimeout"
	RedisSentinelEnabled        = "redis.sentinelEnabled"
	RedisSentinelHostName       = "redis.sentinelHostname"
	RedisSentinelPort           = "redis.sentinelPort"
	RedisSentinelMaster         = "redis.sentinelMaster"
	// RedisExpiration is how long terminal tickets stay readable.
	RedisExpiration = "redis.expiration"

	// Retry policy for optimistic writes and publishes
	BackoffInitInterval   = "backoff.initialInterval"
	BackoffRandFactor     = "backoff.randFactor"
	BackoffMultiplier     = "backoff.multiplier"
	BackoffMaxInterval    = "backoff.maxInterval"
	BackoffMaxElapsedTime = "backoff.maxElapsedTime"

	// Logging
	LoggingLevel  = "logging.level"
	LoggingFormat = "logging.format"
	LoggingSource = "logging.source"

	// Telemetry
	TelemetryReportingPeriod      = "telemetry.reportingPeriod"
	TelemetryPrometheusEnable     = "telemetry.prometheus.enable"
	TelemetryPrometheusEndpoint   = "telemetry.prometheus.endpoint"
	TelemetryJaegerEnable         = "telemetry.jaeger.enable"
	TelemetryJaegerAgent          = "telemetry.jaeger.agentEndpoint"
	TelemetryJaegerCollector      = "telemetry.jaeger.collectorEndpoint"
	TelemetryOCAgentEnable        = "telemetry.opencensusAgent.enable"
	TelemetryOCAgentEndpoint      = "telemetry.opencensusAgent.agentEndpoint"
	TelemetryStackdriverEnable    = "telemetry.stackdriverMetrics.enable"
	TelemetryStackdriverProjectID = "telemetry.stackdriverMetrics.gcpProjectId"
	TelemetryStackdriverPrefix    = "telemetry.stackdriverMetrics.prefix"
	TelemetryZpagesEnable         = "telemetry.zpages.enable"
	TelemetryTraceSamplingFrac    = "telemetry.traceSamplingFraction"

	// Scheduler
	SchedulerTickInterval         = "scheduler.tickInterval"
	SchedulerTicketTTL            = "scheduler.ticketTTL"
	SchedulerReadyCheckTimeout    = "scheduler.readyCheckTimeout"
	SchedulerMinScore             = "scheduler.minScore"
	SchedulerSearchWidth          = "scheduler.searchWidth"
	SchedulerCombinationBudget    = "scheduler.combinationBudget"
	SchedulerInboxSize            = "scheduler.inboxSize"
	SchedulerPartitionLimit       = "scheduler.partitionLimit"
	SchedulerHandoffInterval      = "scheduler.handoffInterval"
	SchedulerMinServerLatencyMs   = "scheduler.minServerLatencyMs"
	SchedulerStartDelay           = "scheduler.estimatedStartDelay"
	SchedulerPartitionIdleTimeout = "scheduler.partitionIdleTimeout"

	// Range expansion. Per mode keys are ExpansionPrefix + "<MODE>.base" etc.
	ExpansionPrefix = "expansion."
	ExpansionStep   = "expansion.step"

	// Match quality
	QualityBalanceWeight       = "quality.weights.balance"
	QualityRoleWeight          = "quality.weights.role"
	QualityWaitWeight          = "quality.weights.wait"
	QualityLatencyWeight       = "quality.weights.latency"
	QualitySmurfWidening       = "quality.smurfWidening"
	QualityMaxSpread           = "quality.maxSpread"
	QualityWaitScale           = "quality.waitScale"
	QualityLatencyScaleMs      = "quality.latencyScaleMs"
	QualityCrossRegionPenalty  = "quality.crossRegionPenaltyMs"
	QualityLowLatencyBucketMs  = "quality.buckets.lowMs"
	QualityHighLatencyBucketMs = "quality.buckets.highMs"

	// Rating engine
	RatingDefault          = "rating.default"
	RatingScale            = "rating.scale"
	RatingKFactor          = "rating.kFactor"
	RatingPlacementK       = "rating.placementK"
	RatingPlacementMatches = "rating.placementMatches"
	RatingBonusCapRatio    = "rating.bonusCapRatio"
	RatingSoftCap          = "rating.softCapRating"
	RatingDefaultLeague    = "rating.defaultLeague"
	RatingHistoryPageSize  = "rating.history.pageSize"
	RatingHistoryMaxPage   = "rating.history.maxPageSize"

	// Smurf detection
	SmurfWindow            = "smurf.window"
	SmurfPopulationWinrate = "smurf.populationWinrate"
	SmurfNewAccountAge     = "smurf.newAccountAge"
	SmurfReportSaturation  = "smurf.reportSaturation"
	SmurfSweepInterval     = "smurf.sweepInterval"
	SmurfSweepParallelism  = "smurf.sweepParallelism"

	// Season reset
	SeasonLockTimeout = "season.lockTimeout"

	// Notifications
	NotifyEnabled       = "notify.enabled"
	NotifyChannelPrefix = "notify.channelPrefix"
	NotifyBatchSize     = "notify.batchSize"
	NotifyFlushInterval = "notify.flushInterval"
)
