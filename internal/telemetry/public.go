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

// Package telemetry binds opencensus metrics and tracing exporters and the
// health probe to the application server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "telemetry",
	})
)

// Params is the read side of application startup that telemetry needs.
type Params interface {
	Config() config.View
	ServiceName() string
}

// Bindings lets telemetry attach handlers and closers to the application.
type Bindings interface {
	TelemetryHandle(pattern string, handler http.Handler)
	AddCloser(c func())
	AddCloserErr(c func() error)
}

// Setup configures the telemetry for the server.
func Setup(p Params, b Bindings) error {
	cfg := p.Config()
	reportingPeriod := config.DurationOr(cfg, consts.TelemetryReportingPeriod, time.Minute)

	if err := bindExporters(p, b); err != nil {
		return err
	}

	if frac := cfg.GetFloat64(consts.TelemetryTraceSamplingFrac); frac > 0 {
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(frac)})
	}

	// Change the frequency of updates to the metrics endpoint
	view.SetReportingPeriod(reportingPeriod)

	logger.WithFields(logrus.Fields{
		"reportingPeriod": reportingPeriod,
	}).Info("telemetry has been configured.")
	return nil
}

// RegisterViews registers component views, skipping ones already known.
func RegisterViews(views ...*view.View) error {
	for _, v := range views {
		if view.Find(v.Name) != nil {
			continue
		}
		if err := view.Register(v); err != nil {
			return errors.Wrapf(err, "failed to register view %s", v.Name)
		}
	}
	return nil
}
