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

package telemetry

import (
	"net/http"

	"contrib.go.opencensus.io/exporter/jaeger"
	"contrib.go.opencensus.io/exporter/ocagent"
	ocPrometheus "contrib.go.opencensus.io/exporter/prometheus"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.opencensus.io/zpages"

	"matchcore.dev/matchcore/internal/consts"
)

// zpagesEndpoint is the prefix of the opencensus debug pages.
const zpagesEndpoint = "/debug"

// exporter is one optional sink for views or spans, switched on by a
// boolean config key.
type exporter struct {
	name   string
	enable string
	bind   func(p Params, b Bindings) (logrus.Fields, error)
}

var exporters = []exporter{
	{"prometheus", consts.TelemetryPrometheusEnable, bindPrometheus},
	{"jaeger", consts.TelemetryJaegerEnable, bindJaeger},
	{"stackdriver", consts.TelemetryStackdriverEnable, bindStackdriver},
	{"ocagent", consts.TelemetryOCAgentEnable, bindOpenCensusAgent},
	{"zpages", consts.TelemetryZpagesEnable, bindZpages},
}

func bindExporters(p Params, b Bindings) error {
	cfg := p.Config()
	for _, e := range exporters {
		log := logger.WithField("exporter", e.name)
		if !cfg.GetBool(e.enable) {
			log.Debug("exporter disabled")
			continue
		}
		fields, err := e.bind(p, b)
		if err != nil {
			return errors.Wrapf(err, "failed to start the %s exporter", e.name)
		}
		log.WithFields(fields).Info("exporter enabled")
	}
	return nil
}

func bindPrometheus(p Params, b Bindings) (logrus.Fields, error) {
	endpoint := p.Config().GetString(consts.TelemetryPrometheusEndpoint)

	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	} {
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register prometheus collector")
		}
	}

	pe, err := ocPrometheus.NewExporter(ocPrometheus.Options{
		Namespace: "matchcore",
		Registry:  registry,
	})
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(pe)
	b.AddCloser(func() { view.UnregisterExporter(pe) })
	b.TelemetryHandle(endpoint, pe)
	return logrus.Fields{"endpoint": endpoint}, nil
}

func bindJaeger(p Params, b Bindings) (logrus.Fields, error) {
	cfg := p.Config()
	opts := jaeger.Options{
		AgentEndpoint:     cfg.GetString(consts.TelemetryJaegerAgent),
		CollectorEndpoint: cfg.GetString(consts.TelemetryJaegerCollector),
		ServiceName:       p.ServiceName(),
	}
	je, err := jaeger.NewExporter(opts)
	if err != nil {
		return nil, err
	}
	trace.RegisterExporter(je)
	b.AddCloser(func() {
		trace.UnregisterExporter(je)
		je.Flush()
	})
	return logrus.Fields{
		"agentEndpoint":     opts.AgentEndpoint,
		"collectorEndpoint": opts.CollectorEndpoint,
	}, nil
}

func bindStackdriver(p Params, b Bindings) (logrus.Fields, error) {
	cfg := p.Config()
	opts := stackdriver.Options{
		ProjectID:    cfg.GetString(consts.TelemetryStackdriverProjectID),
		MetricPrefix: cfg.GetString(consts.TelemetryStackdriverPrefix),
	}
	sd, err := stackdriver.NewExporter(opts)
	if err != nil {
		return nil, err
	}
	view.RegisterExporter(sd)
	trace.RegisterExporter(sd)
	// Buffered points are lost unless flushed before exit.
	b.AddCloser(func() {
		view.UnregisterExporter(sd)
		trace.UnregisterExporter(sd)
		sd.Flush()
	})
	return logrus.Fields{
		"gcpProjectID": opts.ProjectID,
		"metricPrefix": opts.MetricPrefix,
	}, nil
}

func bindOpenCensusAgent(p Params, b Bindings) (logrus.Fields, error) {
	endpoint := p.Config().GetString(consts.TelemetryOCAgentEndpoint)
	oce, err := ocagent.NewExporter(
		ocagent.WithAddress(endpoint),
		ocagent.WithInsecure(),
		ocagent.WithServiceName(p.ServiceName()),
	)
	if err != nil {
		return nil, err
	}
	trace.RegisterExporter(oce)
	view.RegisterExporter(oce)
	b.AddCloserErr(func() error {
		view.UnregisterExporter(oce)
		trace.UnregisterExporter(oce)
		return oce.Stop()
	})
	return logrus.Fields{"agentEndpoint": endpoint}, nil
}

func bindZpages(_ Params, b Bindings) (logrus.Fields, error) {
	mux := http.NewServeMux()
	zpages.Handle(mux, zpagesEndpoint)
	b.TelemetryHandle(zpagesEndpoint+"/", mux)
	return logrus.Fields{"endpoint": zpagesEndpoint}, nil
}
