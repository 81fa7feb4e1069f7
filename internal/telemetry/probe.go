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
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
)

const (
	// HealthCheckEndpoint serves liveness, and readiness when queried with parameters.
	HealthCheckEndpoint   = "/healthz"
	healthStateFirstProbe = int32(0)
	healthStateHealthy    = int32(1)
	healthStateUnhealthy  = int32(2)
)

type statefulProbe struct {
	healthState atomic.Int32
	probes      []func(context.Context) error
}

// ServeHTTP runs every probe when the request carries a query string and
// answers 503 on the first failure. A bare request is a liveness check.
func (sp *statefulProbe) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if len(req.URL.Query()) > 0 {
		for _, probe := range sp.probes {
			if err := probe(req.Context()); err != nil {
				old := sp.healthState.Swap(healthStateUnhealthy)
				if old == healthStateUnhealthy {
					logger.WithError(err).Warningf("%s health check continues to fail.", HealthCheckEndpoint)
				} else {
					logger.WithError(err).Warningf("%s health check failed.", HealthCheckEndpoint)
				}
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		switch sp.healthState.Swap(healthStateHealthy) {
		case healthStateUnhealthy:
			logger.Infof("%s is healthy again.", HealthCheckEndpoint)
		case healthStateFirstProbe:
			logger.Infof("%s is reporting healthy.", HealthCheckEndpoint)
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok")
}

// NewHealthCheck creates an HTTP handler answering liveness and readiness checks.
func NewHealthCheck(probes []func(context.Context) error) http.Handler {
	return &statefulProbe{probes: probes}
}
