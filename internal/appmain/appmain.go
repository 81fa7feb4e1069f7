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

// Package appmain contains the common application initialization code for the matchcore server.
package appmain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/plugin/ochttp"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
	"matchcore.dev/matchcore/internal/logging"
	"matchcore.dev/matchcore/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "app.main",
	})
)

const shutdownTimeout = 10 * time.Second

// RunApplication starts and runs the given application until SIGTERM or SIGINT.
func RunApplication(serverName string, bindService Bind) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	a, err := StartApplication(serverName, bindService, config.Read, net.Listen)
	if err != nil {
		logger.Fatal(err)
	}

	<-c
	err = a.Stop()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("Application stopped successfully.")
}

// Bind is a function which starts an application, and binds it to serving.
type Bind func(p *Params, b *Bindings) error

// Params are inputs to starting an application.
type Params struct {
	config      config.View
	serviceName string
	now         func() time.Time
}

// Config provides the configuration for the application.
func (p *Params) Config() config.View {
	return p.config
}

// ServiceName is the name the server reports to tracing backends.
func (p *Params) ServiceName() string {
	return p.serviceName
}

// Now returns the clock the application should use.
func (p *Params) Now() func() time.Time {
	return p.now
}

// Bindings allows applications to bind various functions to the running servers.
type Bindings struct {
	mux          *http.ServeMux
	healthChecks []func(context.Context) error
	a            *App
}

// AddHealthCheckFunc allows an application to check if it is healthy, and
// contribute to the overall server health.
func (b *Bindings) AddHealthCheckFunc(f func(context.Context) error) {
	b.healthChecks = append(b.healthChecks, f)
}

// Handle registers an API route. Routes use net/http method patterns.
func (b *Bindings) Handle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, ochttp.WithRouteTag(handler, pattern))
}

// TelemetryHandle registers a telemetry endpoint on the server mux.
func (b *Bindings) TelemetryHandle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

// AddCloser registers c to run when the application stops.
func (b *Bindings) AddCloser(c func()) {
	b.a.closers = append(b.a.closers, func() error {
		c()
		return nil
	})
}

// AddCloserErr registers c to run when the application stops.
func (b *Bindings) AddCloserErr(c func() error) {
	b.a.closers = append(b.a.closers, c)
}

// App is a started application.
type App struct {
	closers []func() error
	addr    net.Addr
}

// Addr is the address the HTTP server listens on.
func (a *App) Addr() net.Addr {
	return a.addr
}

// StartApplication provides more control over an application than
// RunApplication.  It is for running in memory tests against your app.
func StartApplication(serverName string, bindService Bind, getCfg func() (config.View, error), listen func(network, address string) (net.Listener, error)) (*App, error) {
	a := &App{}

	cfg, err := getCfg()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Fatalf("cannot read configuration.")
	}
	logging.ConfigureLogging(cfg)

	p := &Params{
		config:      cfg,
		serviceName: serverName,
		now:         time.Now,
	}
	b := &Bindings{
		mux: http.NewServeMux(),
		a:   a,
	}

	err = telemetry.Setup(p, b)
	if err != nil {
		a.Stop()
		return nil, err
	}
	err = telemetry.RegisterViews(config.CfgChangeCountView)
	if err != nil {
		a.Stop()
		return nil, err
	}

	err = bindService(p, b)
	if err != nil {
		a.Stop()
		return nil, err
	}
	b.mux.Handle(telemetry.HealthCheckEndpoint, telemetry.NewHealthCheck(b.healthChecks))

	port := cfg.GetInt(consts.HTTPPort)
	l, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		a.Stop()
		return nil, errors.Wrapf(err, "cannot listen on port %d", port)
	}
	a.addr = l.Addr()

	srv := &http.Server{
		Handler:           &ochttp.Handler{Handler: b.mux},
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()
	b.AddCloserErr(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	logger.WithFields(logrus.Fields{
		"server": serverName,
		"addr":   l.Addr().String(),
	}).Info("server started")
	return a, nil
}

// Stop runs the registered closers in reverse order of registration.
func (a *App) Stop() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i]()
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
