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

// Package omerror converts errors into grpc statuses and HTTP responses.
package omerror

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"matchcore.dev/matchcore/pkg/models"
)

// ProtoFromErr converts an error into a grpc status. It returns an OK code on
// nil, maps context errors to their codes, and turns validation errors into
// InvalidArgument.
func ProtoFromErr(err error) *spb.Status {
	if err == nil {
		return &spb.Status{Code: int32(codes.OK)}
	}
	cause := errors.Cause(err)
	switch cause {
	case context.DeadlineExceeded, context.Canceled:
		return status.FromContextError(cause).Proto()
	}
	if verrs, ok := cause.(models.ValidationErrors); ok {
		return status.New(codes.InvalidArgument, verrs.Error()).Proto()
	}
	if s, ok := status.FromError(cause); ok {
		return s.Proto()
	}
	return status.Convert(err).Proto()
}

// Invalid wraps validation failures as an InvalidArgument status error.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

// HTTPStatus maps a grpc code to the HTTP status written to clients.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// WaitFunc will wait until all called functions return. WaitFunc returns the
// first error returned, otherwise it returns nil.
type WaitFunc func() error

// WaitOnErrors immediately starts a new go routine for each function passed it.
// It returns a WaitFunc. Any additional errors not returned are instead logged.
func WaitOnErrors(logger *logrus.Entry, fs ...func() error) WaitFunc {
	errs := make(chan error, len(fs))
	for _, f := range fs {
		go func(f func() error) {
			errs <- f()
		}(f)
	}

	return func() error {
		var first error
		for range fs {
			err := <-errs
			if first == nil {
				first = err
			} else if err != nil {
				logger.WithError(err).Warning("Multiple errors occurred in parallel execution. This error is suppressed by the error returned.")
			}
		}
		return first
	}
}
