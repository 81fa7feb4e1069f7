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

// Package httpapi adapts service methods to JSON over HTTP.
package httpapi

import (
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"matchcore.dev/matchcore/internal/omerror"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "matchcore",
		"component": "httpapi",
	})

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// HandlerFunc handles one API call. The returned value is written as the
// JSON response body with status 200; an error is written as a
// google.rpc.Status with the mapped HTTP code.
type HandlerFunc func(r *http.Request) (interface{}, error)

// ServeHTTP implements http.Handler.
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, err := f(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	Write(w, http.StatusOK, v)
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return status.Error(codes.InvalidArgument, "request body is required")
	}
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request body: %s", err.Error())
	}
	return nil
}

// Write renders v as JSON.
func Write(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.WithError(err).Debug("failed to write response")
	}
}

// WriteError renders err as a google.rpc.Status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	st := omerror.ProtoFromErr(err)
	code := omerror.HTTPStatus(codes.Code(st.Code))
	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   codes.Code(st.Code).String(),
	}
	if code >= http.StatusInternalServerError {
		logger.WithFields(fields).WithError(err).Error("request failed")
	} else {
		logger.WithFields(fields).WithError(err).Debug("request rejected")
	}

	b, mErr := protojson.Marshal(st)
	if mErr != nil {
		logger.WithError(mErr).Error("failed to encode status")
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.WithError(err).Debug("failed to write error response")
	}
}

// QueryInt reads an optional integer query parameter.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer, got %q", name, s)
	}
	return n, nil
}
