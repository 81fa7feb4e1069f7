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

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHandlerFunc(t *testing.T) {
	testCases := []struct {
		description string
		handler     HandlerFunc
		wantCode    int
		wantBody    string
	}{
		{
			description: "ok",
			handler: func(*http.Request) (interface{}, error) {
				return map[string]int{"n": 1}, nil
			},
			wantCode: http.StatusOK,
			wantBody: `{"n":1}`,
		},
		{
			description: "status error",
			handler: func(*http.Request) (interface{}, error) {
				return nil, status.Error(codes.ResourceExhausted, "queue is full")
			},
			wantCode: http.StatusTooManyRequests,
			wantBody: `"queue is full"`,
		},
		{
			description: "wrapped status error",
			handler: func(*http.Request) (interface{}, error) {
				return nil, errors.Wrap(status.Error(codes.NotFound, "ticket t1 not found"), "status")
			},
			wantCode: http.StatusNotFound,
			wantBody: `ticket t1 not found`,
		},
		{
			description: "plain error",
			handler: func(*http.Request) (interface{}, error) {
				return nil, errors.New("boom")
			},
			wantCode: http.StatusInternalServerError,
			wantBody: `boom`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}

func TestDecode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, Decode(r, &v))
	assert.Equal(t, "a", v.Name)

	r = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":`))
	assert.Equal(t, codes.InvalidArgument, status.Code(Decode(r, &v)))
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?pageSize=5&bad=x", nil)
	n, err := QueryInt(r, "pageSize", 20)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = QueryInt(r, "missing", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	_, err = QueryInt(r, "bad", 20)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
