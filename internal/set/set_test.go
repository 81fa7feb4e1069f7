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

package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntersection(t *testing.T) {
	tests := []struct {
		description string
		a, b        []string
		want        []string
	}{
		{"disjoint", []string{"eu"}, []string{"us"}, nil},
		{"keeps order of first", []string{"us", "eu", "ap"}, []string{"ap", "us"}, []string{"us", "ap"}},
		{"duplicates collapse", []string{"eu", "eu"}, []string{"eu"}, []string{"eu"}},
		{"empty", nil, []string{"eu"}, nil},
	}
	for _, test := range tests {
		test := test
		t.Run(test.description, func(t *testing.T) {
			assert.Equal(t, test.want, Intersection(test.a, test.b))
		})
	}
}

func TestDifference(t *testing.T) {
	assert.Equal(t, []string{"q1", "q3"}, Difference([]string{"q1", "q2", "q3"}, []string{"q2"}))
	assert.Nil(t, Difference([]string{"q1"}, []string{"q1"}))
}
