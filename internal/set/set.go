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

// Package set provides order preserving operations on string sets.
package set

// Intersection returns the items of a that are also in b, in the order of a.
func Intersection(a []string, b []string) (out []string) {
	hash := make(map[string]bool, len(b))
	for _, v := range b {
		hash[v] = true
	}
	for _, v := range a {
		if hash[v] {
			out = append(out, v)
			delete(hash, v)
		}
	}
	return out
}

// Difference returns the items in the first argument that are not in the
// second (set 'a' - set 'b'), in the order of a.
func Difference(a []string, b []string) (out []string) {
	hash := make(map[string]bool, len(b))
	for _, v := range b {
		hash[v] = true
	}
	for _, v := range a {
		if !hash[v] {
			out = append(out, v)
		}
	}
	return out
}
