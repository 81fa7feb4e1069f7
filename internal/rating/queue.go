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

package rating

import (
	"context"
	"sync"
)

// playerQueues serialises work per key. Callers for the same key run one at
// a time in arrival order; different keys never wait on each other.
type playerQueues struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	turn    chan struct{}
	waiters int
}

func newPlayerQueues() *playerQueues {
	return &playerQueues{slots: map[string]*slot{}}
}

// Do runs fn once every earlier caller for key has finished, or returns
// ctx.Err() if ctx ends first.
func (q *playerQueues) Do(ctx context.Context, key string, fn func() error) error {
	q.mu.Lock()
	s, ok := q.slots[key]
	if !ok {
		s = &slot{turn: make(chan struct{}, 1)}
		q.slots[key] = s
	}
	s.waiters++
	q.mu.Unlock()
	defer q.release(key, s)

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()
	return fn()
}

func (q *playerQueues) release(key string, s *slot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(q.slots, key)
	}
}

func (q *playerQueues) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
