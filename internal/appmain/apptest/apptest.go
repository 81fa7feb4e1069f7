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

// Package apptest allows testing of bound services within memory.
package apptest

import (
	"net"
	"testing"

	"github.com/pkg/errors"

	"matchcore.dev/matchcore/internal/appmain"
	"matchcore.dev/matchcore/internal/config"
)

// TestApp starts the bound services on a loopback listener and returns the
// base URL. The application stops when the test ends.
func TestApp(t *testing.T, cfg config.View, binds ...appmain.Bind) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	used := false
	listen := func(network, address string) (net.Listener, error) {
		if used {
			return nil, errors.Errorf("listener for %q was already used", address)
		}
		used = true
		return l, nil
	}
	getCfg := func() (config.View, error) {
		return cfg, nil
	}
	bindAll := func(p *appmain.Params, b *appmain.Bindings) error {
		for _, bind := range binds {
			err := bind(p, b)
			if err != nil {
				return err
			}
		}
		return nil
	}

	app, err := appmain.StartApplication("test", bindAll, getCfg, listen)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		err := app.Stop()
		if err != nil {
			t.Fatal(err)
		}
	})
	return "http://" + app.Addr().String()
}
