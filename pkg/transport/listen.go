// Copyright 2023 The emqx-lite Authors
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

package transport

import (
	"net"

	"golang.org/x/net/netutil"
)

// ListenOptions tunes the TCP listener.
type ListenOptions struct {
	// Backlog is the pending-connection queue length. Zero uses the system
	// default. Only honoured on Linux.
	Backlog int
	// MaxConnections caps the number of concurrently accepted connections.
	// Accept blocks while the cap is reached. Zero is unlimited.
	MaxConnections int
}

// Listen opens a TCP listener on addr.
func Listen(addr string, opts ListenOptions) (net.Listener, error) {
	ln, err := listenTCP(addr, opts.Backlog)
	if err != nil {
		return nil, err
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	return ln, nil
}
