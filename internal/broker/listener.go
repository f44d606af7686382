// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
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

package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindListener binds a Unix domain listening socket at path, replacing any
// stale filesystem entry left behind by a crashed prior instance. Adapted
// from the upstream wireguard-go UAPIOpen helper (uapi_linux.go): attempt
// to listen; if the address is in use, dial-probe it to distinguish a live
// listener (in which case binding fails loudly) from a stale socket file
// (in which case it's removed and the listen is retried once).
func bindListener(path string) (*net.UnixListener, error) {
	if len(path) > unix.PathMax {
		return nil, fmt.Errorf("broker: socket path %q exceeds PATH_MAX", path)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenUnix("unix", addr)
	if err == nil {
		return listener, nil
	}

	if _, dialErr := net.Dial("unix", path); dialErr == nil {
		return nil, errors.New("broker: socket already in use by a live listener")
	}

	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, rmErr
	}

	return net.ListenUnix("unix", addr)
}

// rawFD extracts the underlying descriptor number of a *net.UnixListener or
// *net.UnixConn for registration with the epoll-based multiplexer. Unlike
// File(), this does not dup the descriptor: the returned number is only
// valid for as long as the original listener/conn stays open, which is
// exactly the lifetime the multiplexer cares about.
func rawFD(sc syscall.Conn) (int, error) {
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}
