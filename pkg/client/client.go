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

// Package client implements the peer side of the socketpair broker
// protocol: connect, request a pair for a key, and receive back a
// connected stream descriptor to whichever peer the broker matched us
// with. It is the Go counterpart of the C helper library's
// sp_broker_connect/sp_broker_get_pair contract.
package client

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/igsilya/one-socket/internal/protocol"
)

// Dial connects to the broker listening at sockPath. The returned
// connection is otherwise unused protocol state; callers normally go
// straight on to Client, Server, or Pair.
func Dial(sockPath string) (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("client: failed to connect to broker at %q: %w", sockPath, err)
	}
	return conn, nil
}

// Client requests a directional pair for key, declaring the CLIENT role,
// and blocks until the broker delivers a peer. It matches only against a
// waiting peer that requested the same key in the SERVER role.
func Client(sockPath, key string) (net.Conn, error) {
	return getPair(sockPath, key, protocol.ModeClient)
}

// Server requests a directional pair for key, declaring the SERVER role.
// It matches only against a waiting peer that requested the same key in
// the CLIENT role.
func Server(sockPath, key string) (net.Conn, error) {
	return getPair(sockPath, key, protocol.ModeServer)
}

// Pair requests a symmetric (role-agnostic) pair for key: it matches any
// other waiting peer that requested the same key with mode NONE.
func Pair(sockPath, key string) (net.Conn, error) {
	return getPair(sockPath, key, protocol.ModeNone)
}

func getPair(sockPath, key string, mode protocol.Mode) (net.Conn, error) {
	conn, err := Dial(sockPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := SendGetPair(conn, mode, key); err != nil {
		return nil, err
	}
	return ReceiveSetPair(conn)
}

// SendGetPair sends a GET_PAIR request for key under mode on an
// already-connected broker conn.
func SendGetPair(conn *net.UnixConn, mode protocol.Mode, key string) error {
	frame, err := protocol.NewGetPair(mode, []byte(key))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := protocol.Encode(conn, frame, nil); err != nil {
		return fmt.Errorf("client: failed to send GET_PAIR: %w", err)
	}
	return nil
}

// ReceiveSetPair waits for the broker's SET_PAIR response on conn and
// returns the delivered descriptor wrapped as a net.Conn. It is the
// counterpart of sp_broker_receive_set_pair.
func ReceiveSetPair(conn *net.UnixConn) (net.Conn, error) {
	frame, fds, err := protocol.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("client: failed to read broker response: %w", err)
	}
	if frame == nil {
		return nil, fmt.Errorf("client: broker closed the connection without a response")
	}

	if verr := protocol.Validate(frame, len(fds), []protocol.Request{protocol.RequestSetPair}); verr != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("client: invalid broker response: %w", verr)
	}

	peerConn, err := fdToConn(fds[0])
	if err != nil {
		return nil, fmt.Errorf("client: failed to wrap delivered descriptor: %w", err)
	}
	return peerConn, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "broker-pair")
	defer f.Close()
	return net.FileConn(f)
}
