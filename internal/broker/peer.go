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
	"fmt"
	"net"

	"github.com/igsilya/one-socket/internal/protocol"
)

// State is a peer connection's position in the rendezvous state machine.
type State int

const (
	// StateNew is the state of a just-accepted connection that has not
	// yet sent a valid GET_PAIR.
	StateNew State = iota
	// StatePairRequested is set once a valid GET_PAIR has been received;
	// the peer is waiting in the rendezvous table.
	StatePairRequested
	// StateComplete is set once a SET_PAIR has been delivered.
	StateComplete
	// StateDead is set on protocol error, I/O error, or peer hangup.
	StateDead
	// StateVictim is set when a peer is chosen for eviction under
	// descriptor pressure.
	StateVictim
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePairRequested:
		return "PAIR_REQUESTED"
	case StateComplete:
		return "COMPLETE"
	case StateDead:
		return "DEAD"
	case StateVictim:
		return "VICTIM"
	default:
		return "<unknown>"
	}
}

// Terminal reports whether s causes disconnection in the end-of-tick sweep.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateDead || s == StateVictim
}

// Peer is the broker's in-memory record of one accepted connection: its
// descriptor, its state, and, once a GET_PAIR has been received, its
// declared role and key. A Peer is owned by exactly one worker goroutine
// and must never be accessed concurrently.
type Peer struct {
	conn  *net.UnixConn
	fd    int
	name  string
	state State

	mode   protocol.Mode
	key    []byte
	gotKey bool
}

// newPeer wraps an accepted connection into a NEW peer record, named with a
// human-readable identifier of the form peer-<worker>-<seq>-<fd>.
func newPeer(conn *net.UnixConn, fd int, workerID, seq int) *Peer {
	return &Peer{
		conn:  conn,
		fd:    fd,
		name:  fmt.Sprintf("peer-%d-%d-%d", workerID, seq, fd),
		state: StateNew,
	}
}

// Name is the peer's stable human-readable identifier.
func (p *Peer) Name() string { return p.name }

// FD is the peer's stream descriptor, used to deregister/close the
// connection. The multiplexer cookie carries the peer's live-table slot,
// not this descriptor.
func (p *Peer) FD() int { return p.fd }

// State returns the peer's current position in the state machine.
func (p *Peer) State() State { return p.state }

// SetState transitions the peer. Only NEW -> PAIR_REQUESTED -> terminal is
// a legal sequence; callers enforce that, this is a plain setter.
func (p *Peer) SetState(s State) { p.state = s }

// Mode is the peer's declared role; only meaningful once PAIR_REQUESTED.
func (p *Peer) Mode() protocol.Mode { return p.mode }

// Key is the peer's declared rendezvous key.
func (p *Peer) Key() []byte { return p.key }

// setGetPair records a validated GET_PAIR request against the peer and
// transitions it to PAIR_REQUESTED.
func (p *Peer) setGetPair(req protocol.GetPairRequest) {
	p.mode = req.Mode
	p.key = append([]byte(nil), req.Key[:req.KeyLen]...)
	p.gotKey = true
	p.state = StatePairRequested
}

// requestedPairBefore reports whether this peer has already consumed its
// one GET_PAIR; a second request on the same connection is a protocol
// error (invariant 3 of the rendezvous table).
func (p *Peer) requestedPairBefore() bool { return p.gotKey }

// close releases the peer's connection. Safe to call multiple times.
func (p *Peer) close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// complementary reports whether modes a and b are a valid rendezvous pair:
// both NONE, or one CLIENT and the other SERVER.
func complementary(a, b protocol.Mode) bool {
	if a == protocol.ModeNone || b == protocol.ModeNone {
		return a == b
	}
	return a != b
}

// matches reports whether p and other are eligible to be paired: both
// PAIR_REQUESTED, equal keys, and complementary modes.
func (p *Peer) matches(other *Peer) bool {
	if p.state != StatePairRequested || other.state != StatePairRequested {
		return false
	}
	if !complementary(p.mode, other.mode) {
		return false
	}
	return string(p.key) == string(other.key)
}
