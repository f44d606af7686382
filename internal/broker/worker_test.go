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
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/igsilya/one-socket/internal/protocol"
	"github.com/igsilya/one-socket/pkg/client"
)

func startWorker(t *testing.T) (sockPath string, h *Handle) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "one.socket")

	h, err := Launch(Config{SocketPath: sockPath, WorkerID: 1})
	assertNil(t, err)
	t.Cleanup(func() {
		h.Shutdown()
		h.Join()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Dial(sockPath); err == nil {
			return sockPath, h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never started listening")
	return "", nil
}

type rendezvousResult struct {
	conn net.Conn
	err  error
}

func TestDirectionalRendezvous(t *testing.T) {
	sockPath, _ := startWorker(t)

	serverCh := make(chan rendezvousResult, 1)
	clientCh := make(chan rendezvousResult, 1)

	go func() {
		c, err := client.Server(sockPath, "svc")
		serverCh <- rendezvousResult{c, err}
	}()
	go func() {
		c, err := client.Client(sockPath, "svc")
		clientCh <- rendezvousResult{c, err}
	}()

	sr := waitResult(t, serverCh)
	cr := waitResult(t, clientCh)
	assertNil(t, sr.err)
	assertNil(t, cr.err)
	defer sr.conn.Close()
	defer cr.conn.Close()

	assertBidirectional(t, sr.conn, cr.conn)
}

func TestSymmetricRendezvous(t *testing.T) {
	sockPath, _ := startWorker(t)

	ch1 := make(chan rendezvousResult, 1)
	ch2 := make(chan rendezvousResult, 1)

	go func() {
		c, err := client.Pair(sockPath, "sym")
		ch1 <- rendezvousResult{c, err}
	}()
	go func() {
		c, err := client.Pair(sockPath, "sym")
		ch2 <- rendezvousResult{c, err}
	}()

	r1 := waitResult(t, ch1)
	r2 := waitResult(t, ch2)
	assertNil(t, r1.err)
	assertNil(t, r2.err)
	defer r1.conn.Close()
	defer r2.conn.Close()

	assertBidirectional(t, r1.conn, r2.conn)
}

func TestSameRoleDoesNotMatch(t *testing.T) {
	sockPath, _ := startWorker(t)

	conn, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn.Close()

	assertNil(t, client.SendGetPair(conn, protocol.ModeClient, "dup"))

	conn2, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn2.Close()
	assertNil(t, client.SendGetPair(conn2, protocol.ModeClient, "dup"))

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = protocol.Decode(conn)
	if err == nil {
		t.Fatal("two CLIENT-mode requests for the same key must not be paired")
	}
}

func TestProtocolErrorDisconnects(t *testing.T) {
	sockPath, _ := startWorker(t)

	conn, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn.Close()

	bad := &protocol.Frame{Request: protocol.RequestGetPair, Flags: 0xf0}
	assertNil(t, protocol.Encode(conn, bad, nil))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected the broker to hang up after a protocol error, got n=%d err=%v", n, err)
	}
}

func TestSecondGetPairOnSameConnectionDisconnects(t *testing.T) {
	sockPath, _ := startWorker(t)

	conn, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn.Close()

	assertNil(t, client.SendGetPair(conn, protocol.ModeNone, "once"))
	assertNil(t, client.SendGetPair(conn, protocol.ModeNone, "once"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected the broker to hang up after a second GET_PAIR, got n=%d err=%v", n, err)
	}
}

func TestShutdownDrainsAndExits(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "one.socket")
	h, err := Launch(Config{SocketPath: sockPath, WorkerID: 2, ShutdownGrace: 50 * time.Millisecond})
	assertNil(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Dial(sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assertNil(t, h.Shutdown())

	done := make(chan error, 1)
	go func() { done <- h.Join() }()

	select {
	case err := <-done:
		assertNil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after shutdown")
	}
}

func waitResult(t *testing.T, ch chan rendezvousResult) rendezvousResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rendezvous result")
		panic("unreachable")
	}
}

func assertBidirectional(t *testing.T, a, b net.Conn) {
	t.Helper()
	msg := []byte("ping")
	if _, err := a.Write(msg); err != nil {
		t.Fatalf("write on paired connection failed: %v", err)
	}
	buf := make([]byte, len(msg))
	b.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("read on paired connection failed: %v", err)
	}
	assertEqual(t, string(buf), string(msg))
}

// TestAdmissionPressureEvictsExactlyOnePeer exercises property 8: once live
// peers reach MaxClients-2, the end-of-tick sweep evicts exactly one of
// them, leaving the rest to keep waiting.
func TestAdmissionPressureEvictsExactlyOnePeer(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "one.socket")
	h, err := Launch(Config{SocketPath: sockPath, WorkerID: 3, MaxClients: 4})
	assertNil(t, err)
	t.Cleanup(func() {
		h.Shutdown()
		h.Join()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if probe, err := client.Dial(sockPath); err == nil {
			// Hang up the probe so it is not counted as a live peer.
			probe.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Two peers requesting the same role for different keys never match,
	// so they stay PAIR_REQUESTED. With MaxClients=4, reaching two live
	// peers (MaxClients-2) trips admission pressure.
	conn1, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn1.Close()
	assertNil(t, client.SendGetPair(conn1, protocol.ModeClient, "pressure-1"))

	conn2, err := client.Dial(sockPath)
	assertNil(t, err)
	defer conn2.Close()
	assertNil(t, client.SendGetPair(conn2, protocol.ModeClient, "pressure-2"))

	conn1.SetReadDeadline(time.Now().Add(time.Second))
	conn2.SetReadDeadline(time.Now().Add(time.Second))

	buf := make([]byte, 1)
	n1, err1 := conn1.Read(buf)
	n2, err2 := conn2.Read(buf)

	evicted1 := n1 == 0 && err1 == io.EOF
	evicted2 := n2 == 0 && err2 == io.EOF

	if evicted1 == evicted2 {
		t.Fatalf("expected exactly one peer evicted under admission pressure, got evicted1=%v evicted2=%v (err1=%v err2=%v)",
			evicted1, evicted2, err1, err2)
	}
}

func testWorker(cfg Config) (*worker, *os.File) {
	controlR, controlW, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	w := &worker{
		cfg:      cfg,
		log:      cfg.logger(),
		controlR: controlR,
		rng:      rand.New(rand.NewSource(1)),
	}
	return w, controlW
}

// socketpairConn returns one real, connected *net.UnixConn standing in for
// an accepted peer connection, plus the raw fd of its remote end (which the
// caller is responsible for closing).
func socketpairConn(t *testing.T) (*net.UnixConn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assertNil(t, err)

	f := os.NewFile(uintptr(fds[0]), "peer")
	generic, err := net.FileConn(f)
	f.Close()
	assertNil(t, err)

	return generic.(*net.UnixConn), fds[1]
}

// TestSweepReturnsErrorOnDeregistrationFailure exercises the low-level
// mechanism behind property 9 (restart soundness): sweep's epoll_ctl(DEL)
// on a descriptor that has already been closed behind the poller's back
// must surface as an error, which is what tells the worker loop to
// restart rather than silently losing track of the multiplexer's state.
func TestSweepReturnsErrorOnDeregistrationFailure(t *testing.T) {
	p, err := newPoller()
	assertNil(t, err)
	defer p.close()

	cfg := Config{WorkerID: 9}
	w := &worker{
		cfg:   cfg,
		log:   cfg.logger(),
		poll:  p,
		table: newTable(),
		live:  make(map[uint32]*Peer),
		rng:   rand.New(rand.NewSource(1)),
	}

	conn, remoteFD := socketpairConn(t)
	defer conn.Close()
	defer unix.Close(remoteFD)

	fd, err := rawFD(conn)
	assertNil(t, err)

	peer := newPeer(conn, fd, 9, 1)
	peer.SetState(StateDead)
	w.live[1] = peer

	// Close the descriptor out from under the poller: epoll_ctl(DEL) on
	// it must now fail with EBADF instead of quietly succeeding.
	unix.Close(fd)

	if err := w.sweep(false); err == nil {
		t.Fatal("expected sweep to report a deregistration failure for a closed descriptor")
	}
}

// TestTickRestartsWhenSweepFails exercises tick's end-of-tick handling of
// that same failure: it must report restart=true rather than swallowing
// the error or treating it as a clean shutdown.
func TestTickRestartsWhenSweepFails(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "one.socket")
	listener, err := bindListener(sockPath)
	assertNil(t, err)
	defer listener.Close()
	listenFD, err := rawFD(listener)
	assertNil(t, err)

	p, err := newPoller()
	assertNil(t, err)
	defer p.close()

	controlR, controlW, err := os.Pipe()
	assertNil(t, err)
	defer controlR.Close()
	defer controlW.Close()
	controlFD, err := rawFD(controlR)
	assertNil(t, err)
	assertNil(t, p.add(controlFD, cookie{kind: cookieControl}))
	assertNil(t, p.add(listenFD, cookie{kind: cookieListen}))

	cfg := Config{WorkerID: 9, MaxClients: DefaultMaxClients}
	w := &worker{
		cfg:      cfg,
		log:      cfg.logger(),
		listener: listener,
		listenFD: listenFD,
		controlR: controlR,
		poll:     p,
		table:    newTable(),
		live:     make(map[uint32]*Peer),
		rng:      rand.New(rand.NewSource(1)),
	}

	conn, remoteFD := socketpairConn(t)
	defer conn.Close()
	defer unix.Close(remoteFD)
	fd, err := rawFD(conn)
	assertNil(t, err)
	peer := newPeer(conn, fd, 9, 1)
	peer.SetState(StateDead)
	w.live[1] = peer
	unix.Close(fd)

	// Wake the poller with an innocuous control-pipe byte so tick
	// proceeds past poll.wait into the end-of-tick sweep.
	_, err = controlW.Write([]byte{0})
	assertNil(t, err)

	restart, done, err := w.tick()
	assertNil(t, err)
	assertTrue(t, restart, "tick must signal a restart when the sweep fails to deregister a peer")
	assertTrue(t, !done, "a restart is not a clean shutdown")
}

// TestWorkerRestartsAndContinuesServing exercises property 9 end to end:
// after a loop-fatal sweep failure forces a restart, the worker rebinds at
// the same path and goes on to complete a fresh rendezvous.
func TestWorkerRestartsAndContinuesServing(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "one.socket")
	w, controlW := testWorker(Config{WorkerID: 7, SocketPath: sockPath})
	defer controlW.Close()

	fdCh := make(chan int, 1)
	restarted := make(chan struct{})
	armed := false

	w.tickHook = func() {
		if armed {
			return
		}
		for _, p := range w.live {
			if p.State() == StatePairRequested {
				armed = true
				p.SetState(StateDead)
				fdCh <- p.FD()
				return
			}
		}
	}
	w.onRestart = func() {
		select {
		case <-restarted:
		default:
			close(restarted)
		}
	}

	done := make(chan error, 1)
	go func() { done <- w.run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Dial(sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, err := client.Dial(sockPath)
	assertNil(t, err)
	assertNil(t, client.SendGetPair(conn, protocol.ModeNone, "pre-restart"))

	select {
	case fd := <-fdCh:
		// The hook has marked the waiting peer DEAD; close its
		// descriptor out from under the poller so the next end-of-tick
		// sweep's deregistration fails, forcing a loop-fatal restart.
		// Closing it alone wouldn't wake a blocked epoll_wait, so nudge
		// the control pipe too.
		unix.Close(fd)
		conn.Close()
		if _, err := controlW.Write([]byte{0}); err != nil {
			t.Fatalf("failed to nudge control pipe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never accepted the probe connection")
	}

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never restarted after the forced sweep failure")
	}

	// The restarted session must still be serving at the same path.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Dial(sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	serverCh := make(chan rendezvousResult, 1)
	clientCh := make(chan rendezvousResult, 1)
	go func() {
		c, err := client.Server(sockPath, "post-restart")
		serverCh <- rendezvousResult{c, err}
	}()
	go func() {
		c, err := client.Client(sockPath, "post-restart")
		clientCh <- rendezvousResult{c, err}
	}()

	sr := waitResult(t, serverCh)
	cr := waitResult(t, clientCh)
	assertNil(t, sr.err)
	assertNil(t, cr.err)
	defer sr.conn.Close()
	defer cr.conn.Close()
	assertBidirectional(t, sr.conn, cr.conn)

	assertNil(t, sendControlShutdown(controlW))
	select {
	case err := <-done:
		assertNil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after shutdown following a restart")
	}
}

func sendControlShutdown(controlW *os.File) error {
	_, err := controlW.Write([]byte{controlShutdown})
	return err
}
