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
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/igsilya/one-socket/internal/protocol"
)

// DefaultMaxClients is the default cap on simultaneously live peers.
const DefaultMaxClients = 1000

// DefaultShutdownGrace bounds how long a draining worker keeps serving
// already-waiting peers before force-disconnecting everyone.
const DefaultShutdownGrace = 2 * time.Second

// Config is the immutable record handed off to a worker at Launch. Per the
// concurrency model, this crosses from the supervisor to the worker
// goroutine exactly once, copied by value into the worker that the
// goroutine's closure captures; after that the worker owns it exclusively.
type Config struct {
	// SocketPath is the filesystem path of the listening Unix socket.
	SocketPath string
	// WorkerID identifies this worker in logs and peer names.
	WorkerID int
	// MaxClients bounds simultaneously live peers. Zero means
	// DefaultMaxClients.
	MaxClients int
	// ShutdownGrace bounds the drain period on a shutdown request. Zero
	// means DefaultShutdownGrace.
	ShutdownGrace time.Duration
	// Logger receives structured diagnostics. Nil means logrus.StandardLogger().
	Logger *logrus.Logger
}

func (c *Config) maxClients() int {
	if c.MaxClients > 0 {
		return c.MaxClients
	}
	return DefaultMaxClients
}

func (c *Config) shutdownGrace() time.Duration {
	if c.ShutdownGrace > 0 {
		return c.ShutdownGrace
	}
	return DefaultShutdownGrace
}

func (c *Config) logger() *logrus.Entry {
	l := c.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("worker", c.WorkerID)
}

const controlShutdown = 'S'

// Handle is the supervisor-side handle to a running worker, returned by
// Launch. It plays the role of worker_thread_start/worker_thread_join in
// the original C implementation, translated to a goroutine.
type Handle struct {
	controlW *os.File
	done     chan struct{}
	err      error
}

// Shutdown requests a graceful drain: the worker stops accepting new
// peers, keeps serving already-PAIR_REQUESTED peers for its configured
// grace period, then disconnects everyone and returns.
func (h *Handle) Shutdown() error {
	_, err := h.controlW.Write([]byte{controlShutdown})
	return err
}

// Join blocks until the worker goroutine has returned, either from a clean
// Shutdown or a process-fatal condition, and returns its error.
func (h *Handle) Join() error {
	<-h.done
	return h.err
}

// Launch starts a worker goroutine bound to cfg.SocketPath and returns a
// Handle for shutdown/join. This is the launch primitive of §5: the config
// record is handed off once, then owned exclusively by the worker.
func Launch(cfg Config) (*Handle, error) {
	controlR, controlW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("broker: failed to create control pipe: %w", err)
	}

	h := &Handle{controlW: controlW, done: make(chan struct{})}
	w := &worker{
		cfg:      cfg,
		log:      cfg.logger(),
		controlR: controlR,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.WorkerID))),
	}

	go func() {
		defer close(h.done)
		h.err = w.run()
	}()

	return h, nil
}

// worker owns everything touched by the single-threaded event loop: the
// listening socket, the poller, the live peer set, and the rendezvous
// table. None of it is safe for concurrent access; it is only ever
// touched from the run() goroutine.
type worker struct {
	cfg Config
	log *logrus.Entry

	controlR *os.File
	listener *net.UnixListener
	listenFD int
	poll     *poller

	table *table
	live  map[uint32]*Peer
	seq   uint32

	draining   bool
	drainUntil time.Time

	rng *rand.Rand

	// tickHook and onRestart are test-only synchronization seams, both
	// nil in production. tickHook, if set, runs at the end of every tick
	// from the worker's own goroutine, so it may safely inspect fields
	// such as live without racing the goroutine that owns them.
	// onRestart, if set, runs whenever run's outer loop restarts a session.
	tickHook  func()
	onRestart func()
}

// run is the outer restart loop: it (re)binds the listener, drives ticks
// until a loop-fatal condition or a shutdown completes, and restarts from
// scratch on the former (§4.7). It returns only on clean shutdown or a
// process-fatal error.
func (w *worker) run() error {
	for {
		restart, err := w.runSession()
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		loopRestarts.WithLabelValues(w.workerLabel()).Inc()
		w.log.Warn("restarting worker loop")
		if w.onRestart != nil {
			w.onRestart()
		}
	}
}

func (w *worker) workerLabel() string {
	return fmt.Sprintf("%d", w.cfg.WorkerID)
}

// runSession binds a fresh listener and poller and drives ticks until
// either a loop-fatal error requests a restart (returns true, nil), a
// drain completes (returns false, nil), or a process-fatal condition
// occurs (returns false, non-nil error, which the caller must propagate
// to abort the process).
func (w *worker) runSession() (restart bool, err error) {
	listener, err := bindListener(w.cfg.SocketPath)
	if err != nil {
		return false, fmt.Errorf("broker: failed to bind listener: %w", err)
	}
	w.listener = listener
	defer func() {
		if w.listener != nil {
			w.listener.Close()
		}
	}()

	w.listenFD, err = rawFD(listener)
	if err != nil {
		return false, fmt.Errorf("broker: failed to extract listener fd: %w", err)
	}

	p, err := newPoller()
	if err != nil {
		return false, err
	}
	w.poll = p
	defer p.close()

	controlFD, err := rawFD(w.controlR)
	if err != nil {
		return false, fmt.Errorf("broker: failed to extract control fd: %w", err)
	}
	if err := w.poll.add(controlFD, cookie{kind: cookieControl}); err != nil {
		return false, err
	}
	if err := w.poll.add(w.listenFD, cookie{kind: cookieListen}); err != nil {
		return false, err
	}

	w.table = newTable()
	w.live = make(map[uint32]*Peer)
	w.draining = false

	w.log.WithField("path", w.cfg.SocketPath).Info("serving")

	for {
		tickRestart, done, err := w.tick()
		if w.tickHook != nil {
			w.tickHook()
		}
		if err != nil {
			w.disconnectAll("session ending")
			return false, err
		}
		if tickRestart {
			w.disconnectAll("loop restart")
			return true, nil
		}
		if done {
			w.disconnectAll("shutdown")
			return false, nil
		}
	}
}

// tick runs one wakeup, dispatch, and end-of-tick sweep. restart indicates
// a loop-fatal condition; done indicates a completed graceful shutdown;
// err indicates a process-fatal condition the caller must abort on.
func (w *worker) tick() (restart, done bool, err error) {
	maxEvents := w.cfg.maxClients() + 2

	events, waitErr := w.poll.wait(maxEvents)
	if waitErr != nil {
		w.log.WithError(waitErr).Error("polling failed, restarting")
		return true, false, nil
	}

	pressure := false

	for _, ev := range events {
		switch ev.cookie.kind {
		case cookieControl:
			if ev.err {
				return false, false, errors.New("broker: control pipe failed")
			}
			if w.handleControlEvent() {
				w.beginDraining()
			}

		case cookieListen:
			if ev.err {
				w.log.Error("listening socket failed, restarting")
				return true, false, nil
			}
			if w.draining {
				continue
			}
			accepted, emfile := w.acceptOne()
			if emfile {
				pressure = true
			}
			_ = accepted

		case cookiePeer:
			peer, ok := w.live[uint32(ev.cookie.index)]
			if !ok {
				continue
			}
			if ev.err {
				w.log.WithField("peer", peer.Name()).Warn("connection broken")
				peer.SetState(StateDead)
				continue
			}
			w.handlePeerReadable(peer)
		}
	}

	if delErr := w.sweep(pressure); delErr != nil {
		w.log.WithError(delErr).Error("deregistration failed, restarting")
		return true, false, nil
	}

	if w.draining && len(w.live) == 0 {
		return false, true, nil
	}
	if w.draining && time.Now().After(w.drainUntil) {
		w.evictAllForShutdown()
		if delErr := w.sweep(false); delErr != nil {
			return true, false, nil
		}
		return false, true, nil
	}

	return false, false, nil
}

// handleControlEvent drains the control pipe and reports whether a
// shutdown request was among the bytes read. Any other byte is reserved
// for future control messages and is silently acknowledged, per §4.6.
func (w *worker) handleControlEvent() (shutdown bool) {
	buf := make([]byte, 64)
	n, err := w.controlR.Read(buf)
	if err != nil {
		return false
	}
	for _, b := range buf[:n] {
		if b == controlShutdown {
			shutdown = true
		}
	}
	return shutdown
}

func (w *worker) beginDraining() {
	if w.draining {
		return
	}
	w.draining = true
	w.drainUntil = time.Now().Add(w.cfg.shutdownGrace())
	if err := w.poll.del(w.listenFD); err != nil {
		w.log.WithError(err).Warn("failed to deregister listener during drain")
	}
	w.log.Info("draining: no longer accepting new peers")
}

func (w *worker) evictAllForShutdown() {
	for _, peer := range w.live {
		peer.SetState(StateVictim)
	}
}

// acceptOne accepts exactly one pending connection, per §4.6. emfile
// reports descriptor exhaustion (EMFILE/ENFILE), which sets the
// admission-pressure flag for this tick rather than being treated as an
// error.
func (w *worker) acceptOne() (accepted bool, emfile bool) {
	connFD, _, err := unix.Accept4(w.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EMFILE || err == unix.ENFILE {
			return false, true
		}
		w.log.WithError(err).Warn("accept failed")
		return false, false
	}

	f := os.NewFile(uintptr(connFD), "peer")
	genericConn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		w.log.WithError(err).Warn("failed to wrap accepted connection")
		return false, false
	}
	conn := genericConn.(*net.UnixConn)

	fd, err := rawFD(conn)
	if err != nil {
		conn.Close()
		w.log.WithError(err).Warn("failed to extract accepted connection fd")
		return false, false
	}

	w.seq++
	peer := newPeer(conn, fd, w.cfg.WorkerID, int(w.seq))

	slot := w.seq
	if err := w.poll.add(fd, cookie{kind: cookiePeer, index: int(slot)}); err != nil {
		w.log.WithError(err).Warn("failed to register accepted connection")
		peer.close()
		return false, false
	}

	w.live[slot] = peer
	peersAccepted.WithLabelValues(w.workerLabel()).Inc()
	peersLive.WithLabelValues(w.workerLabel()).Set(float64(len(w.live)))
	w.log.WithField("peer", peer.Name()).Info("accepted")
	return true, false
}

// handlePeerReadable reads and processes exactly one frame from peer, per
// §4.6: validate against the allow-list {GET_PAIR}, then dispatch to the
// matching/pairing logic. Any descriptors received alongside the request
// (never expected for GET_PAIR) are closed unconditionally.
func (w *worker) handlePeerReadable(peer *Peer) {
	frame, fds, err := protocol.Decode(peer.conn)
	closeAll(fds)

	if err != nil {
		w.log.WithField("peer", peer.Name()).WithError(err).Warn("read failed")
		peer.SetState(StateDead)
		return
	}
	if frame == nil {
		// Clean end-of-stream: peer hung up.
		peer.SetState(StateDead)
		return
	}

	if verr := protocol.Validate(frame, len(fds), []protocol.Request{protocol.RequestGetPair}); verr != nil {
		w.log.WithField("peer", peer.Name()).WithError(verr).Warn("protocol error")
		peer.SetState(StateDead)
		return
	}

	if peer.requestedPairBefore() {
		w.log.WithField("peer", peer.Name()).Warn("unexpected second GET_PAIR")
		peer.SetState(StateDead)
		return
	}

	w.handleGetPair(peer, frame.GetPair())
}

// handleGetPair implements §4.3/§4.4: look up a match before inserting
// peer, so it can never match itself; on a match, fulfill the pair; on no
// match, the peer joins the waiting table.
func (w *worker) handleGetPair(peer *Peer, req protocol.GetPairRequest) {
	candidate := &Peer{mode: req.Mode, key: req.Key[:req.KeyLen], state: StatePairRequested}
	match := w.table.lookup(candidate)

	peer.setGetPair(req)
	w.log.WithField("peer", peer.Name()).WithField("mode", peer.Mode()).Info("key received")

	if match == nil {
		w.table.insert(peer)
		return
	}

	w.table.remove(match)
	w.fulfillPair(match, peer)
}

// fulfillPair implements §4.4 exactly: allocate a connected endpoint pair,
// deliver one end to each peer, and resolve both peers' states according
// to which sends succeeded.
func (w *worker) fulfillPair(a, b *Peer) {
	w.log.WithField("a", a.Name()).WithField("b", b.Name()).Info("pairing")

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		w.log.WithError(err).Warn("socketpair allocation failed")
		a.SetState(StateDead)
		b.SetState(StateDead)
		return
	}
	e0, e1 := fds[0], fds[1]
	defer unix.Close(e0)
	defer unix.Close(e1)

	msg := protocol.NewSetPair()

	if err := protocol.Encode(a.conn, msg, []int{e0}); err != nil {
		w.log.WithField("peer", a.Name()).WithError(err).Warn("failed to deliver pair")
		a.SetState(StateDead)
		return
	}

	if err := protocol.Encode(b.conn, msg, []int{e1}); err != nil {
		w.log.WithField("peer", b.Name()).WithError(err).Warn("failed to deliver pair")
		a.SetState(StateDead)
		b.SetState(StateDead)
		return
	}

	a.SetState(StateComplete)
	b.SetState(StateComplete)
	pairsCompleted.WithLabelValues(w.workerLabel()).Inc()
}

// sweep runs the end-of-tick admission-pressure eviction and cleanup of
// §4.6. A non-nil return means deregistration failed: loop-fatal per §4.7.
func (w *worker) sweep(pressure bool) error {
	n := len(w.live)
	if (pressure || n >= w.cfg.maxClients()-2) && n > 0 {
		victimSlot := w.randomLiveSlot()
		if peer, ok := w.live[victimSlot]; ok {
			w.log.WithField("peer", peer.Name()).Warn("evicting under admission pressure")
			peer.SetState(StateVictim)
			peersEvicted.WithLabelValues(w.workerLabel()).Inc()
		}
	}

	for slot, peer := range w.live {
		if !peer.State().Terminal() {
			continue
		}
		w.log.WithField("peer", peer.Name()).WithField("reason", peer.State()).Info("disconnecting")
		w.table.remove(peer)
		if err := w.poll.del(peer.FD()); err != nil {
			return err
		}
		peer.close()
		delete(w.live, slot)
	}

	peersLive.WithLabelValues(w.workerLabel()).Set(float64(len(w.live)))
	return nil
}

func (w *worker) randomLiveSlot() uint32 {
	i := w.rng.Intn(len(w.live))
	for slot := range w.live {
		if i == 0 {
			return slot
		}
		i--
	}
	panic("unreachable: live set changed under us")
}

// disconnectAll is used when a session ends, whether by restart or
// shutdown: every remaining peer is deregistered and closed, and the
// rendezvous table is abandoned with it.
func (w *worker) disconnectAll(reason string) {
	for slot, peer := range w.live {
		w.log.WithField("peer", peer.Name()).WithField("reason", reason).Info("disconnecting")
		w.poll.del(peer.FD())
		peer.close()
		delete(w.live, slot)
	}
	peersLive.WithLabelValues(w.workerLabel()).Set(0)
}
