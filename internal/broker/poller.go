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

	"golang.org/x/sys/unix"
)

// cookieKind tags an epoll registration so the worker loop can tell apart
// the control pipe, the listening socket, and a peer connection without
// relying on sentinel small-integer pointers (see design note in
// original_source: "opaque cookies in the multiplexer").
type cookieKind uint8

const (
	cookieControl cookieKind = iota
	cookieListen
	cookiePeer
)

// cookie is the tagged variant carried as epoll user data: for a peer
// event, index names a slot in the worker's live peer table.
type cookie struct {
	kind  cookieKind
	index int
}

func encodeCookie(c cookie) uint64 {
	return uint64(c.kind)<<32 | uint64(uint32(c.index))
}

func decodeCookie(v uint64) cookie {
	return cookie{kind: cookieKind(v >> 32), index: int(uint32(v))}
}

// setEpollData/epollData pack and unpack a 64-bit word into the Fd/Pad
// halves of a unix.EpollEvent, which together represent the C union
// epoll_data_t's 8 bytes. This is the standard workaround for Go not
// having a union type for that field.
func setEpollData(ev *unix.EpollEvent, data uint64) {
	ev.Fd = int32(uint32(data))
	ev.Pad = int32(uint32(data >> 32))
}

func epollData(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// event is one readiness notification: which descriptor (by cookie) and
// whether it carries an error/hangup condition, delivered as a flag on the
// event rather than a separate notification, per the multiplexer contract.
type event struct {
	cookie cookie
	err    bool
}

// poller is a thin wrapper around a Linux epoll instance. It is used by
// exactly one worker goroutine and has no internal locking.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("broker: epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// add registers fd for read readiness under cookie c. The cookie, not the
// raw fd, is stored as the epoll user-data word (split across the event's
// Fd/Pad halves), so the dispatch loop never has to treat a bare integer
// as if it were self-describing.
func (p *poller) add(fd int, c cookie) error {
	var ev unix.EpollEvent
	ev.Events = unix.EPOLLIN
	setEpollData(&ev, encodeCookie(c))
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("broker: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// del deregisters fd. A failure here is loop-fatal per the worker's
// restart policy (§4.7): the multiplexer's internal bookkeeping may now be
// inconsistent with reality.
func (p *poller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("broker: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// wait blocks until at least one event is ready, retrying on spurious
// zero-event wakeups and EINTR, and returns the ready set. maxEvents bounds
// how many events a single wakeup can report.
func (p *poller) wait(maxEvents int) ([]event, error) {
	raw := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(p.epfd, raw, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("broker: epoll_wait: %w", err)
		}
		if n == 0 {
			continue
		}
		events := make([]event, 0, n)
		for i := 0; i < n; i++ {
			e := raw[i]
			events = append(events, event{
				cookie: decodeCookie(epollData(&e)),
				err:    e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			})
		}
		return events, nil
	}
}
