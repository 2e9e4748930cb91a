// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	fd int
	mu sync.Mutex
	n  int
}

func newPlatform() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{fd: fd}, nil
}

func toEpollEvents(m Mask) uint32 {
	var ev uint32
	if m&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(handle)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, handle, &ev); err != nil {
		return err
	}
	p.n++
	return nil
}

func (p *epollPoller) Modify(handle int, mask Mask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(handle)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, handle, &ev)
}

func (p *epollPoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, handle, nil)
	if err == nil {
		p.n--
	}
	return err
}

func (p *epollPoller) Poll(timeoutMs int) ([]Event, error) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.fd, events, timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		var m Mask
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			m |= Readable
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			m |= Writable
		}
		out = append(out, Event{Handle: int(events[i].Fd), Events: m})
	}
	return out, nil
}

func (p *epollPoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
