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

//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable, level-triggered fallback used on
// platforms without a kernel event queue binding in x/sys/unix (spec
// §4.1: "level-triggered poll elsewhere").
type pollPoller struct {
	mu    sync.Mutex
	masks map[int]Mask
}

func newPlatform() (Poller, error) {
	return &pollPoller{masks: make(map[int]Mask)}, nil
}

func (p *pollPoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masks[handle] = mask
	return nil
}

func (p *pollPoller) Modify(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masks[handle] = mask
	return nil
}

func (p *pollPoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.masks, handle)
	return nil
}

func toPollEvents(m Mask) int16 {
	var ev int16
	if m&Readable != 0 {
		ev |= unix.POLLIN
	}
	if m&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *pollPoller) Poll(timeoutMs int) ([]Event, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.masks))
	handles := make([]int, 0, len(p.masks))
	for h, m := range p.masks {
		fds = append(fds, unix.PollFd{Fd: int32(h), Events: toPollEvents(m)})
		handles = append(handles, h)
	}
	p.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, n)
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		var m Mask
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			m |= Readable
		}
		if fd.Revents&unix.POLLOUT != 0 {
			m |= Writable
		}
		out = append(out, Event{Handle: handles[i], Events: m})
	}
	return out, nil
}

func (p *pollPoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.masks)
}

func (p *pollPoller) Close() error {
	return nil
}
