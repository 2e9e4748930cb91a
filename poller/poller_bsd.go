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

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	fd int
	mu sync.Mutex
	// masks tracks what each handle is currently registered for, since
	// kqueue uses separate filters for read/write rather than a single
	// combined event like epoll.
	masks map[int]Mask
}

func newPlatform() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{fd: fd, masks: make(map[int]Mask)}, nil
}

func (p *kqueuePoller) changelist(handle int, mask Mask, flag uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if mask&Readable != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(handle), Filter: unix.EVFILT_READ, Flags: flag})
	}
	if mask&Writable != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(handle), Filter: unix.EVFILT_WRITE, Flags: flag})
	}
	return kevs
}

func (p *kqueuePoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kevs := p.changelist(handle, mask, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevs) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.fd, kevs, nil, nil); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *kqueuePoller) Modify(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.masks[handle]
	var kevs []unix.Kevent_t
	kevs = append(kevs, p.changelist(handle, old&^mask, unix.EV_DELETE)...)
	kevs = append(kevs, p.changelist(handle, mask, unix.EV_ADD|unix.EV_ENABLE)...)
	if len(kevs) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.fd, kevs, nil, nil); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *kqueuePoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mask, ok := p.masks[handle]
	if !ok {
		return nil
	}
	kevs := p.changelist(handle, mask, unix.EV_DELETE)
	delete(p.masks, handle)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, kevs, nil, nil)
	return err
}

func (p *kqueuePoller) Poll(timeoutMs int) ([]Event, error) {
	events := make([]unix.Kevent_t, 64)
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, events, ts)
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byHandle := make(map[int]Mask)
	for i := 0; i < n; i++ {
		h := int(events[i].Ident)
		switch events[i].Filter {
		case unix.EVFILT_READ:
			byHandle[h] |= Readable
		case unix.EVFILT_WRITE:
			byHandle[h] |= Writable
		}
	}
	out := make([]Event, 0, len(byHandle))
	for h, m := range byHandle {
		out = append(out, Event{Handle: h, Events: m})
	}
	return out, nil
}

func (p *kqueuePoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.masks)
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
