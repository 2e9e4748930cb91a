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

// Package poller implements the Poller component (spec §4.1): a
// uniform multiplexer over readable/writable descriptors with a
// millisecond timeout, abstracting the platform primitive -- epoll on
// Linux, kqueue on the BSD family and macOS, and a portable unix.Poll
// loop elsewhere.
package poller

// Mask selects the readiness conditions of interest for a handle. The
// supervisor only ever registers Readable, but Writable is part of the
// public contract (spec §4.1).
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
)

// Event reports the readiness mask observed for one registered handle.
type Event struct {
	Handle int
	Events Mask
}

// Poller is the uniform multiplexer contract. It is owned by the single
// event-loop goroutine; concurrent calls are not required to be safe.
type Poller interface {
	Register(handle int, mask Mask) error
	Modify(handle int, mask Mask) error
	Unregister(handle int) error

	// Poll waits up to timeoutMs milliseconds for readiness on any
	// registered handle. timeoutMs < 0 waits forever; 0 is
	// non-blocking. A wait interrupted by a signal returns an empty
	// slice and a nil error.
	Poll(timeoutMs int) ([]Event, error)

	Len() int
	Close() error
}

// New selects the best available platform primitive.
func New() (Poller, error) {
	return newPlatform()
}
