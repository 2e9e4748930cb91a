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

// Package watch implements the FileWatcher component (spec §4.2): it
// tracks a dynamic set of paths and delivers de-duplicated, optionally
// aggregated change notifications through a single readable handle
// suitable for registration with a Poller.
package watch

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Mode reports which backend a Watcher is currently using.
type Mode int

const (
	ModeNative Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModeNative {
		return "native"
	}
	return "polling"
}

// statKey is the device/inode/mtime/size/mode tuple compared on each
// polling sweep (§4.2 "Polling mode").
type statKey struct {
	dev, ino   uint64
	mtime      int64
	size       int64
	mode       uint32
	exists     bool
}

func statOf(path string) statKey {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return statKey{exists: false}
	}
	return statKey{
		dev:    uint64(st.Dev),
		ino:    uint64(st.Ino),
		mtime:  int64(st.Mtim.Sec)*1e9 + int64(st.Mtim.Nsec),
		size:   st.Size,
		mode:   uint32(st.Mode),
		exists: true,
	}
}

// Watcher is the FileWatcher implementation.
type Watcher struct {
	mu        sync.Mutex
	mode      Mode
	logger    *log.Logger
	tracked   map[string]statKey // path -> last observed stat
	missingOk map[string]bool
	pending   map[string]bool
	pendingAt time.Time

	aggTimeout time.Duration
	aggLimit   int

	disableNative bool
	native        *nativeBackend // nil in polling mode
}

// Option configures aggregation (§4.2 "Aggregation").
type Option func(*Watcher)

// WithAggregation withholds delivery until timeout elapses with no
// further changes, or limit distinct paths have accumulated, whichever
// comes first. A zero timeout and zero limit disables aggregation.
func WithAggregation(timeout time.Duration, limit int) Option {
	return func(w *Watcher) {
		w.aggTimeout = timeout
		w.aggLimit = limit
	}
}

// WithLogger directs diagnostic messages (degraded watches, unreadable
// paths) to logger instead of the standard logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithNativeDisabled forces polling mode, bypassing the OS
// notification facility. Exposed for tests that exercise the polling
// backend deterministically; production callers should let New()
// select the best available backend.
func WithNativeDisabled() Option {
	return func(w *Watcher) { w.disableNative = true }
}

// New constructs a Watcher, preferring the native backend and falling
// back to polling if it cannot be established (§4.2 "Failure modes").
func New(opts ...Option) *Watcher {
	w := &Watcher{
		tracked:   make(map[string]statKey),
		missingOk: make(map[string]bool),
		pending:   make(map[string]bool),
		logger:    log.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.disableNative {
		w.mode = ModePolling
		return w
	}
	if nb, err := newNativeBackend(w); err == nil {
		w.native = nb
		w.mode = ModeNative
	} else {
		w.logf("native file watch unavailable, falling back to polling: %v", err)
		w.mode = ModePolling
	}
	return w
}

func (w *Watcher) logf(format string, v ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, v...)
	}
}

// Mode reports which backend is active.
func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// FD returns the read end of the self-pipe the native backend uses to
// signal readiness to a Poller, or -1 in polling mode (the caller must
// drive Scan() on a timer instead).
func (w *Watcher) FD() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.native != nil {
		return w.native.readFD()
	}
	return -1
}

// Notify must be called once per Poller wakeup on the watcher's FD,
// before Drain, to rearm the self-pipe for the next native event.
func (w *Watcher) Notify() {
	w.mu.Lock()
	nb := w.native
	w.mu.Unlock()
	if nb == nil {
		return
	}
	nb.drainPipe()
	nb.mu.Lock()
	nb.notified = false
	nb.mu.Unlock()
}

// Add begins watching each path. missingOk permits tracking paths that
// do not yet exist; a "created" change is reported on appearance.
func (w *Watcher) Add(paths []string, missingOk bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, p := range paths {
		p = filepath.Clean(p)
		w.missingOk[p] = missingOk
		w.tracked[p] = statOf(p)
		if w.native != nil {
			if err := w.native.watch(p); err != nil {
				w.logf("degrading %s to polling: %v", p, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Remove stops watching each path.
func (w *Watcher) Remove(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		p = filepath.Clean(p)
		delete(w.tracked, p)
		delete(w.missingOk, p)
		delete(w.pending, p)
		if w.native != nil {
			w.native.unwatch(p)
		}
	}
}

// markChanged records path as changed and starts/extends the
// aggregation window. Call with mu held.
func (w *Watcher) markChanged(path string) {
	w.pendingAt = time.Now()
	w.pending[path] = true
}

// Scan performs a polling sweep over every tracked path, comparing the
// device/inode/mtime/size/mode tuple (§4.2 "Polling mode"). It is safe
// to call in any mode -- callers in native mode may use it for
// recovery of degraded paths.
func (w *Watcher) Scan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, last := range w.tracked {
		cur := statOf(p)
		if cur != last {
			w.tracked[p] = cur
			w.markChanged(p)
		}
	}
}

// Ready reports whether the aggregation window has closed and Drain
// would return a non-empty set.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready()
}

func (w *Watcher) ready() bool {
	if len(w.pending) == 0 {
		return false
	}
	if w.aggTimeout == 0 && w.aggLimit == 0 {
		return true
	}
	if w.aggLimit > 0 && len(w.pending) >= w.aggLimit {
		return true
	}
	if w.aggTimeout > 0 && time.Since(w.pendingAt) >= w.aggTimeout {
		return true
	}
	return false
}

// NextDeadline returns the absolute time at which the aggregation
// window for any pending changes will close, or the zero Time if there
// is nothing pending or aggregation is disabled. The Legion main loop
// folds this into its global timer computation (§4.7).
func (w *Watcher) NextDeadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 || w.aggTimeout == 0 {
		return time.Time{}
	}
	return w.pendingAt.Add(w.aggTimeout)
}

// Drain consumes and returns the de-duplicated set of paths with
// changes since the previous call, if the aggregation window has
// closed. If it has not, Drain returns an empty set without clearing
// anything.
func (w *Watcher) Drain() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ready() {
		return map[string]bool{}
	}
	out := w.pending
	w.pending = make(map[string]bool)
	// Re-evaluate existence for paths we track with missingOk, so a
	// reappearing path is re-watched natively rather than left polling.
	for p := range out {
		if w.missingOk[p] && w.native != nil {
			if _, err := os.Stat(p); err == nil {
				_ = w.native.watch(p)
			}
		}
	}
	return out
}
