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

package watch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// nativeBackend bridges fsnotify's channel-based API to a single
// readable fd a Poller can multiplex, using the same self-pipe
// technique the Legion main loop uses for signals (spec §5, §9).
type nativeBackend struct {
	owner *Watcher
	fsw   *fsnotify.Watcher

	pipeR, pipeW *os.File

	mu       sync.Mutex
	notified bool

	// parentDirs maps a watched parent directory to the set of
	// not-yet-existing paths inside it we are waiting to appear.
	parentDirs map[string]map[string]bool
	// pathDir records, for any path currently tracked via its
	// parent directory, which directory that is.
	pathDir map[string]string
}

func newNativeBackend(owner *Watcher) (*nativeBackend, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		fsw.Close()
		return nil, err
	}
	nb := &nativeBackend{
		owner:      owner,
		fsw:        fsw,
		pipeR:      r,
		pipeW:      w,
		parentDirs: make(map[string]map[string]bool),
		pathDir:    make(map[string]string),
	}
	go nb.loop()
	return nb, nil
}

func (nb *nativeBackend) readFD() int {
	return int(nb.pipeR.Fd())
}

// drainPipe is called by the Poller-driven consumer after reading
// readiness from the pipe, to clear any buffered wakeup byte. It reads
// once: signal writes at most one byte until Notify clears notified,
// and a second read on the emptied pipe would block.
func (nb *nativeBackend) drainPipe() {
	buf := make([]byte, 64)
	nb.pipeR.Read(buf)
}

func (nb *nativeBackend) signal() {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.notified {
		return
	}
	nb.notified = true
	nb.pipeW.Write([]byte{0})
}

func (nb *nativeBackend) loop() {
	for {
		select {
		case ev, ok := <-nb.fsw.Events:
			if !ok {
				return
			}
			nb.handle(ev)
		case err, ok := <-nb.fsw.Errors:
			if !ok {
				return
			}
			nb.owner.logf("native watch error: %v", err)
		}
	}
}

func (nb *nativeBackend) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	nb.owner.mu.Lock()
	if waiting, ok := nb.parentDirs[path]; ok {
		// A change inside a directory we're watching on behalf of
		// not-yet-existing paths.
		for target := range waiting {
			if target == path {
				continue
			}
			if _, err := os.Stat(target); err == nil {
				nb.owner.markChanged(target)
				delete(waiting, target)
				delete(nb.pathDir, target)
				nb.fsw.Add(target)
			}
		}
		if len(waiting) == 0 {
			delete(nb.parentDirs, path)
		}
	}
	if _, tracked := nb.owner.tracked[path]; tracked {
		nb.owner.markChanged(path)
		nb.owner.tracked[path] = statOf(path)
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			// Attempt to re-establish the watch on the replacement
			// inode; if it isn't there yet, fall back to watching the
			// parent directory for its reappearance.
			if err := nb.fsw.Add(path); err != nil {
				nb.watchParent(path)
			}
		}
	}
	nb.owner.mu.Unlock()
	nb.signal()
}

// watch establishes a native watch on path. If path does not yet
// exist, the parent directory is watched instead so a Create event can
// be observed (§4.2 "missing_ok").
func (nb *nativeBackend) watch(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nb.watchParent(path)
	}
	delete(nb.pathDir, path)
	return nb.fsw.Add(path)
}

func (nb *nativeBackend) watchParent(path string) error {
	dir := filepath.Dir(path)
	if err := nb.fsw.Add(dir); err != nil {
		return err
	}
	if nb.parentDirs[dir] == nil {
		nb.parentDirs[dir] = make(map[string]bool)
	}
	nb.parentDirs[dir][path] = true
	nb.pathDir[path] = dir
	return nil
}

func (nb *nativeBackend) unwatch(path string) {
	nb.fsw.Remove(path)
	if dir, ok := nb.pathDir[path]; ok {
		delete(nb.parentDirs[dir], path)
		if len(nb.parentDirs[dir]) == 0 {
			delete(nb.parentDirs, dir)
			nb.fsw.Remove(dir)
		}
		delete(nb.pathDir, path)
	}
}

// Close releases the native backend's resources.
func (nb *nativeBackend) Close() error {
	nb.pipeW.Close()
	nb.pipeR.Close()
	return nb.fsw.Close()
}
