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

package legion

import "sort"

// WatchSet maps an absolute path to the set of task names subscribed to
// changes on it (§3). Subscribers are held by name, not by a pointer to
// the TaskRuntime, so a task's removal from the config never leaves a
// dangling reference cycle (§9 "Dynamic dispatch" / ownership notes).
type WatchSet struct {
	subscribers map[string]map[string]bool
}

// NewWatchSet returns an empty WatchSet.
func NewWatchSet() *WatchSet {
	return &WatchSet{subscribers: make(map[string]map[string]bool)}
}

// Subscribe records that taskName depends on path, returning true if
// this is the path's first subscriber -- the caller should then call
// watch.Watcher.Add for path.
func (w *WatchSet) Subscribe(path, taskName string) (firstSubscriber bool) {
	names, ok := w.subscribers[path]
	if !ok {
		names = make(map[string]bool)
		w.subscribers[path] = names
		firstSubscriber = true
	}
	names[taskName] = true
	return firstSubscriber
}

// Unsubscribe drops taskName's interest in path, returning true if no
// subscriber remains -- the caller should then call
// watch.Watcher.Remove for path.
func (w *WatchSet) Unsubscribe(path, taskName string) (lastSubscriber bool) {
	names, ok := w.subscribers[path]
	if !ok {
		return false
	}
	delete(names, taskName)
	if len(names) == 0 {
		delete(w.subscribers, path)
		return true
	}
	return false
}

// UnsubscribeAll drops every path subscription held by taskName
// (used when a task is retired or leaves scope),
// returning the paths that lost their last subscriber.
func (w *WatchSet) UnsubscribeAll(taskName string) []string {
	var freed []string
	for path, names := range w.subscribers {
		if !names[taskName] {
			continue
		}
		delete(names, taskName)
		if len(names) == 0 {
			delete(w.subscribers, path)
			freed = append(freed, path)
		}
	}
	sort.Strings(freed)
	return freed
}

// NamesFor returns the subscriber set for path, for dispatching a
// change notification (§4.7 step 3).
func (w *WatchSet) NamesFor(path string) []string {
	names, ok := w.subscribers[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Paths returns every currently-watched path, for the invariant check
// that the WatchSet equals the union of in-scope task paths plus the
// config and roles files (§3 invariant 5, §8 property 2).
func (w *WatchSet) Paths() []string {
	out := make([]string, 0, len(w.subscribers))
	for p := range w.subscribers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
