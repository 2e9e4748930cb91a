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

import (
	"errors"
	"fmt"
)

// Sentinel errors, in the style of govisor's errors.go.
var (
	ErrNoSuchTask    = errors.New("no such task")
	ErrCycle         = errors.New("requires cycle")
	ErrBadControl    = errors.New("unknown control mode")
	ErrNotAdoptable  = errors.New("task is not adoptable")
	ErrUnresolvedTag = errors.New("unresolved substitution tag")
)

// ConfigError wraps a structural or semantic defect found while loading
// the configuration document or roles file (§7). The previous TaskSpec
// table is retained by the caller; this only carries the diagnostic.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SpawnError wraps a fork/exec failure (§7). It is treated as an
// immediate terminated transition with backoff, not a fatal condition.
type SpawnError struct {
	Task string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn error for task %s: %v", e.Task, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WatchError wraps a failure to establish or maintain a filesystem watch
// (§7). The affected path degrades to polling; this is logged, not fatal.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch error on %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }

// FatalError denotes a condition from which the supervisor cannot
// continue: pidfile claim failure at startup, or a legion-start
// exception repeating within the start-limit window (§7).
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
