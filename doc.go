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

// Package legion is a single-threaded Unix process supervisor. It
// launches, monitors, and restarts a declared set of long-running tasks
// according to a live configuration, reacting to child exits, file
// changes (config, roles, executables, and script module dependencies),
// and operator requests over a local HTTP control plane.
//
// Unlike a goroutine-per-task design, all scheduling decisions are made
// on one logical execution context: an event loop built around a single
// Poller that multiplexes child-exit notifications, filesystem change
// events, HTTP connections and timers. See Legion for the orchestrator
// and TaskRuntime for the per-task state machine.
package legion

// Version is the supervisor's release identifier, reported by
// "legiond --version" and GET /status/version (§6).
const Version = "1.0.0"
