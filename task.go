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
	"log"
	"math/rand"
	"path/filepath"
	"time"
)

// SlotState is one ProcessSlot's position in the state machine of §4.6.
// Logically illustrated (not a formal FSM in code, same spirit as the
// teacher's Service diagram):
//
//	blocked -> delayed -> starting -> running -> stopping -> terminated
//	   ^                                 |           |           |
//	   |                                 v           v           v
//	   +----------------------------- cooldown <------+      retired
type SlotState int

const (
	SlotBlocked SlotState = iota
	SlotDelayed
	SlotStarting
	SlotRunning
	SlotStopping
	SlotTerminated
	SlotCooldown
	SlotRetired
)

func (s SlotState) String() string {
	switch s {
	case SlotBlocked:
		return "blocked"
	case SlotDelayed:
		return "delayed"
	case SlotStarting:
		return "starting"
	case SlotRunning:
		return "running"
	case SlotStopping:
		return "stopping"
	case SlotTerminated:
		return "terminated"
	case SlotCooldown:
		return "cooldown"
	case SlotRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// runtimeSlot pairs a ProcessSlot with its current state and timers.
type runtimeSlot struct {
	Slot  ProcessSlot
	State SlotState

	delayUntil time.Time // SlotDelayed: start_delay deadline
	timeLimit  time.Time // SlotRunning: time_limit deadline, zero if none
}

// TaskRuntime is the mutable per-task state that persists across config
// reloads where the task name survives (§3).
type TaskRuntime struct {
	Spec *TaskSpec

	Slots []*runtimeSlot

	// onceSatisfied is set the first time a "once" task exits 0, and
	// cleared by an onexit:start re-arm (§4.6 control modes, §8
	// invariant 4).
	onceSatisfied bool

	// ran marks that a "once" task has at least started, distinguishing
	// "never run" from "ran and is between rearms".
	ran bool

	logger *log.Logger
}

// NewTaskRuntime creates a TaskRuntime with count(t) slots, all blocked.
func NewTaskRuntime(spec *TaskSpec, logger *log.Logger) *TaskRuntime {
	tr := &TaskRuntime{Spec: spec, logger: logger}
	tr.resize()
	return tr
}

func (tr *TaskRuntime) resize() {
	want := tr.Spec.Count
	for len(tr.Slots) < want {
		inst := len(tr.Slots)
		tr.Slots = append(tr.Slots, &runtimeSlot{
			Slot:  ProcessSlot{Instance: inst},
			State: SlotBlocked,
		})
	}
	for len(tr.Slots) > want {
		last := len(tr.Slots) - 1
		tr.Slots[last].State = SlotRetired
		tr.Slots = tr.Slots[:last]
	}
}

// Reconfigure replaces the spec in place, resizing the slot pool to the
// new count and leaving existing slots' live state untouched -- the
// "reconciling differences" referenced at §3.
func (tr *TaskRuntime) Reconfigure(spec *TaskSpec) {
	tr.Spec = spec
	tr.resize()
}

// Retire marks every slot retired, used when the task is removed from
// the config entirely.
func (tr *TaskRuntime) Retire() {
	for _, rs := range tr.Slots {
		rs.State = SlotRetired
	}
}

// RequiresSatisfied reports whether every task named in Requires has
// met its upstream condition: an exited-0 "once" task, or a non-once
// task with a slot currently running for at least its own start_delay
// (§4.6 "blocked -> delayed").
func (tr *TaskRuntime) RequiresSatisfied(now time.Time, byName map[string]*TaskRuntime) bool {
	for _, dep := range tr.Spec.Requires {
		up, ok := byName[dep]
		if !ok {
			return false
		}
		if up.Spec.Control == ControlOnce {
			if !up.onceSatisfied {
				return false
			}
			continue
		}
		if !up.startedAtLeast(now, up.Spec.StartDelay) {
			return false
		}
	}
	return true
}

// startedAtLeast reports whether any slot has been running for at
// least d since it spawned.
func (tr *TaskRuntime) startedAtLeast(now time.Time, d time.Duration) bool {
	for _, rs := range tr.Slots {
		if rs.State == SlotRunning && !rs.Slot.SpawnTime.IsZero() && now.Sub(rs.Slot.SpawnTime) >= d {
			return true
		}
	}
	return false
}

// BeginDelay transitions a blocked slot to delayed, arming its
// start_delay timer.
func (rs *runtimeSlot) BeginDelay(now time.Time, startDelay time.Duration) {
	rs.State = SlotDelayed
	rs.delayUntil = now.Add(startDelay)
}

// DelayElapsed reports whether a delayed slot's timer has fired.
func (rs *runtimeSlot) DelayElapsed(now time.Time) bool {
	return rs.State == SlotDelayed && !now.Before(rs.delayUntil)
}

// BeginRun transitions a delayed/starting slot to running and arms its
// time_limit deadline, if any.
func (rs *runtimeSlot) BeginRun(now time.Time, timeLimit time.Duration) {
	rs.State = SlotRunning
	if timeLimit > 0 {
		rs.timeLimit = now.Add(timeLimit)
	} else {
		rs.timeLimit = time.Time{}
	}
}

// TimeLimitExceeded reports whether a running slot has exceeded its
// time_limit (§4.6 "running -> stopping ... time_limit elapsed", S6).
func (rs *runtimeSlot) TimeLimitExceeded(now time.Time) bool {
	return rs.State == SlotRunning && !rs.timeLimit.IsZero() && !now.Before(rs.timeLimit)
}

// BeginStop transitions running/starting to stopping and issues the
// stop signal.
func (rs *runtimeSlot) BeginStop() error {
	rs.State = SlotStopping
	return rs.Slot.BeginStop()
}

// BeginStopCommand transitions running/starting to stopping and arms
// the escalation timer without sending SIGTERM, for use when a
// user-supplied stop command is spawned instead (§4.6).
func (rs *runtimeSlot) BeginStopCommand() {
	rs.State = SlotStopping
	rs.Slot.ArmStopTimer()
}

// jitter applies a random +/-25% window around d, the "start-jitter
// tolerance" referenced at §4.6, to avoid synchronized thundering-herd
// restarts across slots of the same task.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := d / 4
	offset := time.Duration(rand.Int63n(int64(2*spread+1))) - spread
	return d + offset
}

// OnExit finalizes a slot the caller has already reaped (via
// ProcessSlot.MarkExited): for "once", it retires (or records
// satisfaction) and never restarts; for "wait"/"event", it enters
// cooldown with a doubled backoff if the exit happened shortly after
// spawn, otherwise resets the backoff and goes straight to cooldown
// with the base interval (§4.6 "terminated -> cooldown").
func (tr *TaskRuntime) OnExit(rs *runtimeSlot, now time.Time) {
	rs.State = SlotTerminated

	if tr.Spec.Control == ControlOnce {
		tr.ran = true
		if rs.Slot.ExitedCleanly() {
			tr.onceSatisfied = true
		}
		rs.State = SlotRetired
		return
	}

	stable := now.Sub(rs.Slot.SpawnTime) > startJitterWindow
	if stable {
		rs.Slot.ResetBackoff()
	}
	rs.Slot.NextCooldown(now, jitter)
	rs.State = SlotCooldown
}

// startJitterWindow is the minimum uptime below which a new exit is
// still considered part of the same crash-restart burst for backoff
// purposes (§4.6 "start-jitter tolerance").
const startJitterWindow = 10 * time.Second

// CooldownElapsed transitions a cooled-down slot back to delayed.
func (rs *runtimeSlot) CooldownElapsed(now time.Time, startDelay time.Duration) bool {
	if rs.State != SlotCooldown || !rs.Slot.CooldownElapsed(now) {
		return false
	}
	rs.BeginDelay(now, startDelay)
	return true
}

// Rearm re-enters a retired/terminated "once" task into delayed,
// implementing an onexit:start trigger (§4.6).
func (tr *TaskRuntime) Rearm(now time.Time) {
	tr.onceSatisfied = false
	tr.ran = false
	for _, rs := range tr.Slots {
		rs.BeginDelay(now, tr.Spec.StartDelay)
	}
}

// AdoptOrphan attempts to recognize slot 0 as a live process already
// named by pidfilePath, rather than spawning it (§4.6 "Orphan adoption":
// "on supervisor start, any task with a pidfile whose content names a
// live process whose executable matches the task's start[0] is treated
// as its slot 0 without respawn"). It never spawns and never fails the
// caller; ErrNotAdoptable is returned whenever adoption doesn't apply,
// which the caller is expected to treat as "start normally instead".
func (tr *TaskRuntime) AdoptOrphan(pidfilePath string, now time.Time) error {
	if pidfilePath == "" || len(tr.Slots) == 0 {
		return ErrNotAdoptable
	}
	pid, err := ReadPidfile(pidfilePath)
	if err != nil || !ProcessAlive(pid) {
		return ErrNotAdoptable
	}
	start := tr.Spec.Commands["start"]
	if len(start) == 0 {
		return ErrNotAdoptable
	}
	wantExe, ok := start[0].(string)
	if !ok {
		return ErrNotAdoptable
	}
	exe, err := processExecutable(pid)
	if err != nil || !executableMatches(exe, wantExe) {
		return ErrNotAdoptable
	}

	rs := tr.Slots[0]
	rs.Slot.Pid = pid
	rs.Slot.SpawnTime = now
	rs.Slot.Adopted = true
	rs.BeginRun(now, tr.Spec.TimeLimit)
	tr.ran = true
	return nil
}

// executableMatches compares a resolved executable path against a
// task's configured start[0], tolerating the common case where start[0]
// is a bare command name resolved from PATH rather than the absolute
// path /proc reports.
func executableMatches(exe, want string) bool {
	if exe == want {
		return true
	}
	return filepath.Base(exe) == filepath.Base(want)
}

// AllTerminated reports whether every slot is terminated or retired,
// the condition that fires onexit:start processing (§4.6).
func (tr *TaskRuntime) AllTerminated() bool {
	for _, rs := range tr.Slots {
		if rs.State != SlotTerminated && rs.State != SlotRetired {
			return false
		}
	}
	return true
}
