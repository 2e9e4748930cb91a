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
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

// ProcessSlot is one of count(t) process instances belonging to a task
// (§3). Unlike the teacher's Process, a slot never blocks waiting for
// its child: spawn is a single fork/exec and reap happens only when the
// Legion main loop observes SIGCHLD and calls Reap -- no goroutine ever
// owns the child (§5).
type ProcessSlot struct {
	Instance int

	Pid       int
	SpawnTime time.Time
	ExitErr   error
	Exited    bool

	// Adopted marks a slot recognized at startup as an existing orphan
	// rather than spawned by this process (§4.6 "Orphan adoption"). Its
	// pid is not a child of this process, so it is never reaped via
	// Legion.Reap's wait4 call; liveness is polled with ProcessAlive
	// instead, and it is excluded from the shutdown and reset stop
	// sequence (an event's command:stop action still stops it).
	Adopted bool

	stopSentTerm time.Time
	stopEscalate bool

	cooldownUntil time.Time
	backoff       time.Duration
}

// resolveUser looks up the numeric uid/gid for a configured user/group
// pair, mirroring the pwd/grp lookups task.py's _exec_process performs
// before forking.
func resolveUser(userName, groupName string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return 0, 0, fmt.Errorf("user %q: %w", userName, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
		gid, _ = strconv.Atoi(u.Gid)
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, fmt.Errorf("group %q: %w", groupName, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

// spawnProcess forks and execs argv with env in cwd, optionally dropping
// privileges to user/group and overriding argv[0] with procname, then
// detaches from exec.Cmd's own goroutine-based Wait machinery so the
// returned pid can only be reaped by the single event loop's own
// wait4. Shared by ProcessSlot.Spawn and Legion's user-supplied stop
// command, which is spawned the same way but owns no ProcessSlot of
// its own (§4.6 "A user-supplied stop command is executed instead if
// defined").
func spawnProcess(argv []string, env []string, cwd, userName, groupName, procname string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty argv")
	}

	cmd := &exec.Cmd{
		Path: argv[0],
		Args: argv,
		Env:  env,
		Dir:  cwd,
	}
	if procname != "" {
		cmd.Args = append([]string{procname}, argv[1:]...)
	}

	uid, gid, err := resolveUser(userName, groupName)
	if err != nil {
		return 0, err
	}
	if uid >= 0 || gid >= 0 {
		cred := &syscall.Credential{}
		if uid >= 0 {
			cred.Uid = uint32(uid)
		}
		if gid >= 0 {
			cred.Gid = uint32(gid)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Detach from the exec.Cmd's own goroutine-based Wait machinery --
	// cmd.Process.Release lets the pid be reaped directly via wait4 from
	// the single event loop instead of a background waiter.
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// Spawn forks and execs argv with env in cwd, optionally dropping
// privileges to user/group and overriding argv[0] with procname. It
// never waits for the child; the Legion main loop reaps it later via
// Reap. A failure here is a SpawnError (§7).
func (s *ProcessSlot) Spawn(argv []string, env []string, cwd, userName, groupName, procname string) error {
	pid, err := spawnProcess(argv, env, cwd, userName, groupName, procname)
	if err != nil {
		return &SpawnError{Err: err}
	}

	s.Pid = pid
	s.SpawnTime = time.Now()
	s.Exited = false
	s.ExitErr = nil
	s.Adopted = false
	s.stopSentTerm = time.Time{}
	s.stopEscalate = false
	return nil
}

// SendSignal delivers sig to the slot's process, tolerating "no such
// process" as a benign race against an exit the loop hasn't reaped yet.
func (s *ProcessSlot) SendSignal(sig syscall.Signal) error {
	if s.Pid <= 0 {
		return nil
	}
	err := syscall.Kill(s.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// BeginStop sends SIGTERM and records the time, so the caller can
// escalate to SIGKILL after the 5 second grace period (§4.6, §9).
func (s *ProcessSlot) BeginStop() error {
	s.ArmStopTimer()
	return s.SendSignal(syscall.SIGTERM)
}

// ArmStopTimer records the stop sequence's start time without sending a
// signal, used when a user-supplied stop command is run in place of the
// built-in SIGTERM (§4.6): the SIGTERM/SIGKILL escalation grace period
// still starts now, running concurrently with the command rather than
// waiting for it to finish.
func (s *ProcessSlot) ArmStopTimer() {
	s.stopSentTerm = time.Now()
	s.stopEscalate = false
}

// StopGracePeriod is the fixed SIGTERM-to-SIGKILL escalation window.
const StopGracePeriod = 5 * time.Second

// NeedsKill reports whether the grace period has elapsed without the
// slot having exited, i.e. whether it's time to escalate to SIGKILL.
func (s *ProcessSlot) NeedsKill(now time.Time) bool {
	if s.stopSentTerm.IsZero() || s.stopEscalate || s.Exited {
		return false
	}
	return now.Sub(s.stopSentTerm) >= StopGracePeriod
}

// Escalate sends SIGKILL and marks escalation as done so NeedsKill
// won't fire twice.
func (s *ProcessSlot) Escalate() error {
	s.stopEscalate = true
	return s.SendSignal(syscall.SIGKILL)
}

// MarkExited records a reaped exit, as delivered by the main loop's
// wait4 call keyed on this slot's Pid.
func (s *ProcessSlot) MarkExited(ws syscall.WaitStatus) {
	s.Exited = true
	s.Pid = 0
	if ws.ExitStatus() != 0 || ws.Signaled() {
		s.ExitErr = fmt.Errorf("exit status %d (signaled=%v, signal=%v)", ws.ExitStatus(), ws.Signaled(), ws.Signal())
	} else {
		s.ExitErr = nil
	}
}

// ExitedCleanly reports whether the slot's last observed exit was
// status 0 and not due to a signal -- the condition that satisfies a
// "once" task's downstream requires (§4.6, §8 invariant 4).
func (s *ProcessSlot) ExitedCleanly() bool {
	return s.Exited && s.ExitErr == nil
}

// NextCooldown advances the exponential backoff accumulator with a
// jitter window that doubles on each consecutive failure, capped at 60
// seconds (§7 "thereafter the loop restarts after exponential backoff
// capped at 60 seconds" generalized to per-slot cooldown; §9).
func (s *ProcessSlot) NextCooldown(now time.Time, jitter func(time.Duration) time.Duration) time.Duration {
	const (
		base = 1 * time.Second
		cap  = 60 * time.Second
	)
	if s.backoff == 0 {
		s.backoff = base
	} else {
		s.backoff *= 2
		if s.backoff > cap {
			s.backoff = cap
		}
	}
	wait := s.backoff
	if jitter != nil {
		wait = jitter(s.backoff)
	}
	s.cooldownUntil = now.Add(wait)
	return wait
}

// ResetBackoff clears the accumulator, called once a slot has run
// successfully past its own start_delay-equivalent stability window.
func (s *ProcessSlot) ResetBackoff() {
	s.backoff = 0
	s.cooldownUntil = time.Time{}
}

// CooldownElapsed reports whether now is past the slot's recorded
// cooldown deadline.
func (s *ProcessSlot) CooldownElapsed(now time.Time) bool {
	return !now.Before(s.cooldownUntil)
}
