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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpec(name string, control Control, count int) *TaskSpec {
	return &TaskSpec{
		Name:     name,
		Control:  control,
		Count:    count,
		Commands: map[string][]interface{}{"start": {"/bin/true"}},
	}
}

func TestNewTaskRuntimeCreatesBlockedSlots(t *testing.T) {
	tr := NewTaskRuntime(newSpec("a", ControlWait, 3), nil)
	require.Len(t, tr.Slots, 3)
	for i, rs := range tr.Slots {
		assert.Equal(t, SlotBlocked, rs.State)
		assert.Equal(t, i, rs.Slot.Instance)
	}
}

func TestReconfigureGrowsAndShrinksSlots(t *testing.T) {
	tr := NewTaskRuntime(newSpec("a", ControlWait, 1), nil)
	tr.Reconfigure(newSpec("a", ControlWait, 3))
	assert.Len(t, tr.Slots, 3)

	tr.Reconfigure(newSpec("a", ControlWait, 1))
	assert.Len(t, tr.Slots, 1)
}

func TestRequiresSatisfiedForOnceUpstream(t *testing.T) {
	up := NewTaskRuntime(newSpec("setup", ControlOnce, 1), nil)
	down := NewTaskRuntime(newSpec("svc", ControlWait, 1), nil)
	down.Spec.Requires = []string{"setup"}

	byName := map[string]*TaskRuntime{"setup": up, "svc": down}
	assert.False(t, down.RequiresSatisfied(time.Now(), byName))

	up.onceSatisfied = true
	assert.True(t, down.RequiresSatisfied(time.Now(), byName))
}

func TestRequiresSatisfiedForWaitUpstreamHonorsStartDelay(t *testing.T) {
	up := NewTaskRuntime(newSpec("sshd", ControlWait, 1), nil)
	up.Spec.StartDelay = 50 * time.Millisecond
	down := NewTaskRuntime(newSpec("ntpd", ControlWait, 1), nil)
	down.Spec.Requires = []string{"sshd"}
	byName := map[string]*TaskRuntime{"sshd": up, "ntpd": down}

	now := time.Now()
	up.Slots[0].State = SlotRunning
	up.Slots[0].Slot.SpawnTime = now

	assert.False(t, down.RequiresSatisfied(now, byName))
	assert.True(t, down.RequiresSatisfied(now.Add(100*time.Millisecond), byName))
}

func TestSlotDelayThenRunTransition(t *testing.T) {
	rs := &runtimeSlot{State: SlotBlocked}
	now := time.Now()
	rs.BeginDelay(now, 10*time.Millisecond)
	assert.Equal(t, SlotDelayed, rs.State)
	assert.False(t, rs.DelayElapsed(now))
	assert.True(t, rs.DelayElapsed(now.Add(20*time.Millisecond)))

	rs.BeginRun(now, 0)
	assert.Equal(t, SlotRunning, rs.State)
	assert.False(t, rs.TimeLimitExceeded(now.Add(time.Hour)))
}

func TestSlotTimeLimitExceeded(t *testing.T) {
	rs := &runtimeSlot{State: SlotBlocked}
	now := time.Now()
	rs.BeginRun(now, 5*time.Second)
	assert.False(t, rs.TimeLimitExceeded(now.Add(1*time.Second)))
	assert.True(t, rs.TimeLimitExceeded(now.Add(6*time.Second)))
}

func TestOnExitOnceSetsSatisfiedAndRetires(t *testing.T) {
	tr := NewTaskRuntime(newSpec("setup", ControlOnce, 1), nil)
	rs := tr.Slots[0]
	rs.Slot.Exited = true
	rs.Slot.ExitErr = nil

	tr.OnExit(rs, time.Now())
	assert.True(t, tr.onceSatisfied)
	assert.Equal(t, SlotRetired, rs.State)
}

func TestOnExitWaitEntersCooldown(t *testing.T) {
	tr := NewTaskRuntime(newSpec("svc", ControlWait, 1), nil)
	rs := tr.Slots[0]
	rs.Slot.SpawnTime = time.Now().Add(-time.Hour)
	rs.Slot.Exited = true

	tr.OnExit(rs, time.Now())
	assert.Equal(t, SlotCooldown, rs.State)
}

func TestCooldownElapsedReturnsToDelayed(t *testing.T) {
	rs := &runtimeSlot{State: SlotCooldown}
	rs.Slot.NextCooldown(time.Now().Add(-time.Hour), nil) // forces a non-zero, already-elapsed deadline
	rs.Slot.cooldownUntil = time.Now().Add(-time.Second)

	assert.True(t, rs.CooldownElapsed(time.Now(), 0))
	assert.Equal(t, SlotDelayed, rs.State)
}

func TestRearmResetsOnceTask(t *testing.T) {
	tr := NewTaskRuntime(newSpec("setup", ControlOnce, 1), nil)
	tr.onceSatisfied = true
	tr.ran = true

	tr.Rearm(time.Now())
	assert.False(t, tr.onceSatisfied)
	assert.False(t, tr.ran)
	assert.Equal(t, SlotDelayed, tr.Slots[0].State)
}

func TestAllTerminated(t *testing.T) {
	tr := NewTaskRuntime(newSpec("svc", ControlWait, 2), nil)
	assert.False(t, tr.AllTerminated())
	tr.Slots[0].State = SlotTerminated
	tr.Slots[1].State = SlotRetired
	assert.True(t, tr.AllTerminated())
}
