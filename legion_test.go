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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLegion(t *testing.T) *Legion {
	t.Helper()
	l, err := New(log.New(logDiscard{}, "", 0))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestApplyTableCreatesAndRetiresTasks(t *testing.T) {
	l := newTestLegion(t)
	l.ApplyTable(map[string]*TaskSpec{
		"sshd": newSpec("sshd", ControlWait, 1),
	})
	require.Contains(t, l.tasks, "sshd")
	require.Len(t, l.tasks["sshd"].Slots, 1)

	l.ApplyTable(map[string]*TaskSpec{})
	assert.Equal(t, SlotRetired, l.tasks["sshd"].Slots[0].State)
}

func TestReconcileStartsOnceTaskAndReapsIt(t *testing.T) {
	l := newTestLegion(t)
	spec := newSpec("setup", ControlOnce, 1)
	spec.Commands["start"] = []interface{}{"/bin/true"}
	l.ApplyTable(map[string]*TaskSpec{"setup": spec})

	now := time.Now()
	l.reconcileAll(now)
	tr := l.tasks["setup"]
	require.Equal(t, SlotDelayed, tr.Slots[0].State)

	l.reconcileAll(now.Add(time.Second))
	require.Equal(t, SlotRunning, tr.Slots[0].State)
	require.NotZero(t, tr.Slots[0].Slot.Pid)

	deadline := time.Now().Add(2 * time.Second)
	for tr.Slots[0].State != SlotRetired && time.Now().Before(deadline) {
		l.Reap()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, SlotRetired, tr.Slots[0].State)
	assert.True(t, tr.onceSatisfied)
}

func TestReconcileBlocksOnUnsatisfiedRequires(t *testing.T) {
	l := newTestLegion(t)
	up := newSpec("setup", ControlOnce, 1)
	down := newSpec("svc", ControlWait, 1)
	down.Requires = []string{"setup"}
	l.ApplyTable(map[string]*TaskSpec{"setup": up, "svc": down})

	l.reconcileAll(time.Now())
	assert.Equal(t, SlotBlocked, l.tasks["svc"].Slots[0].State)
}

func TestRequestExitStopsRunningSlots(t *testing.T) {
	l := newTestLegion(t)
	spec := newSpec("svc", ControlWait, 1)
	spec.Commands["start"] = []interface{}{"/bin/sleep", "5"}
	l.ApplyTable(map[string]*TaskSpec{"svc": spec})

	now := time.Now()
	l.reconcileAll(now)
	l.reconcileAll(now.Add(time.Second))
	rs := l.tasks["svc"].Slots[0]
	require.Equal(t, SlotRunning, rs.State)
	pid := rs.Slot.Pid

	l.RequestExit()
	l.reconcileAll(time.Now())
	assert.Equal(t, SlotStopping, rs.State)

	// clean up the child so the test doesn't leak a sleeping process
	rs.Slot.Escalate()
	for i := 0; i < 50; i++ {
		l.Reap()
		if rs.State == SlotCooldown || rs.State == SlotTerminated {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = pid
}
