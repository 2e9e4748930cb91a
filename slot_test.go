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
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNeedsKillOnlyAfterGracePeriod(t *testing.T) {
	s := &ProcessSlot{}
	now := time.Now()
	s.stopSentTerm = now
	assert.False(t, s.NeedsKill(now.Add(time.Second)))
	assert.True(t, s.NeedsKill(now.Add(StopGracePeriod+time.Second)))
}

func TestNeedsKillFalseOnceEscalated(t *testing.T) {
	s := &ProcessSlot{}
	now := time.Now()
	s.stopSentTerm = now
	require := now.Add(StopGracePeriod + time.Second)
	assert.True(t, s.NeedsKill(require))
	s.stopEscalate = true
	assert.False(t, s.NeedsKill(require))
}

func TestNextCooldownDoublesAndCaps(t *testing.T) {
	s := &ProcessSlot{}
	now := time.Now()
	noJitter := func(d time.Duration) time.Duration { return d }

	d1 := s.NextCooldown(now, noJitter)
	d2 := s.NextCooldown(now, noJitter)
	d3 := s.NextCooldown(now, noJitter)

	assert.Equal(t, 1*time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)

	for i := 0; i < 10; i++ {
		s.NextCooldown(now, noJitter)
	}
	assert.LessOrEqual(t, s.backoff, 60*time.Second)
}

func TestResetBackoffClearsAccumulator(t *testing.T) {
	s := &ProcessSlot{}
	s.NextCooldown(time.Now(), func(d time.Duration) time.Duration { return d })
	assert.NotZero(t, s.backoff)
	s.ResetBackoff()
	assert.Zero(t, s.backoff)
}

func TestMarkExitedRecordsCleanStatus(t *testing.T) {
	s := &ProcessSlot{Pid: 1234}
	s.MarkExited(syscall.WaitStatus(0))
	assert.True(t, s.Exited)
	assert.NoError(t, s.ExitErr)
	assert.True(t, s.ExitedCleanly())
	assert.Equal(t, 0, s.Pid)
}

func TestSendSignalToNoPidIsNoop(t *testing.T) {
	s := &ProcessSlot{}
	assert.NoError(t, s.SendSignal(syscall.SIGTERM))
}
