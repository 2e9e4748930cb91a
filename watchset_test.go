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

	"github.com/stretchr/testify/assert"
)

func TestSubscribeReportsFirstSubscriber(t *testing.T) {
	w := NewWatchSet()
	assert.True(t, w.Subscribe("/etc/ntp.conf", "ntpd"))
	assert.False(t, w.Subscribe("/etc/ntp.conf", "other"))
}

func TestUnsubscribeReportsLastSubscriber(t *testing.T) {
	w := NewWatchSet()
	w.Subscribe("/etc/ntp.conf", "ntpd")
	w.Subscribe("/etc/ntp.conf", "other")

	assert.False(t, w.Unsubscribe("/etc/ntp.conf", "ntpd"))
	assert.True(t, w.Unsubscribe("/etc/ntp.conf", "other"))
}

func TestUnsubscribeAllFreesOnlyAbandonedPaths(t *testing.T) {
	w := NewWatchSet()
	w.Subscribe("/a", "t1")
	w.Subscribe("/a", "t2")
	w.Subscribe("/b", "t1")

	freed := w.UnsubscribeAll("t1")
	assert.Equal(t, []string{"/b"}, freed)
	assert.Equal(t, []string{"t2"}, w.NamesFor("/a"))
}

func TestPathsReturnsSortedUnion(t *testing.T) {
	w := NewWatchSet()
	w.Subscribe("/b", "t1")
	w.Subscribe("/a", "t1")
	assert.Equal(t, []string{"/a", "/b"}, w.Paths())
}
