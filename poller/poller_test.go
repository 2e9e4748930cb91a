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

package poller

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndPollReadable(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Register(int(r.Fd()), Readable))
	assert.Equal(t, 1, p.Len())

	evs, err := p.Poll(50)
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	evs, err = p.Poll(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, int(r.Fd()), evs[0].Handle)
	assert.NotZero(t, evs[0].Events&Readable)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Register(int(r.Fd()), Readable))
	require.NoError(t, p.Unregister(int(r.Fd())))
	assert.Equal(t, 0, p.Len())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	evs, err := p.Poll(50)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPollTimesOutWithNoEvents(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	evs, err := p.Poll(30)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
