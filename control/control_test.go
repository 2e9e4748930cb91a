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

package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	version    string
	tasks      map[string]interface{}
	config     map[string]interface{}
	counts     map[string]int
	setCountErr error
	setCtrlErr  error
	reloadErr   error
	reloaded    bool
	reset       bool
	stopped     bool
}

func (b *fakeBackend) Version() string                          { return b.version }
func (b *fakeBackend) TaskStatus() map[string]interface{}       { return b.tasks }
func (b *fakeBackend) ConfigSummary() map[string]interface{}    { return b.config }
func (b *fakeBackend) GetCount(task string) (int, error) {
	c, ok := b.counts[task]
	if !ok {
		return 0, errors.New("unknown task")
	}
	return c, nil
}
func (b *fakeBackend) SetCount(task string, count int) error {
	if b.setCountErr != nil {
		return b.setCountErr
	}
	b.counts[task] = count
	return nil
}
func (b *fakeBackend) SetControl(task, control string) error { return b.setCtrlErr }
func (b *fakeBackend) Reload() error                          { b.reloaded = true; return b.reloadErr }
func (b *fakeBackend) Reset()                                 { b.reset = true }
func (b *fakeBackend) Stop()                                  { b.stopped = true }
func (b *fakeBackend) LogSince(last int64) (interface{}, int64) {
	return []string{"starting up"}, 1
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		version: "legion 1.0",
		tasks:   map[string]interface{}{"sshd": "running"},
		config:  map[string]interface{}{"tasks": 1},
		counts:  map[string]int{"sshd": 1},
	}
}

func TestStatusVersion(t *testing.T) {
	h := NewHandler(newFakeBackend(), false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "legion 1.0", body["version"])
}

func TestStatusTasksAndConfig(t *testing.T) {
	h := NewHandler(newFakeBackend(), false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status/tasks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sshd")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status/config", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusLog(t *testing.T) {
	h := NewHandler(newFakeBackend(), false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status/log?last=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting up")
}

func TestManageCountGetUnknownTask(t *testing.T) {
	h := NewHandler(newFakeBackend(), true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/manage/count?task=bogus", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManageCountGetKnownTask(t *testing.T) {
	h := NewHandler(newFakeBackend(), true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/manage/count?task=sshd", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["count"])
}

func TestManageCountPostRequiresAllowControl(t *testing.T) {
	h := NewHandler(newFakeBackend(), false)
	body, _ := json.Marshal(map[string]interface{}{"task": "sshd", "count": 2})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/count", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestManageCountPostAppliesWhenAllowed(t *testing.T) {
	backend := newFakeBackend()
	h := NewHandler(backend, true)
	body, _ := json.Marshal(map[string]interface{}{"task": "sshd", "count": 3})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/count", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, backend.counts["sshd"])
}

func TestManageControlRequiresAllowControl(t *testing.T) {
	h := NewHandler(newFakeBackend(), false)
	body, _ := json.Marshal(map[string]string{"task": "sshd", "control": "disabled"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/control", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestManageReloadSurfacesBackendError(t *testing.T) {
	backend := newFakeBackend()
	backend.reloadErr = errors.New("bad config")
	h := NewHandler(backend, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/reload", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, backend.reloaded)
}

func TestManageResetAndStopInvokeBackend(t *testing.T) {
	backend := newFakeBackend()
	h := NewHandler(backend, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.reset)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/manage/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.stopped)
}
