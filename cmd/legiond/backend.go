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

package main

import (
	"github.com/akfullfo/legion"
	"github.com/akfullfo/legion/configdoc"
)

// supervisorBackend adapts a running legion.Legion to control.Backend,
// the way the teacher's rest.Handler is adapted onto a govisor.Manager.
type supervisorBackend struct {
	legion *legion.Legion
	ring   *legion.Log
	table  *configdoc.Table
}

func (b *supervisorBackend) Version() string { return legion.Version }

func (b *supervisorBackend) TaskStatus() map[string]interface{} {
	out := make(map[string]interface{}, len(b.legion.Tasks()))
	for name, tr := range b.legion.Tasks() {
		slots := make([]map[string]interface{}, 0, len(tr.Slots))
		for _, rs := range tr.Slots {
			slots = append(slots, map[string]interface{}{
				"state": rs.State.String(),
				"pid":   rs.Slot.Pid,
			})
		}
		out[name] = map[string]interface{}{
			"control": string(tr.Spec.Control),
			"count":   tr.Spec.Count,
			"slots":   slots,
		}
	}
	return out
}

func (b *supervisorBackend) ConfigSummary() map[string]interface{} {
	return map[string]interface{}{
		"tasks":          len(b.table.Tasks),
		"http_listeners": len(b.table.Settings.HTTP),
		"module_path":    b.table.Settings.ModulePath,
		"start_limit":    b.table.Settings.StartLimit,
	}
}

func (b *supervisorBackend) GetCount(task string) (int, error) {
	return b.legion.GetTaskCount(task)
}

func (b *supervisorBackend) SetCount(task string, count int) error {
	return b.legion.SetTaskCount(task, count)
}

func (b *supervisorBackend) SetControl(task, control string) error {
	return b.legion.SetTaskControl(task, control)
}

func (b *supervisorBackend) Reload() error {
	return b.legion.Reload()
}

func (b *supervisorBackend) Reset() {
	b.legion.RequestReset()
}

func (b *supervisorBackend) Stop() {
	b.legion.RequestExit()
}

func (b *supervisorBackend) LogSince(last int64) (interface{}, int64) {
	records, newest := b.ring.GetRecords(last)
	return records, newest
}
