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

// Package configdoc implements the ConfigLoader component (spec §4.5):
// parsing the declarative configuration document and roles file,
// structural validation, and projection into legion.TaskSpec values
// gated by active roles.
package configdoc

import "github.com/akfullfo/legion"

// Document is the decoded top-level configuration document (spec §6):
// a mapping with defaults, defines, role_defaults, role_defines,
// settings and tasks.
type Document struct {
	Defaults     map[string]string            `json:"defaults" yaml:"defaults"`
	Defines      map[string]string            `json:"defines" yaml:"defines"`
	RoleDefaults map[string]map[string]string `json:"role_defaults" yaml:"role_defaults"`
	RoleDefines  map[string]map[string]string `json:"role_defines" yaml:"role_defines"`
	Settings     Settings                     `json:"settings" yaml:"settings"`
	Tasks        map[string]TaskDoc            `json:"tasks" yaml:"tasks"`
}

// Settings holds the settings block: the HTTP control plane listeners,
// the module search path and exclude markers used by the ModuleWatcher,
// and the startup fatal-error window.
type Settings struct {
	HTTP          []HTTPListener `json:"http" yaml:"http"`
	ModulePath    []string       `json:"module_path" yaml:"module_path"`
	ModuleExclude []string       `json:"module_exclude" yaml:"module_exclude"`

	// StartLimit is the window, in seconds, within which a repeated
	// unhandled exception during legion startup is fatal (spec §7).
	// Zero takes the taskforce default of 60.
	StartLimit float64 `json:"start_limit" yaml:"start_limit"`
}

// HTTPListener describes one control-plane listener (spec §6).
type HTTPListener struct {
	Listen       string `json:"listen" yaml:"listen"`
	Certfile     string `json:"certfile" yaml:"certfile"`
	AllowControl bool   `json:"allow_control" yaml:"allow_control"`
}

// TaskDoc is the raw decoded form of one task entry, prior to
// validation and conversion into a legion.TaskSpec.
type TaskDoc struct {
	Control      string                        `json:"control" yaml:"control"`
	Count        int                           `json:"count" yaml:"count"`
	Requires     []string                      `json:"requires" yaml:"requires"`
	StartDelay   float64                       `json:"start_delay" yaml:"start_delay"`
	TimeLimit    float64                       `json:"time_limit" yaml:"time_limit"`
	User         string                        `json:"user" yaml:"user"`
	Group        string                        `json:"group" yaml:"group"`
	Cwd          string                        `json:"cwd" yaml:"cwd"`
	Procname     string                        `json:"procname" yaml:"procname"`
	Pidfile      string                        `json:"pidfile" yaml:"pidfile"`
	Commands     map[string][]interface{}      `json:"commands" yaml:"commands"`
	Events       []EventDoc                    `json:"events" yaml:"events"`
	OnExit       []OnExitDoc                   `json:"onexit" yaml:"onexit"`
	Roles        []string                      `json:"roles" yaml:"roles"`
	Defaults     map[string]string             `json:"defaults" yaml:"defaults"`
	Defines      map[string]string             `json:"defines" yaml:"defines"`
	RoleDefaults map[string]map[string]string  `json:"role_defaults" yaml:"role_defaults"`
	RoleDefines  map[string]map[string]string  `json:"role_defines" yaml:"role_defines"`
}

// EventDoc is the raw decoded form of one task event entry.
type EventDoc struct {
	Type   string `json:"type" yaml:"type"`
	Path   string `json:"path" yaml:"path"`
	Action string `json:"action" yaml:"action"` // "command:<name>" or "signal:<name>"
}

// OnExitDoc is the raw decoded form of one onexit entry.
type OnExitDoc struct {
	Type string `json:"type" yaml:"type"`
	Task string `json:"task" yaml:"task"`
}

// Table is the validated, fully-projected result of a successful load:
// one legion.TaskSpec per task plus the settings block, ready to drive
// the supervisor.
type Table struct {
	Tasks    map[string]*legion.TaskSpec
	Settings Settings

	// GlobalDefaults/GlobalDefines/GlobalRoleDefaults/GlobalRoleDefines
	// carry the document's top-level context layers forward (spec §6,
	// ContextResolver layers 2/3/5/6 at §4.4) so a caller can hand them
	// to legion.Legion.SetGlobalContext or legion.Sanity alongside the
	// per-task layers already on each TaskSpec.
	GlobalDefaults     map[string]string
	GlobalDefines      map[string]string
	GlobalRoleDefaults map[string]map[string]string
	GlobalRoleDefines  map[string]map[string]string
}
