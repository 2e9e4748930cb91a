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

package configdoc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/akfullfo/legion"
	"github.com/akfullfo/legion/modwatch"
)

// Analyzer is satisfied by modwatch.Watch; kept as an interface so
// Build can be tested without touching the filesystem.
type Analyzer interface {
	Add(name, commandPath string) ([]string, error)
}

// Build validates doc and projects it into a Table. On any structural
// or semantic defect it returns a *legion.ConfigError and a nil Table;
// the caller is expected to retain its previously-loaded Table in that
// case (spec §4.5 "transactional reload").
func Build(path string, doc *Document, analyzer Analyzer) (*Table, error) {
	if doc.Tasks == nil {
		return nil, &legion.ConfigError{Path: path, Err: fmt.Errorf("document has no 'tasks' section")}
	}

	specs := make(map[string]*legion.TaskSpec, len(doc.Tasks))
	names := sortedTaskNames(doc.Tasks)

	for _, name := range names {
		raw := doc.Tasks[name]
		spec, err := buildSpec(name, raw)
		if err != nil {
			return nil, &legion.ConfigError{Path: path, Err: err}
		}
		specs[name] = spec
	}

	if err := validateRequires(specs); err != nil {
		return nil, &legion.ConfigError{Path: path, Err: err}
	}
	if err := validateOnExit(specs); err != nil {
		return nil, &legion.ConfigError{Path: path, Err: err}
	}
	if analyzer != nil {
		if err := validateEvents(specs, analyzer); err != nil {
			return nil, &legion.ConfigError{Path: path, Err: err}
		}
	}

	return &Table{
		Tasks:              specs,
		Settings:           doc.Settings,
		GlobalDefaults:     doc.Defaults,
		GlobalDefines:      doc.Defines,
		GlobalRoleDefaults: doc.RoleDefaults,
		GlobalRoleDefines:  doc.RoleDefines,
	}, nil
}

func sortedTaskNames(tasks map[string]TaskDoc) []string {
	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func buildSpec(name string, raw TaskDoc) (*legion.TaskSpec, error) {
	control := legion.Control(raw.Control)
	if control == "" {
		control = legion.ControlWait
	}
	if !controlValid(control) {
		return nil, fmt.Errorf("task %q: unknown control mode %q", name, raw.Control)
	}

	count := raw.Count
	if count == 0 {
		count = 1
	}
	if count < 1 {
		return nil, fmt.Errorf("task %q: count must be >= 1, got %d", name, raw.Count)
	}

	if len(raw.Commands) == 0 || raw.Commands["start"] == nil {
		return nil, fmt.Errorf("task %q: missing required 'start' command", name)
	}

	events, err := buildEvents(name, raw.Events)
	if err != nil {
		return nil, err
	}
	onexit, err := buildOnExit(name, raw.OnExit)
	if err != nil {
		return nil, err
	}

	spec := &legion.TaskSpec{
		Name:         name,
		Control:      control,
		Count:        count,
		Requires:     append([]string{}, raw.Requires...),
		StartDelay:   time.Duration(raw.StartDelay * float64(time.Second)),
		TimeLimit:    time.Duration(raw.TimeLimit * float64(time.Second)),
		User:         raw.User,
		Group:        raw.Group,
		Cwd:          raw.Cwd,
		Procname:     raw.Procname,
		Pidfile:      raw.Pidfile,
		Commands:     raw.Commands,
		Events:       events,
		OnExit:       onexit,
		Roles:        append([]string{}, raw.Roles...),
		Defaults:     raw.Defaults,
		Defines:      raw.Defines,
		RoleDefaults: raw.RoleDefaults,
		RoleDefines:  raw.RoleDefines,
	}
	return spec, nil
}

func controlValid(c legion.Control) bool {
	switch c {
	case legion.ControlWait, legion.ControlOnce, legion.ControlEvent, legion.ControlNowait, legion.ControlAdopt:
		return true
	}
	return false
}

func buildEvents(taskName string, raws []EventDoc) ([]legion.TaskEvent, error) {
	var out []legion.TaskEvent
	for _, r := range raws {
		var kind legion.EventKind
		switch r.Type {
		case "file_change":
			kind = legion.EventFileChange
		case "python":
			kind = legion.EventPython
		default:
			return nil, fmt.Errorf("task %q: unknown event type %q", taskName, r.Type)
		}
		action, err := parseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", taskName, err)
		}
		out = append(out, legion.TaskEvent{Type: kind, Path: r.Path, Action: action})
	}
	return out, nil
}

func parseAction(s string) (legion.Action, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return legion.Action{}, fmt.Errorf("malformed action %q, want \"command:<name>\" or \"signal:<name>\"", s)
	}
	switch parts[0] {
	case "command":
		return legion.Action{Kind: legion.ActionCommand, Command: parts[1]}, nil
	case "signal":
		num, err := resolveSignalOrNumber(parts[1])
		if err != nil {
			return legion.Action{}, err
		}
		return legion.Action{Kind: legion.ActionSignal, Signal: num}, nil
	default:
		return legion.Action{}, fmt.Errorf("malformed action %q, unknown kind %q", s, parts[0])
	}
}

func resolveSignalOrNumber(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	return legion.ResolveSignal(s)
}

func buildOnExit(taskName string, raws []OnExitDoc) ([]legion.OnExit, error) {
	var out []legion.OnExit
	for _, r := range raws {
		if r.Type != "start" {
			return nil, fmt.Errorf("task %q: unknown onexit type %q", taskName, r.Type)
		}
		if r.Task == "" {
			return nil, fmt.Errorf("task %q: onexit entry missing task", taskName)
		}
		out = append(out, legion.OnExit{Type: r.Type, Task: r.Task})
	}
	return out, nil
}

// validateRequires checks that every referenced task exists and that
// the requires graph contains no cycle (spec §3 invariant 3).
func validateRequires(specs map[string]*legion.TaskSpec) error {
	for name, spec := range specs {
		for _, dep := range spec.Requires {
			if _, ok := specs[dep]; !ok {
				return fmt.Errorf("task %q requires unknown task %q", name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("requires cycle: %s -> %s", strings.Join(stack, " -> "), name)
		}
		state[name] = visiting
		for _, dep := range specs[name].Requires {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range sortedSpecNames(specs) {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// validateOnExit ensures every onexit:start target is a "once" task
// (spec §4.5).
func validateOnExit(specs map[string]*legion.TaskSpec) error {
	for name, spec := range specs {
		for _, oe := range spec.OnExit {
			target, ok := specs[oe.Task]
			if !ok {
				return fmt.Errorf("task %q: onexit references unknown task %q", name, oe.Task)
			}
			if target.Control != legion.ControlOnce {
				return fmt.Errorf("task %q: onexit start may only target a 'once' task, %q is %q", name, oe.Task, target.Control)
			}
		}
	}
	return nil
}

// validateEvents ensures any events:[{type:"python", ...}] entry names
// a task whose start command is an analyzable script (spec §4.3,
// §4.5).
func validateEvents(specs map[string]*legion.TaskSpec, analyzer Analyzer) error {
	for name, spec := range specs {
		hasPython := false
		for _, ev := range spec.Events {
			if ev.Type == legion.EventPython {
				hasPython = true
			}
		}
		if !hasPython {
			continue
		}
		start := spec.Commands["start"]
		if len(start) == 0 {
			return fmt.Errorf("task %q: python event requires a start command", name)
		}
		script, ok := start[0].(string)
		if !ok {
			return fmt.Errorf("task %q: python event requires a literal script path as argv[0]", name)
		}
		if _, err := analyzer.Add(name, script); err != nil {
			return fmt.Errorf("task %q: python event target is not analyzable: %w", name, err)
		}
	}
	return nil
}

func sortedSpecNames(specs map[string]*legion.TaskSpec) []string {
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ensure modwatch stays imported for callers that want the concrete
// analyzer without redeclaring the interface locally.
var _ Analyzer = (*modwatch.Watch)(nil)
