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
	"sort"
)

// Sanity resolves every in-scope task's context and command argvs with partial
// expansion tolerance off, reporting unresolved tags as errors without
// spawning any process (SPEC_FULL.md §C.5, taskforce's manage.py
// sanity check).
func Sanity(tasks map[string]*TaskSpec, base *Context,
	globalDefaults, globalDefines map[string]string,
	globalRoleDefaults, globalRoleDefines map[string]map[string]string,
	roleOrder []string, activeRoles map[string]bool) []error {
	var errs []error
	for _, name := range sortedSpecKeys(tasks) {
		spec := tasks[name]
		if !spec.InScope(activeRoles) {
			continue
		}
		inj := &TaskInjection{
			Name:     spec.Name,
			Pidfile:  spec.Pidfile,
			Cwd:      spec.Cwd,
			Instance: 0,
			User:     spec.User,
			Group:    spec.Group,
		}
		ctx := BuildContext(base, globalDefaults, globalDefines, globalRoleDefaults, globalRoleDefines,
			spec.Defaults, spec.Defines, spec.RoleDefaults, spec.RoleDefines,
			roleOrder, activeRoles, inj)

		for cmdName, template := range spec.Commands {
			_, cmdErrs := ExpandArgv(template, ctx)
			for _, e := range cmdErrs {
				errs = append(errs, fmt.Errorf("task %q command %q: %w", name, cmdName, e))
			}
		}
		if spec.Procname != "" {
			if _, ok := SubstituteString(spec.Procname, ctx); !ok {
				errs = append(errs, fmt.Errorf("task %q: unresolved tag in procname %q", name, spec.Procname))
			}
		}
		if spec.Pidfile != "" {
			if _, ok := SubstituteString(spec.Pidfile, ctx); !ok {
				errs = append(errs, fmt.Errorf("task %q: unresolved tag in pidfile %q", name, spec.Pidfile))
			}
		}
	}
	return errs
}

func sortedSpecKeys(tasks map[string]*TaskSpec) []string {
	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
