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
	"os"
	"sort"
	"strconv"
	"strings"
)

// Context is an ordered mapping from string key to string value, used
// both for tag substitution and as the child's environment (§3, §4.4).
type Context struct {
	keys   []string
	values map[string]string
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{values: make(map[string]string)}
}

// Clone returns an independent copy of the Context.
func (c *Context) Clone() *Context {
	n := &Context{
		keys:   append([]string{}, c.keys...),
		values: make(map[string]string, len(c.values)),
	}
	for k, v := range c.values {
		n.values[k] = v
	}
	return n
}

// Set unconditionally assigns key=value, the "defines" merge rule.
func (c *Context) Set(key, value string) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// SetDefault assigns key=value only if key is currently absent, the
// "defaults" merge rule.
func (c *Context) SetDefault(key, value string) {
	if _, ok := c.values[key]; ok {
		return
	}
	c.Set(key, value)
}

// SetAllDefault applies SetDefault for every entry in a map, iterating
// keys in sorted order so behavior is deterministic (§3 Open Questions).
func (c *Context) SetAllDefault(m map[string]string) {
	for _, k := range sortedKeys(m) {
		c.SetDefault(k, m[k])
	}
}

// SetAll applies Set for every entry in a map, in sorted key order.
func (c *Context) SetAll(m map[string]string) {
	for _, k := range sortedKeys(m) {
		c.Set(k, m[k])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value for key and whether it was present.
func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string {
	return append([]string{}, c.keys...)
}

// Truthy implements the presence/truthiness test used by conditional
// list expansion (§4.4, §3 Open Questions): the source tests presence,
// and this treats the empty string and the literal "0"/"false" as
// false so that a present-but-explicitly-disabled flag still elides.
func (c *Context) Truthy(key string) bool {
	v, ok := c.values[key]
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Environ renders the Context as a "KEY=VALUE" slice suitable for
// exec.Cmd.Env, in insertion order.
func (c *Context) Environ() []string {
	env := make([]string, 0, len(c.keys))
	for _, k := range c.keys {
		env = append(env, k+"="+c.values[k])
	}
	return env
}

// BaseContext snapshots the supervisor's own environment, stripping any
// Task_* keys inherited from a parent legion (§4.4 step 1) -- this
// matters when legion re-execs itself for --reset.
func BaseContext() *Context {
	c := NewContext()
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		key, val := kv[:i], kv[i+1:]
		if strings.HasPrefix(key, "Task_") {
			continue
		}
		c.Set(key, val)
	}
	return c
}

// TaskInjection is the set of per-slot Task_* keys injected as the
// outermost context layer (§4.4 step 8).
type TaskInjection struct {
	Name     string
	Pid      int
	Ppid     int
	Pidfile  string
	Cwd      string
	Instance int
	User     string
	Uid      int
	Group    string
	Gid      int
	Host     string
	Fqdn     string
}

// Apply injects the Task_* keys into the context, unconditionally
// overriding any existing value (these are the innermost, highest
// priority layer).
func (ti *TaskInjection) Apply(c *Context) {
	c.Set("Task_name", ti.Name)
	if ti.Pid != 0 {
		c.Set("Task_pid", strconv.Itoa(ti.Pid))
	}
	if ti.Ppid != 0 {
		c.Set("Task_ppid", strconv.Itoa(ti.Ppid))
	}
	c.Set("Task_pidfile", ti.Pidfile)
	c.Set("Task_cwd", ti.Cwd)
	c.Set("Task_instance", strconv.Itoa(ti.Instance))
	c.Set("Task_user", ti.User)
	if ti.User != "" {
		c.Set("Task_uid", strconv.Itoa(ti.Uid))
	}
	c.Set("Task_group", ti.Group)
	if ti.Group != "" {
		c.Set("Task_gid", strconv.Itoa(ti.Gid))
	}
	c.Set("Task_host", ti.Host)
	c.Set("Task_fqdn", ti.Fqdn)
}

// BuildContext implements the full §4.4 layering precedence, producing
// the context used for substitution and handed to the child as its
// environment. activeRoles must contain the roles currently in scope;
// order is the deterministic-but-unspecified tie-break order recorded
// in DESIGN.md: roles are consulted in the order they appear in
// roleOrder.
func BuildContext(base *Context, globalDefaults, globalDefines map[string]string,
	globalRoleDefaults, globalRoleDefines map[string]map[string]string,
	taskDefaults, taskDefines map[string]string,
	taskRoleDefaults, taskRoleDefines map[string]map[string]string,
	roleOrder []string, activeRoles map[string]bool, inj *TaskInjection) *Context {

	c := base.Clone()

	// 2. global defaults
	c.SetAllDefault(globalDefaults)

	// 3. global role_defaults, in roles-file order
	for _, r := range roleOrder {
		if activeRoles[r] {
			c.SetAllDefault(globalRoleDefaults[r])
		}
	}

	// 4. task defaults, task role_defaults
	c.SetAllDefault(taskDefaults)
	for _, r := range roleOrder {
		if activeRoles[r] {
			c.SetAllDefault(taskRoleDefaults[r])
		}
	}

	// 5. global defines
	c.SetAll(globalDefines)

	// 6. global role_defines
	for _, r := range roleOrder {
		if activeRoles[r] {
			c.SetAll(globalRoleDefines[r])
		}
	}

	// 7. task defines, task role_defines
	c.SetAll(taskDefines)
	for _, r := range roleOrder {
		if activeRoles[r] {
			c.SetAll(taskRoleDefines[r])
		}
	}

	// 8. per-slot Task_* injections, outermost layer
	if inj != nil {
		inj.Apply(c)
	}

	return c
}
