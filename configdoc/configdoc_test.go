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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfullfo/legion"
)

const sampleYAML = `
tasks:
  sshd:
    control: wait
    commands:
      start: ["/usr/sbin/sshd", "-D"]
  ntpd:
    control: wait
    requires: [sshd]
    commands:
      start: ["/usr/sbin/ntpd", "-n"]
`

func TestParseAndBuildYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "legion.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleYAML), 0644))

	doc, err := ParseFile(p)
	require.NoError(t, err)

	table, err := Build(p, doc, nil)
	require.NoError(t, err)
	assert.Len(t, table.Tasks, 2)
	assert.Equal(t, legion.ControlWait, table.Tasks["sshd"].Control)
	assert.Equal(t, []string{"sshd"}, table.Tasks["ntpd"].Requires)
}

const sampleJSONC = `
{
  // top-level tasks block
  "tasks": {
    "worker": {
      "control": "once",
      "commands": {
        "start": ["/bin/echo", "hi // not a comment"]
      }
    }
  }
}
`

func TestParseJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "legion.conf")
	require.NoError(t, os.WriteFile(p, []byte(sampleJSONC), 0644))

	doc, err := ParseFile(p)
	require.NoError(t, err)
	table, err := Build(p, doc, nil)
	require.NoError(t, err)

	start := table.Tasks["worker"].Commands["start"]
	require.Len(t, start, 2)
	assert.Equal(t, "hi // not a comment", start[1])
}

func TestBuildRejectsUnknownControl(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"bad": {Control: "bogus", Commands: map[string][]interface{}{"start": {"/bin/true"}}},
	}}
	_, err := Build("test", doc, nil)
	require.Error(t, err)
	var cerr *legion.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestBuildRejectsRequiresCycle(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {Control: "wait", Requires: []string{"b"}, Commands: map[string][]interface{}{"start": {"/bin/true"}}},
		"b": {Control: "wait", Requires: []string{"a"}, Commands: map[string][]interface{}{"start": {"/bin/true"}}},
	}}
	_, err := Build("test", doc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildRejectsUnknownRequires(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {Control: "wait", Requires: []string{"missing"}, Commands: map[string][]interface{}{"start": {"/bin/true"}}},
	}}
	_, err := Build("test", doc, nil)
	require.Error(t, err)
}

func TestBuildRejectsOnExitTargetingNonOnce(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {Control: "wait", Commands: map[string][]interface{}{"start": {"/bin/true"}}},
		"b": {Control: "wait", Commands: map[string][]interface{}{"start": {"/bin/true"}},
			OnExit: []OnExitDoc{{Type: "start", Task: "a"}}},
	}}
	_, err := Build("test", doc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "once")
}

func TestBuildRejectsCountBelowOne(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {Control: "wait", Count: -1, Commands: map[string][]interface{}{"start": {"/bin/true"}}},
	}}
	_, err := Build("test", doc, nil)
	require.Error(t, err)
}

func TestBuildDefaultsCountToOne(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {Control: "wait", Commands: map[string][]interface{}{"start": {"/bin/true"}}},
	}}
	table, err := Build("test", doc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Tasks["a"].Count)
}

func TestParseRoles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "roles")
	require.NoError(t, os.WriteFile(p, []byte("# comment\nprimary\n\nsecondary\n"), 0644))

	roles, err := ParseRoles(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "secondary"}, roles)
}

type fakeAnalyzer struct {
	err error
}

func (f *fakeAnalyzer) Add(name, commandPath string) ([]string, error) {
	return nil, f.err
}

func TestBuildRejectsUnanalyzablePythonEvent(t *testing.T) {
	doc := &Document{Tasks: map[string]TaskDoc{
		"a": {
			Control:  "wait",
			Commands: map[string][]interface{}{"start": {"/bin/not-python"}},
			Events:   []EventDoc{{Type: "python", Action: "command:restart"}},
		},
	}}
	_, err := Build("test", doc, &fakeAnalyzer{err: assertAnError})
	require.Error(t, err)
}

var assertAnError = &legion.ConfigError{Path: "x", Err: os.ErrInvalid}
