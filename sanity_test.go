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
	"github.com/stretchr/testify/require"
)

func TestSanityReportsUnresolvedTag(t *testing.T) {
	spec := &TaskSpec{
		Name:     "svc",
		Control:  ControlWait,
		Count:    1,
		Commands: map[string][]interface{}{"start": {"/usr/bin/{missing_tag}"}},
	}
	base := NewContext()
	errs := Sanity(map[string]*TaskSpec{"svc": spec}, base, nil, nil, nil, nil, nil, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "svc")
}

func TestSanityPassesWhenFullyResolved(t *testing.T) {
	spec := &TaskSpec{
		Name:     "svc",
		Control:  ControlWait,
		Count:    1,
		Commands: map[string][]interface{}{"start": {"/usr/bin/sshd", "-D"}},
	}
	base := NewContext()
	errs := Sanity(map[string]*TaskSpec{"svc": spec}, base, nil, nil, nil, nil, nil, nil)
	assert.Empty(t, errs)
}

func TestSanitySkipsOutOfScopeTask(t *testing.T) {
	spec := &TaskSpec{
		Name:     "svc",
		Control:  ControlWait,
		Count:    1,
		Roles:    []string{"special"},
		Commands: map[string][]interface{}{"start": {"/usr/bin/{missing_tag}"}},
	}
	base := NewContext()
	errs := Sanity(map[string]*TaskSpec{"svc": spec}, base, nil, nil, nil, nil, nil, map[string]bool{})
	assert.Empty(t, errs)
}
