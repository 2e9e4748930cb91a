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

package modwatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestAddResolvesTransitiveImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.py"), "#!/usr/bin/env python\nimport helper\nimport os\n")
	writeFile(t, filepath.Join(dir, "helper.py"), "from util import thing\n")
	writeFile(t, filepath.Join(dir, "util.py"), "X = 1\n")

	w := New([]string{dir}, nil)
	files, err := w.Add("worker", filepath.Join(dir, "main.py"))
	require.NoError(t, err)

	assert.Len(t, files, 3)
	names := w.NamesFor(map[string]bool{filepath.Join(dir, "util.py"): true})
	assert.Equal(t, []string{filepath.Join(dir, "util.py")}, names["worker"])
}

func TestAddRejectsNonPythonScript(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "run.sh")
	writeFile(t, p, "#!/bin/sh\necho hi\n")

	w := New([]string{dir}, nil)
	_, err := w.Add("worker", p)
	assert.ErrorIs(t, err, ErrNotAnalyzable)
}

func TestExcludedModulesAreNotWatched(t *testing.T) {
	dir := t.TempDir()
	site := filepath.Join(dir, "site-packages")
	require.NoError(t, os.MkdirAll(site, 0755))
	writeFile(t, filepath.Join(dir, "main.py"), "import vendored\n")
	writeFile(t, filepath.Join(site, "vendored.py"), "X = 1\n")

	w := New([]string{dir, site}, []string{"/site-packages/"})
	files, err := w.Add("worker", filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRemoveFreesUnsharedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), "import shared\n")
	writeFile(t, filepath.Join(dir, "shared.py"), "X = 1\n")

	w := New([]string{dir}, nil)
	_, err := w.Add("a", filepath.Join(dir, "a.py"))
	require.NoError(t, err)

	freed := w.Remove("a")
	assert.Contains(t, freed, filepath.Join(dir, "a.py"))
	assert.Contains(t, freed, filepath.Join(dir, "shared.py"))
	assert.Empty(t, w.Files())
}

func TestRemoveKeepsFilesSharedByAnotherName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), "import shared\n")
	writeFile(t, filepath.Join(dir, "b.py"), "import shared\n")
	writeFile(t, filepath.Join(dir, "shared.py"), "X = 1\n")

	w := New([]string{dir}, nil)
	_, err := w.Add("a", filepath.Join(dir, "a.py"))
	require.NoError(t, err)
	_, err = w.Add("b", filepath.Join(dir, "b.py"))
	require.NoError(t, err)

	freed := w.Remove("a")
	assert.NotContains(t, freed, filepath.Join(dir, "shared.py"))
	assert.Contains(t, w.Files(), filepath.Join(dir, "shared.py"))
}

func TestRescanPicksUpNewImport(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.py")
	writeFile(t, main, "import os\n")

	w := New([]string{dir}, nil)
	files, err := w.Add("worker", main)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	writeFile(t, main, "import os\nimport extra\n")
	writeFile(t, filepath.Join(dir, "extra.py"), "X = 1\n")

	files, err = w.Rescan("worker")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
