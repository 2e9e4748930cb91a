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

// Package modwatch implements the ModuleWatcher component (spec
// §4.3): given a script path and a module search path, it computes the
// transitive closure of source files the script statically imports and
// registers that set with a watch.Watcher. Only Python scripts are
// analyzable; anything else fails soft with ErrNotAnalyzable so the
// config loader can reject such events entries up front.
package modwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNotAnalyzable is returned when the target is not a script this
// package knows how to scan for imports -- currently anything that
// isn't Python source. It is kept distinct from I/O errors so callers
// (the config loader) can reject events:[{type: "python"}] entries at
// load time rather than treat it as a transient failure.
var ErrNotAnalyzable = errors.New("modwatch: not analyzable")

var (
	importRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z_][\w.]*(?:\s*,\s*[A-Za-z_][\w.]*)*)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	shebangRe    = regexp.MustCompile(`^#!.*python`)
)

// Watch tracks, for one script, the set of files it statically imports
// and their mapping back to the watched names that depend on them --
// the inverted index taskforce's watch_modules.py builds in self.modules.
type Watch struct {
	ModulePath []string
	Exclude    []string

	names   map[string]string   // name -> resolved script path
	modules map[string][]string // file path -> dependent names
}

// New returns an empty Watch. modulePath is consulted, in order, to
// resolve bare "import foo" statements to files; exclude is a list of
// substring markers (an interpreter prefix, for example) whose files are
// never added to the watch set, in addition to any path containing
// /site-packages/ or /dist-packages/.
func New(modulePath []string, exclude []string) *Watch {
	return &Watch{
		ModulePath: modulePath,
		Exclude:    exclude,
		names:      make(map[string]string),
		modules:    make(map[string][]string),
	}
}

// isPythonScript answers whether path looks like a script this package
// can analyze: a ".py" suffix, or a shebang line naming python.
func isPythonScript(path string) bool {
	if strings.HasSuffix(path, ".py") {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	return shebangRe.Match(buf[:n])
}

func (w *Watch) excluded(path string) bool {
	if strings.Contains(path, "/site-packages/") || strings.Contains(path, "/dist-packages/") {
		return true
	}
	for _, ex := range w.Exclude {
		if strings.Contains(path, ex) {
			return true
		}
	}
	return false
}

// resolve finds the file backing a dotted module name by walking the
// search path, the way CPython's import machinery would for a
// same-package script -- package directories are matched via
// __init__.py, plain modules via a .py suffix.
func (w *Watch) resolve(modname string) (string, bool) {
	rel := strings.ReplaceAll(modname, ".", string(filepath.Separator))
	for _, dir := range w.ModulePath {
		candidate := filepath.Join(dir, rel+".py")
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return realpath(candidate), true
		}
		pkgInit := filepath.Join(dir, rel, "__init__.py")
		if st, err := os.Stat(pkgInit); err == nil && !st.IsDir() {
			return realpath(pkgInit), true
		}
	}
	return "", false
}

func realpath(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		return p
	}
	return path
}

// scanImports extracts the set of full dotted module names a script
// statically imports. This is a static-text scan, not a real parser --
// it matches the subset of import forms the original modulefinder-based
// watcher actually exercised: "import a, b.c" and "from a.b import c".
func scanImports(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mods := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		if m := importRe.FindStringSubmatch(line); m != nil {
			for _, item := range strings.Split(m[1], ",") {
				item = strings.TrimSpace(item)
				if as := strings.Index(item, " as "); as >= 0 {
					item = item[:as]
				}
				mods[strings.TrimSpace(item)] = true
			}
			continue
		}
		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			mods[m[1]] = true
		}
	}
	return mods, nil
}

// Add registers name as depending on the script at commandPath (or, if
// empty, on name interpreted as a path), resolves the script's
// transitive import closure within ModulePath, and returns the full set
// of files now being watched on its behalf. It returns ErrNotAnalyzable
// if commandPath is not a Python script.
func (w *Watch) Add(name, commandPath string) ([]string, error) {
	if commandPath == "" {
		commandPath = name
	}
	commandPath = realpath(commandPath)
	if !isPythonScript(commandPath) {
		return nil, fmt.Errorf("%s: %w", commandPath, ErrNotAnalyzable)
	}

	if _, ok := w.names[name]; ok {
		w.Remove(name)
	}
	w.names[name] = commandPath

	seen := map[string]bool{commandPath: true}
	queue := []string{commandPath}
	files := []string{commandPath}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		imports, err := scanImports(cur)
		if err != nil {
			continue
		}
		modNames := make([]string, 0, len(imports))
		for m := range imports {
			modNames = append(modNames, m)
		}
		sort.Strings(modNames)

		for _, modname := range modNames {
			resolved, ok := w.resolve(modname)
			if !ok || w.excluded(resolved) || seen[resolved] {
				continue
			}
			seen[resolved] = true
			files = append(files, resolved)
			queue = append(queue, resolved)
		}
	}

	for _, f := range files {
		w.attach(f, name)
	}
	return files, nil
}

func (w *Watch) attach(path, name string) {
	for _, n := range w.modules[path] {
		if n == name {
			return
		}
	}
	w.modules[path] = append(w.modules[path], name)
}

// Remove drops name and any file references that were only reachable
// through it, returning the files that are no longer watched by
// anything.
func (w *Watch) Remove(name string) []string {
	if _, ok := w.names[name]; !ok {
		return nil
	}
	delete(w.names, name)

	var freed []string
	for path, names := range w.modules {
		kept := names[:0:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(w.modules, path)
			freed = append(freed, path)
		} else {
			w.modules[path] = kept
		}
	}
	sort.Strings(freed)
	return freed
}

// Files returns every file currently tracked across all names, suitable
// for handing to watch.Watcher.Add.
func (w *Watch) Files() []string {
	out := make([]string, 0, len(w.modules))
	for path := range w.modules {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// NamesFor maps a set of changed file paths (as reported by
// watch.Watcher.Drain) back to the watched names affected, mirroring
// watch_modules.py's get().
func (w *Watch) NamesFor(changedPaths map[string]bool) map[string][]string {
	byName := make(map[string][]string)
	for path := range changedPaths {
		for _, name := range w.modules[path] {
			byName[name] = append(byName[name], path)
		}
	}
	for name := range byName {
		sort.Strings(byName[name])
	}
	return byName
}

// Rescan recomputes the import closure for name from scratch -- used
// after the script itself is reported changed, since its import set may
// have changed along with its content.
func (w *Watch) Rescan(name string) ([]string, error) {
	commandPath, ok := w.names[name]
	if !ok {
		return nil, fmt.Errorf("modwatch: %s was never added", name)
	}
	return w.Add(name, commandPath)
}

// ScriptPath returns the resolved script path name was last added or
// rescanned with, letting a caller tell "the script itself changed"
// apart from "one of its imports changed" for the same name.
func (w *Watch) ScriptPath(name string) (string, bool) {
	path, ok := w.names[name]
	return path, ok
}
