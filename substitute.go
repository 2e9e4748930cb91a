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
	"regexp"
)

var tagRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteString performs recursive tag replacement of "{identifier}"
// occurrences against ctx, to a fixpoint (§4.4). If a tag can't be
// resolved, the partial result from the last successful round is kept
// and ok is false -- the caller logs a warning rather than failing the
// whole string, preventing cascading failure from one missing key.
func SubstituteString(s string, ctx *Context) (result string, ok bool) {
	cur := s
	ok = true
	for i := 0; i < 64; i++ { // bound iterations against pathological input
		missing := false
		next := tagRe.ReplaceAllStringFunc(cur, func(tag string) string {
			key := tag[1 : len(tag)-1]
			if v, found := ctx.Get(key); found {
				return v
			}
			missing = true
			return tag
		})
		if next == cur {
			// fixpoint reached
			if missing {
				ok = false
			}
			return next, ok
		}
		cur = next
	}
	return cur, false
}

// ExpandArgv resolves an argv template -- a list whose elements are
// scalars, nested lists, or single-entry maps {KEY: V} denoting
// conditional splicing (§4.4 "Conditional list expansion") -- into a
// flat argv, recursively resolving each retained element's string
// content via SubstituteString.
func ExpandArgv(template []interface{}, ctx *Context) ([]string, []error) {
	var argv []string
	var errs []error
	for _, elem := range template {
		vs, es := expandElement(elem, ctx)
		argv = append(argv, vs...)
		errs = append(errs, es...)
	}
	return argv, errs
}

func expandElement(elem interface{}, ctx *Context) ([]string, []error) {
	switch v := elem.(type) {
	case string:
		s, ok := SubstituteString(v, ctx)
		if !ok {
			return []string{s}, []error{fmt.Errorf("%w: %q", ErrUnresolvedTag, v)}
		}
		return []string{s}, nil
	case []interface{}:
		return ExpandArgv(v, ctx)
	case map[string]interface{}:
		if len(v) != 1 {
			return nil, []error{fmt.Errorf("conditional element must have exactly one key, got %d", len(v))}
		}
		for key, val := range v {
			if !ctx.Truthy(key) {
				return nil, nil
			}
			return expandElement(val, ctx)
		}
	case map[interface{}]interface{}:
		// yaml.v3 can decode untyped maps this way in older configurations
		if len(v) != 1 {
			return nil, []error{fmt.Errorf("conditional element must have exactly one key, got %d", len(v))}
		}
		for key, val := range v {
			ks := fmt.Sprintf("%v", key)
			if !ctx.Truthy(ks) {
				return nil, nil
			}
			return expandElement(val, ctx)
		}
	case nil:
		return nil, nil
	default:
		return []string{fmt.Sprintf("%v", v)}, nil
	}
	return nil, nil
}
