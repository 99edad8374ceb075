// SPDX-License-Identifier: Apache-2.0

package respmerge

// GetValue walks root along steps and returns the single value found there.
//
// Missing fields, nil intermediates, non-array values under an indexed step
// and out-of-range positions all yield [Undefined]. A wildcard step has no
// single value and also yields [Undefined]; use [ResolveAll] for wildcards.
func GetValue(root any, steps Path) any {
	cur := root
	for _, s := range steps {
		if isNullish(cur) {
			return Undefined
		}
		cur = child(cur, s.Key)
		if !s.Indexed() {
			continue
		}
		arr, ok := cur.([]any)
		if !ok || s.IsWildcard() {
			return Undefined
		}
		cur = element(arr, s.Index)
	}
	return cur
}

// GetValuesByPath parses path and resolves it with [ResolveAll].
func GetValuesByPath(root any, path string) []any {
	return ResolveAll(root, ParsePath(path))
}

// ResolveAll returns every value reached by walking root along steps.
//
// A wildcard step continues the walk down each element of the array in
// order and concatenates the results. Branches that hit a nil node or a
// missing or non-array value under an indexed step contribute nothing.
// A walk that consumes all steps contributes the value it reached, which
// is [Undefined] when the last field is absent.
func ResolveAll(root any, steps Path) []any {
	var out []any
	resolve(root, steps, &out)
	return out
}

func resolve(cur any, steps Path, out *[]any) {
	if len(steps) == 0 {
		*out = append(*out, cur)
		return
	}
	if isNullish(cur) {
		return
	}
	s, rest := steps[0], steps[1:]
	next := child(cur, s.Key)
	if !s.Indexed() {
		resolve(next, rest, out)
		return
	}
	arr, ok := next.([]any)
	if !ok {
		return
	}
	if !s.IsWildcard() {
		resolve(element(arr, s.Index), rest, out)
		return
	}
	for _, item := range arr {
		resolve(item, rest, out)
	}
}

// child returns the field key of an object, or Undefined for anything else.
func child(v any, key string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return Undefined
	}
	val, ok := m[key]
	if !ok {
		return Undefined
	}
	return val
}

func element(arr []any, i int) any {
	if i < 0 || i >= len(arr) {
		return Undefined
	}
	return arr[i]
}

// SetValueAtPath writes value into root at steps, creating intermediate
// containers as needed.
//
// Plain steps create objects where the field is absent or not a container.
// An existing array is kept, and since an array has no named fields the
// write stops there. Indexed steps create arrays where the field is absent
// or not an array and pad them with [Undefined] up to the index; an empty
// slot on the way down receives a new object. A wildcard step cannot address
// an element, so the walk stops after making sure the array exists. Empty
// steps or a nil root leave root untouched.
func SetValueAtPath(root map[string]any, steps Path, value any) {
	if root == nil || len(steps) == 0 {
		return
	}
	cur := root
	for i, s := range steps {
		last := i == len(steps)-1

		if !s.Indexed() {
			if last {
				cur[s.Key] = value
				return
			}
			switch next := cur[s.Key].(type) {
			case map[string]any:
				cur = next
			case []any:
				return
			default:
				m := map[string]any{}
				cur[s.Key] = m
				cur = m
			}
			continue
		}

		arr, ok := cur[s.Key].([]any)
		if !ok {
			arr = []any{}
		}
		if s.IsWildcard() {
			cur[s.Key] = arr
			return
		}
		for len(arr) <= s.Index {
			arr = append(arr, Undefined)
		}
		cur[s.Key] = arr
		if last {
			arr[s.Index] = value
			return
		}
		next, ok := arr[s.Index].(map[string]any)
		if !ok {
			next = map[string]any{}
			arr[s.Index] = next
		}
		cur = next
	}
}
