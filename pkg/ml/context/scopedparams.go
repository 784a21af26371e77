// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"maps"
	"slices"
	"strings"
)

// scopedParams provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current scopedParams hold:
//
//	Scope: "/": { "x":10, "y": 20, "z": 40 }
//	Scope: "/a": { "y": 30 }
//	Scope: "/a/b": { "x": 100 }
//
//	get("/a/b", "x") -> 100
//	get("/a/b", "y") -> 30
//	get("/a/b", "z") -> 40
//	get("/a/b", "w") -> Not found.
type scopedParams struct {
	scopeToMap map[string]map[string]any
}

func newScopedParams() *scopedParams {
	return &scopedParams{scopeToMap: make(map[string]map[string]any)}
}

// clone returns a deep copy of the params maps (values themselves are not copied).
func (p *scopedParams) clone() *scopedParams {
	newParams := newScopedParams()
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

func (p *scopedParams) set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// scopeChain returns scope and all its parents, from the deepest to the root scope.
func scopeChain(scope string) []string {
	chain := []string{scope}
	for scope != RootScope {
		idx := strings.LastIndex(scope, ScopeSeparator)
		if idx <= 0 {
			scope = RootScope
		} else {
			scope = scope[:idx]
		}
		chain = append(chain, scope)
	}
	return chain
}

// get retrieves the value for the given key in the given scope or any parent scope.
func (p *scopedParams) get(scope, key string) (value any, found bool) {
	for _, s := range scopeChain(scope) {
		if dataMap, ok := p.scopeToMap[s]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
	}
	return nil, false
}

// visible returns all key/values visible from scope: values in deeper scopes shadow the values of
// their parents.
func (p *scopedParams) visible(scope string) map[string]any {
	result := make(map[string]any)
	chain := scopeChain(scope)
	for _, s := range slices.Backward(chain) {
		maps.Copy(result, p.scopeToMap[s])
	}
	return result
}

// enumerate calls fn for every parameter, sorted by scope and key.
func (p *scopedParams) enumerate(fn func(scope, key string, value any)) {
	for _, scope := range slices.Sorted(maps.Keys(p.scopeToMap)) {
		keyValues := p.scopeToMap[scope]
		for _, key := range slices.Sorted(maps.Keys(keyValues)) {
			fn(scope, key, keyValues[key])
		}
	}
}
