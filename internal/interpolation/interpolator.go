// Copyright 2025 Flux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package interpolation evaluates ${dotted.path} expressions and rule
// conditions against a nested value context.
//
// An Interpolator is constructed per rule-list evaluation from the run, the
// current execution, and any step output, and is immutable except through
// Merge.
package interpolation

import (
	"fmt"
	"regexp"
	"strings"
)

// expressionPattern matches ${...} occurrences inside subject strings.
var expressionPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolator is a nested value context for parameter interpolation and
// condition evaluation.
type Interpolator struct {
	values    map[string]any
	evaluator *Evaluator
}

// New creates an interpolator over the given context values. A nil map is
// treated as empty. The compiled-expression cache is shared process-wide.
func New(values map[string]any) *Interpolator {
	if values == nil {
		values = make(map[string]any)
	}
	return &Interpolator{values: values, evaluator: defaultEvaluator}
}

// Set assigns a top-level context value.
func (i *Interpolator) Set(key string, value any) {
	i.values[key] = value
}

// Get returns a top-level context value.
func (i *Interpolator) Get(key string) (any, bool) {
	value, ok := i.values[key]
	return value, ok
}

// Values returns the underlying context map.
func (i *Interpolator) Values() map[string]any {
	return i.values
}

// Merge deep-merges a partial context into the interpolator. Nested maps
// merge recursively; all other values overwrite.
func (i *Interpolator) Merge(values map[string]any) {
	i.values = mergeMaps(i.values, values)
}

// Interpolate replaces ${dotted.path} occurrences inside subject. Strings
// containing exactly one expression and nothing else yield the referenced
// value with its native type; other strings get textual substitution. Maps
// and slices are walked recursively. An unresolvable path is an error.
func (i *Interpolator) Interpolate(subject any) (any, error) {
	switch v := subject.(type) {
	case string:
		return i.interpolateString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			interpolated, err := i.Interpolate(value)
			if err != nil {
				return nil, err
			}
			out[key] = interpolated
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for idx, value := range v {
			interpolated, err := i.Interpolate(value)
			if err != nil {
				return nil, err
			}
			out[idx] = interpolated
		}
		return out, nil
	default:
		return subject, nil
	}
}

// InterpolateMap is a convenience wrapper for parameter maps.
func (i *Interpolator) InterpolateMap(subject map[string]any) (map[string]any, error) {
	if subject == nil {
		return nil, nil
	}
	out, err := i.Interpolate(subject)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Evaluate evaluates a rule condition against the context. An empty
// expression evaluates to true.
func (i *Interpolator) Evaluate(expression string) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}

	// ${path} expressions inside conditions are resolved to literals
	// before compilation.
	processed, err := i.preprocess(expression)
	if err != nil {
		return false, err
	}

	return i.evaluator.Evaluate(processed, i.values)
}

func (i *Interpolator) interpolateString(subject string) (any, error) {
	matches := expressionPattern.FindAllStringSubmatchIndex(subject, -1)
	if len(matches) == 0 {
		return subject, nil
	}

	// An exact single-expression subject yields the native value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(subject) {
		path := strings.TrimSpace(subject[matches[0][2]:matches[0][3]])
		return i.resolve(path)
	}

	var resolveErr error
	result := expressionPattern.ReplaceAllStringFunc(subject, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		value, err := i.resolve(path)
		if err != nil {
			resolveErr = err
			return match
		}
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

// preprocess replaces ${path} occurrences in a condition expression with
// expr-lang literals.
func (i *Interpolator) preprocess(expression string) (string, error) {
	var resolveErr error
	result := expressionPattern.ReplaceAllStringFunc(expression, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		value, err := i.resolve(path)
		if err != nil {
			resolveErr = err
			return match
		}
		return valueToLiteral(value)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// resolve navigates a dot-separated path through the context.
func (i *Interpolator) resolve(path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("empty interpolation expression")
	}

	var current any = i.values
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid interpolation path %q: empty segment", path)
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot resolve %q: %q is not a map", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("cannot resolve %q: no value for %q", path, part)
		}
	}
	return current, nil
}

// valueToLiteral converts a resolved value to an expr-lang literal.
func valueToLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// mergeMaps deep-merges src into dst, returning dst. Nested maps merge
// recursively; all other values from src overwrite.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// MergeMaps deep-merges layered parameter maps, later layers winning. The
// inputs are not modified.
func MergeMaps(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		out = mergeMaps(out, copyMap(layer))
	}
	return out
}

func copyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for key, value := range src {
		if nested, ok := value.(map[string]any); ok {
			out[key] = copyMap(nested)
			continue
		}
		out[key] = value
	}
	return out
}
