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

// Package schema provides typed field descriptors for workflow parameter
// schemas, operation input schemas and request form generation.
//
// A Field describes one typed value; structure fields describe a named map
// of fields and are the usual top-level shape for a schema.
package schema

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/pkg/errors"
)

// Field kinds.
const (
	Text      = "text"
	TextArea  = "textarea"
	Token     = "token"
	Integer   = "integer"
	Float     = "float"
	Boolean   = "boolean"
	DateTime  = "datetime"
	UUID      = "uuid"
	Map       = "map"
	Sequence  = "sequence"
	Structure = "structure"
	Any       = "field"
)

// Field is a typed value descriptor.
type Field struct {
	// Type is the field kind; one of the kind constants above.
	Type string `yaml:"fieldtype" json:"fieldtype"`

	// Description explains what this field is for.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Required marks the field as mandatory inside a structure.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default provides a fallback value inside a structure.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Structure holds the named member fields of a structure field.
	Structure map[string]*Field `yaml:"structure,omitempty" json:"structure,omitempty"`

	// Item describes the element type of a sequence field.
	Item *Field `yaml:"item,omitempty" json:"item,omitempty"`

	// Value describes the value type of a map field (keys are text).
	Value *Field `yaml:"value,omitempty" json:"value,omitempty"`

	// Source names the external entity source backing a uuid field.
	// UI gridselectors resolve candidate entities against it.
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// NewStructure builds a structure field over the given members.
func NewStructure(members map[string]*Field) *Field {
	return &Field{Type: Structure, Structure: members}
}

// Process validates and coerces a value against the field. Nil values pass
// through untouched; structure members apply defaults and required checks.
func (f *Field) Process(value any) (any, error) {
	return f.process(value, "")
}

func (f *Field) process(value any, path string) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch f.Type {
	case Text, TextArea, Token:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(path, "expected text, got %T", value)
		}
		return s, nil

	case Integer:
		return coerceInteger(value, path)

	case Float:
		return coerceFloat(value, path)

	case Boolean:
		b, ok := value.(bool)
		if !ok {
			return nil, invalid(path, "expected boolean, got %T", value)
		}
		return b, nil

	case DateTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, invalid(path, "expected RFC 3339 timestamp: %s", err)
			}
			return ts, nil
		default:
			return nil, invalid(path, "expected timestamp, got %T", value)
		}

	case UUID:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(path, "expected uuid, got %T", value)
		}
		if _, err := uuid.Parse(s); err != nil {
			return nil, invalid(path, "malformed uuid %q", s)
		}
		return s, nil

	case Map:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, invalid(path, "expected map, got %T", value)
		}
		if f.Value == nil {
			return m, nil
		}
		out := make(map[string]any, len(m))
		for key, member := range m {
			processed, err := f.Value.process(member, join(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = processed
		}
		return out, nil

	case Sequence:
		s, ok := value.([]any)
		if !ok {
			return nil, invalid(path, "expected sequence, got %T", value)
		}
		if f.Item == nil {
			return s, nil
		}
		out := make([]any, len(s))
		for idx, member := range s {
			processed, err := f.Item.process(member, join(path, strconv.Itoa(idx)))
			if err != nil {
				return nil, err
			}
			out[idx] = processed
		}
		return out, nil

	case Structure:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, invalid(path, "expected structure, got %T", value)
		}
		return f.processStructure(m, path)

	case Any, "":
		return value, nil

	default:
		return nil, invalid(path, "unknown field type %q", f.Type)
	}
}

func (f *Field) processStructure(value map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(value))
	for key, member := range value {
		field, ok := f.Structure[key]
		if !ok {
			// Unknown members pass through; operations may accept
			// parameters beyond their declared schema.
			out[key] = member
			continue
		}
		processed, err := field.process(member, join(path, key))
		if err != nil {
			return nil, err
		}
		out[key] = processed
	}

	for key, field := range f.Structure {
		if _, present := out[key]; present {
			continue
		}
		if field.Default != nil {
			out[key] = field.Default
			continue
		}
		if field.Required {
			return nil, invalid(join(path, key), "required field missing")
		}
	}

	return out, nil
}

// Interpolate replaces ${dotted.path} expressions inside subject using the
// given interpolator, then coerces the result against the field.
func (f *Field) Interpolate(subject any, in Interpolator) (any, error) {
	interpolated, err := in.Interpolate(subject)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return interpolated, nil
	}
	return f.Process(interpolated)
}

// Interpolator is the subset of the interpolation context a field needs.
type Interpolator interface {
	Interpolate(subject any) (any, error)
}

func coerceInteger(value any, path string) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, invalid(path, "expected integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, invalid(path, "expected integer, got %T", value)
	}
}

func coerceFloat(value any, path string) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, invalid(path, "expected float, got %T", value)
	}
}

func invalid(path, format string, args ...any) error {
	return &errors.ValidationError{
		Field:   path,
		Message: fmt.Sprintf(format, args...),
	}
}

func join(path, segment string) string {
	if path == "" {
		return segment
	}
	return path + "." + segment
}
