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

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/errors"
)

func TestProcess_Scalars(t *testing.T) {
	tests := []struct {
		name    string
		field   *Field
		value   any
		want    any
		wantErr bool
	}{
		{
			name:  "text accepts string",
			field: &Field{Type: Text},
			value: "hello",
			want:  "hello",
		},
		{
			name:    "text rejects number",
			field:   &Field{Type: Text},
			value:   5,
			wantErr: true,
		},
		{
			name:  "integer accepts whole float (json decoding)",
			field: &Field{Type: Integer},
			value: float64(5),
			want:  5,
		},
		{
			name:    "integer rejects fraction",
			field:   &Field{Type: Integer},
			value:   5.5,
			wantErr: true,
		},
		{
			name:  "boolean accepts bool",
			field: &Field{Type: Boolean},
			value: true,
			want:  true,
		},
		{
			name:  "uuid accepts canonical form",
			field: &Field{Type: UUID},
			value: "4be2ad23-c0d7-4b14-9327-a3cd28baa331",
			want:  "4be2ad23-c0d7-4b14-9327-a3cd28baa331",
		},
		{
			name:    "uuid rejects garbage",
			field:   &Field{Type: UUID},
			value:   "not-a-uuid",
			wantErr: true,
		},
		{
			name:  "any passes through",
			field: &Field{Type: Any},
			value: map[string]any{"k": 1},
			want:  map[string]any{"k": 1},
		},
		{
			name:  "nil passes through",
			field: &Field{Type: Text},
			value: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.Process(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcess_Structure(t *testing.T) {
	field := NewStructure(map[string]*Field{
		"target":  {Type: Text, Required: true},
		"retries": {Type: Integer, Default: 3},
		"extra":   {Type: Text},
	})

	t.Run("applies defaults", func(t *testing.T) {
		got, err := field.Process(map[string]any{"target": "production"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"target": "production", "retries": 3}, got)
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := field.Process(map[string]any{"retries": 1})
		require.Error(t, err)

		var ve *errors.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "target", ve.Field)
	})

	t.Run("unknown members pass through", func(t *testing.T) {
		got, err := field.Process(map[string]any{"target": "qa", "custom": true})
		require.NoError(t, err)
		assert.Equal(t, true, got.(map[string]any)["custom"])
	})

	t.Run("nested path in error", func(t *testing.T) {
		nested := NewStructure(map[string]*Field{
			"inner": NewStructure(map[string]*Field{
				"count": {Type: Integer},
			}),
		})
		_, err := nested.Process(map[string]any{
			"inner": map[string]any{"count": "three"},
		})
		require.Error(t, err)

		var ve *errors.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "inner.count", ve.Field)
	})
}

func TestProcess_Collections(t *testing.T) {
	t.Run("sequence coerces items", func(t *testing.T) {
		field := &Field{Type: Sequence, Item: &Field{Type: Integer}}
		got, err := field.Process([]any{float64(1), float64(2)})
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2}, got)
	})

	t.Run("map coerces values", func(t *testing.T) {
		field := &Field{Type: Map, Value: &Field{Type: Text}}
		got, err := field.Process(map[string]any{"a": "x"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "x"}, got)
	})

	t.Run("untyped map passes through", func(t *testing.T) {
		field := &Field{Type: Map}
		got, err := field.Process(map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1}, got)
	})
}
