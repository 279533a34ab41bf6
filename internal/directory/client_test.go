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

package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/errors"
)

func TestGetSubject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subjects/subject-a" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id": "subject-a", "name": "Ada", "email": "ada@example.com",
		})
	}))
	defer server.Close()

	c := New(server.URL, server.Client())

	subject, err := c.GetSubject(context.Background(), "subject-a")
	require.NoError(t, err)
	assert.Equal(t, "Ada", subject.Name)
	assert.Equal(t, "ada@example.com", subject.Email)

	_, err = c.GetSubject(context.Background(), "missing")
	token, ok := errors.IsOperation(err)
	require.True(t, ok)
	assert.Equal(t, errors.TokenInvalidSubject, token)
}
