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

// Package directory resolves request participants through the external
// subject directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/pkg/errors"
)

// Client talks to the subject directory over HTTP.
type Client struct {
	base   string
	client *http.Client
}

// New creates a directory client for the given base URL.
func New(baseURL string, client *http.Client) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), client: client}
}

// GetSubject resolves a subject id to its name and email. An unknown id is
// rejected with the invalid-subject token.
func (c *Client) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/subjects/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Operation(errors.TokenInvalidSubject)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("directory returned status %d for subject %s", resp.StatusCode, id)
	}

	var subject model.Subject
	if err := json.NewDecoder(resp.Body).Decode(&subject); err != nil {
		return nil, fmt.Errorf("failed to decode subject: %w", err)
	}
	return &subject, nil
}
