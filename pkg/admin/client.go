// Copyright 2022 The emqx-go Authors
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


package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/turtacn/pulsar-go/pkg/naming"
)

// Client calls the admin API of a broker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the admin API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Unload unloads a bundle given as "tenant/namespace/range".
func (c *Client) Unload(ctx context.Context, bundleName string) error {
	return c.do(ctx, http.MethodPut, "/admin/v2/namespaces/"+bundleName+"/unload", nil)
}

// ResetCursor resets a subscription of topic to timestamp (unix ms).
func (c *Client) ResetCursor(ctx context.Context, topic, subscription string, timestamp int64) error {
	tn, err := naming.ParseTopic(topic)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/admin/v2/persistent/%s/%s/subscription/%s/resetcursor/%s",
		tn.Namespace, tn.Local, subscription, strconv.FormatInt(timestamp, 10))
	return c.do(ctx, http.MethodPost, path, nil)
}

// OwnedBundles lists the bundles served by the broker.
func (c *Client) OwnedBundles(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/admin/v2/brokers/ownedBundles", &out)
	return out, err
}

// UpdateConfiguration changes a dynamic setting.
func (c *Client) UpdateConfiguration(ctx context.Context, key, value string) error {
	return c.do(ctx, http.MethodPost, "/admin/v2/brokers/configuration/"+key+"/"+value, nil)
}

// APIError is a non-2xx admin answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    jsoniter.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
