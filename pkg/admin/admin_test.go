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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/pulsar-go/pkg/broker"
	"github.com/turtacn/pulsar-go/pkg/cluster"
	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/monitor"
	"github.com/turtacn/pulsar-go/pkg/storage"
	"github.com/turtacn/pulsar-go/pkg/storage/messages"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

type staticPeers []cluster.PeerStatus

func (p staticPeers) Peers() []cluster.PeerStatus { return p }

func startBroker(t *testing.T) *broker.Broker {
	cfg := config.DefaultConfig().Broker
	cfg.NodeID = "broker-a"
	cfg.ServiceAddr = "broker-a:6650"
	cfg.AdvertisedAddr = "broker-a:6650"
	cfg.GRPCAddr = ""

	ledgers, err := messages.NewMessageStorage(nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledgers.Close() })

	ctx := context.Background()
	b, err := broker.New(ctx, cfg, storage.NewMemStore(), ledgers, nil)
	require.NoError(t, err)
	ln, err := transport.NewMemNetwork().Listen(cfg.ServiceAddr)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, ln))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func newTestServer(t *testing.T, b *broker.Broker, health *monitor.HealthChecker, peers PeerLister) *httptest.Server {
	srv := httptest.NewServer(NewAPIServer(b, health, peers, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	body   APIResponse
	raw    string
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) response {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{status: resp.StatusCode, raw: string(raw)}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out.body))
	}
	return out
}

func TestAPI_HealthFollowsBrokerState(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)

	resp := call(t, srv, http.MethodGet, "/admin/v2/brokers/health", "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, 0, resp.body.Code)

	resp = call(t, srv, http.MethodPost, "/admin/v2/brokers/disable", "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.True(t, b.IsDisabled())

	resp = call(t, srv, http.MethodGet, "/admin/v2/brokers/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Contains(t, resp.body.Message, "disabled")
}

func TestAPI_HealthWithChecker(t *testing.T) {
	b := startBroker(t)
	hc := monitor.NewHealthChecker(b.NodeID(), "test", nil)
	hc.RegisterCheck("broker", b.CheckHealth, true)
	srv := newTestServer(t, b, hc, nil)

	resp := call(t, srv, http.MethodGet, "/admin/v2/brokers/health", "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, `"broker"`)

	require.NoError(t, b.Disable(context.Background()))
	resp = call(t, srv, http.MethodGet, "/admin/v2/brokers/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Contains(t, resp.raw, `"unhealthy"`)
}

func TestAPI_DynamicConfiguration(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)

	resp := call(t, srv, http.MethodPost, "/admin/v2/brokers/configuration/maxConcurrentLookupRequest/7", "")
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, 7, b.DynamicConfig().MaxConcurrentLookupRequest)
	assert.Equal(t, 7, b.Admission().LookupGate().Capacity())

	resp = call(t, srv, http.MethodPost, "/admin/v2/brokers/configuration/loadManagerClassName/Nope", "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, config.LoadManagerHRW, b.DynamicConfig().LoadManagerClassName)

	resp = call(t, srv, http.MethodGet, "/admin/v2/brokers/configuration", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, `"maxConcurrentLookupRequest":"7"`)
	assert.Contains(t, resp.raw, `"overrides":{"maxConcurrentLookupRequest":"7"}`)
}

func TestAPI_Retention(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)

	resp := call(t, srv, http.MethodGet, "/admin/v2/namespaces/public/default/retention", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, `"retentionTimeInMinutes":0`)

	resp = call(t, srv, http.MethodPost, "/admin/v2/namespaces/public/default/retention",
		`{"retentionTimeInMinutes":60,"retentionSizeInMB":512}`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)

	rp, err := b.Namespaces().Retention(context.Background(), "public/default")
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, 60, rp.RetentionTimeInMinutes)
	assert.Equal(t, int64(512), rp.RetentionSizeInMB)

	resp = call(t, srv, http.MethodPost, "/admin/v2/namespaces/public/default/retention", `{"retentionSizeInMB":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = call(t, srv, http.MethodPost, "/admin/v2/namespaces/public/default/retention", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAPI_CursorAndSubscriptions(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)
	base := "/admin/v2/persistent/public/default/orders"

	resp := call(t, srv, http.MethodGet, base+"/subscriptions", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, []interface{}{}, resp.body.Data)

	resp = call(t, srv, http.MethodPost, base+"/subscription/audit/resetcursor/0", "")
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = call(t, srv, http.MethodPost, base+"/subscription/audit/resetcursor/-5", "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
	resp = call(t, srv, http.MethodPost, base+"/subscription/audit/resetcursor/yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = call(t, srv, http.MethodGet, base+"/subscription/audit/stats", "")
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestAPI_Unload(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)
	ctx := context.Background()

	topic := "persistent://public/default/orders"
	_, err := b.Namespaces().Lookup(ctx, topic, true)
	require.NoError(t, err)
	_, bnd, err := b.Namespaces().BundleOf(topic)
	require.NoError(t, err)

	resp := call(t, srv, http.MethodGet, "/admin/v2/brokers/ownedBundles", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, bnd.String())

	path := "/admin/v2/namespaces/" + bnd.String() + "/unload"
	resp = call(t, srv, http.MethodPut, path, "")
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.NotContains(t, b.OwnedBundles(), bnd.String())

	// Nobody owns it any more.
	resp = call(t, srv, http.MethodPut, path, "")
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = call(t, srv, http.MethodPut, "/admin/v2/namespaces/public/default/not-a-range/unload", "")
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestAPI_PeersAndMetrics(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, staticPeers{{ID: "b", Address: "b:8081", Healthy: true}})

	resp := call(t, srv, http.MethodGet, "/admin/v2/brokers/peers", "")
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, `"address":"b:8081"`)

	resp = call(t, srv, http.MethodGet, "/admin/v2/brokers/connections", "")
	assert.Equal(t, http.StatusOK, resp.status)

	resp = call(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.raw, "pulsar_go_")
}

func TestClient(t *testing.T) {
	b := startBroker(t)
	srv := newTestServer(t, b, nil, nil)
	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	topic := "persistent://public/default/orders"
	_, err := b.Namespaces().Lookup(ctx, topic, true)
	require.NoError(t, err)
	_, bnd, err := b.Namespaces().BundleOf(topic)
	require.NoError(t, err)

	owned, err := c.OwnedBundles(ctx)
	require.NoError(t, err)
	assert.Contains(t, owned, bnd.String())

	require.NoError(t, c.UpdateConfiguration(ctx, config.KeyMaxConcurrentTopicLoadRequest, "3"))
	assert.Equal(t, 3, b.DynamicConfig().MaxConcurrentTopicLoadRequest)

	err = c.ResetCursor(ctx, topic, "missing", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	require.NoError(t, c.Unload(ctx, bnd.String()))
	assert.Empty(t, b.OwnedBundles())

	_, err = c.OwnedBundles(ctx)
	assert.NoError(t, err)
}
