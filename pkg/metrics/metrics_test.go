// Copyright 2023 The emqx-go Authors
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

package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	assert.NotNil(t, ConnectionsTotal)
	assert.NotNil(t, SupervisorRestartsTotal)
	assert.NotNil(t, LookupRequestsTotal)

	before := testutil.ToFloat64(AdmissionRejectionsTotal.WithLabelValues("lookup"))
	AdmissionRejectionsTotal.WithLabelValues("lookup").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AdmissionRejectionsTotal.WithLabelValues("lookup")))
}

func TestHandler(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	// Trigger the metrics so they appear in the output
	ConnectionsTotal.Inc()
	SupervisorRestartsTotal.WithLabelValues("test-worker").Inc()
	LookupRequestsTotal.WithLabelValues("connect").Inc()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "pulsar_go_connections_total")
	assert.Contains(t, string(body), "pulsar_go_supervisor_restarts_total")
	assert.Contains(t, string(body), `pulsar_go_lookup_requests_total{result="connect"}`)
}

func TestServe_FailureIsFatal(t *testing.T) {
	// Occupy a port so that Serve cannot bind it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	originalLogFatalf := logFatalf
	defer func() { logFatalf = originalLogFatalf }()

	serverErrChan := make(chan error, 1)
	logFatalf = func(format string, v ...interface{}) {
		serverErrChan <- fmt.Errorf(format, v...)
	}

	go Serve(listener.Addr().String(), nil)

	select {
	case err := <-serverErrChan:
		assert.Contains(t, err.Error(), "Metrics server failed")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not report the bind failure")
	}
}
