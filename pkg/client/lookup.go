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

package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/protocol"
	"github.com/turtacn/pulsar-go/pkg/transport"
)

// lookup resolves the service URL of the broker owning topic, following
// redirects.
func (cl *Client) lookup(ctx context.Context, topic string) (string, error) {
	url := cl.opts.ServiceURL
	authoritative := false
	for i := 0; i < maxLookupRedirects; i++ {
		c, err := cl.pool.get(ctx, url)
		if err != nil {
			return "", err
		}
		resp, err := c.sendRequest(ctx, &protocol.Frame{
			Type:          protocol.CmdLookup,
			Topic:         topic,
			Authoritative: authoritative,
		})
		if err != nil {
			return "", err
		}

		switch resp.LookupType {
		case protocol.LookupConnect:
			if resp.BrokerURL != "" {
				url = transport.ServiceURL(resp.BrokerURL)
			}
			return url, nil
		case protocol.LookupRedirect:
			if resp.BrokerURL == "" {
				return "", fmt.Errorf("redirect without broker url for %s", topic)
			}
			url = transport.ServiceURL(resp.BrokerURL)
			authoritative = resp.Authoritative
			cl.log.Debug("lookup redirected", zap.String("topic", topic), zap.String("broker", url))
		default:
			return "", fmt.Errorf("unexpected lookup response %q for %s", resp.LookupType, topic)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTooManyRedirects, topic)
}

// Lookup returns the service URL of the broker that owns topic.
func (cl *Client) Lookup(ctx context.Context, topic string) (string, error) {
	if cl.isClosed() {
		return "", ErrClientClosed
	}
	ctx, cancel := context.WithTimeout(ctx, cl.opts.OperationTimeout)
	defer cancel()
	return cl.lookup(ctx, topic)
}
