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

package broker

// Messages understood by the subscription actor. Requests sent with
// RequestFuture are answered with the type named in their comment.

// addConsumer attaches a consumer. Answered with *addResult.
type addConsumer struct {
	consumer *serverConsumer
}

type addResult struct {
	err error
}

// removeConsumer detaches a consumer and schedules its unacked entries for
// redelivery.
type removeConsumer struct {
	consumer *serverConsumer
}

// flowPermits grants a consumer more entries.
type flowPermits struct {
	consumer *serverConsumer
	permits  uint32
}

// ackEntry acknowledges one ledger entry.
type ackEntry struct {
	consumer *serverConsumer
	entryID  uint64
}

// redeliverUnacked moves everything pending on a consumer back to the
// redelivery set.
type redeliverUnacked struct {
	consumer *serverConsumer
}

// entriesAdded wakes the dispatcher after a publish or a trim.
type entriesAdded struct{}

// activationDue is delivered when the failover delay of a newly active
// consumer has elapsed.
type activationDue struct {
	generation uint64
}

// resetCursor moves the cursor to position. Answered with *resetResult.
type resetCursor struct {
	timestamp int64
	position  uint64
}

type resetResult struct {
	skipped bool
	state   cursorState
}

// closeSubscription disconnects every consumer. Answered with
// *closeResult.
type closeSubscription struct{}

type closeResult struct {
	conns []*serverConn
	state cursorState
}

// statsRequest is answered with SubscriptionStats.
type statsRequest struct{}
