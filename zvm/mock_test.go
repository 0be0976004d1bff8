// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"
	"encoding/json"
	"sync"
)

type gatewayCall struct {
	op     string
	args   []any
	kwargs map[string]any
}

type gatewayReply struct {
	out json.RawMessage
	err error
}

// mockGateway is a scriptable Gateway. Replies are queued per operation and
// consumed in order, the last reply repeats. Operations without a script
// succeed with a null output.
type mockGateway struct {
	lock    sync.Mutex
	replies map[string][]gatewayReply
	calls   []gatewayCall
}

func newMockGateway() *mockGateway {
	return &mockGateway{replies: map[string][]gatewayReply{}}
}

func (m *mockGateway) respond(op string, out string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.replies[op] = append(m.replies[op], gatewayReply{out: json.RawMessage(out)})
}

func (m *mockGateway) fail(op string, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.replies[op] = append(m.replies[op], gatewayReply{err: err})
}

func (m *mockGateway) Call(_ context.Context, op string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.calls = append(m.calls, gatewayCall{op: op, args: args, kwargs: kwargs})

	queue := m.replies[op]
	if len(queue) == 0 {
		return json.RawMessage("null"), nil
	}

	reply := queue[0]
	if len(queue) > 1 {
		m.replies[op] = queue[1:]
	}

	return reply.out, reply.err
}

func (m *mockGateway) callCount(op string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	count := 0
	for _, call := range m.calls {
		if call.op == op {
			count++
		}
	}
	return count
}

func (m *mockGateway) totalCalls() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.calls)
}

// opSequence returns the order in which operations were invoked.
func (m *mockGateway) opSequence() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	ops := make([]string, len(m.calls))
	for i, call := range m.calls {
		ops[i] = call.op
	}
	return ops
}
