// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

func newTestWaiter(gw Gateway, timeout time.Duration) *ReadinessWaiter {
	return NewReadinessWaiter(gw, hclog.NewNullLogger(), time.Millisecond, timeout)
}

func TestReadinessWaiter_converges(t *testing.T) {
	gw := newMockGateway()

	// The vswitch mapping grows in over four rounds: missing, unresolved,
	// resolved but not coupled, coupled.
	gw.respond("guest_get_nic_vswitch_info", `{}`)
	gw.respond("guest_get_nic_vswitch_info", `{"1000": ""}`)
	gw.respond("guest_get_nic_vswitch_info", `{"1000": "XCATVSW2"}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": false}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": true}`)

	w := newTestWaiter(gw, time.Minute)

	must.NoError(t, w.Wait(context.Background(), "test0001"))

	// One definition query per round once the mapping is resolved, the loop
	// terminates on the first fully coupled round.
	must.Eq(t, 4, gw.callCount("guest_get_nic_vswitch_info"))
	must.Eq(t, 2, gw.callCount("guest_get_definition_info"))
}

func TestReadinessWaiter_shortCircuitsOnFirstUncoupledNIC(t *testing.T) {
	gw := newMockGateway()

	gw.respond("guest_get_nic_vswitch_info", `{"1000": "VSW1", "2000": "VSW2"}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": false}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": true}`)

	w := newTestWaiter(gw, time.Minute)

	must.NoError(t, w.Wait(context.Background(), "test0001"))

	// Round one stops at the first uncoupled NIC, round two checks both.
	must.Eq(t, 3, gw.callCount("guest_get_definition_info"))
}

func TestReadinessWaiter_deadlineBeatsConvergence(t *testing.T) {
	gw := newMockGateway()
	gw.respond("guest_get_nic_vswitch_info", `{"1000": "XCATVSW2"}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": true}`)

	w := newTestWaiter(gw, 10*time.Millisecond)

	// Freeze the clock past the deadline. The very first tick would have
	// converged, the deadline check still wins.
	base := time.Now()
	times := []time.Time{base, base.Add(11 * time.Millisecond)}
	w.now = func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}

	err := w.Wait(context.Background(), "test0001")
	must.ErrorIs(t, err, ErrNetworkTimeout)

	// The deadline is evaluated before the poll is issued.
	must.Eq(t, 0, gw.callCount("guest_get_nic_vswitch_info"))
}

func TestReadinessWaiter_zeroTimeoutNeverExpires(t *testing.T) {
	gw := newMockGateway()

	// A long stretch of not-ready rounds before convergence.
	for i := 0; i < 50; i++ {
		gw.respond("guest_get_nic_vswitch_info", `{}`)
	}
	gw.respond("guest_get_nic_vswitch_info", `{"1000": "XCATVSW2"}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": true}`)

	w := newTestWaiter(gw, 0)

	must.NoError(t, w.Wait(context.Background(), "test0001"))
	must.Eq(t, 51, gw.callCount("guest_get_nic_vswitch_info"))
}

func TestReadinessWaiter_swallowsGatewayErrors(t *testing.T) {
	gw := newMockGateway()

	gw.fail("guest_get_nic_vswitch_info",
		&RemoteCallError{Op: "guest_get_nic_vswitch_info", Code: 300, Message: "busy"})
	gw.respond("guest_get_nic_vswitch_info", `{"1000": "XCATVSW2"}`)
	gw.respond("guest_get_definition_info", `{"nic_coupled": true}`)

	w := newTestWaiter(gw, time.Minute)

	// The failed round counts as one more not-ready round.
	must.NoError(t, w.Wait(context.Background(), "test0001"))
	must.Eq(t, 2, gw.callCount("guest_get_nic_vswitch_info"))
}

func TestReadinessWaiter_propagatesUnknownErrors(t *testing.T) {
	gw := newMockGateway()

	bugErr := errors.New("this is a bug, not a gateway hiccup")
	gw.fail("guest_get_nic_vswitch_info", bugErr)

	w := newTestWaiter(gw, time.Minute)

	err := w.Wait(context.Background(), "test0001")
	must.ErrorIs(t, err, bugErr)
}

func TestReadinessWaiter_cancellation(t *testing.T) {
	gw := newMockGateway()
	gw.respond("guest_get_nic_vswitch_info", `{}`)

	w := newTestWaiter(gw, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.Wait(ctx, "test0001")
	must.ErrorIs(t, err, context.Canceled)
}
