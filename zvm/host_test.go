// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"
	"testing"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

const hostInfoPayload = `{
  "vcpus": 10,
  "vcpus_used": 6,
  "cpu_info": {"architecture": "s390x", "cec_model": "2827"},
  "disk_total": 406105,
  "disk_used": 367263,
  "disk_available": 38842,
  "memory_mb": 876544,
  "memory_mb_used": 111500,
  "hypervisor_type": "zvm",
  "hypervisor_version": 640,
  "hypervisor_hostname": "opnstk2",
  "ipl_time": "IPL at 03/13/14 21:43:12 EDT"
}`

func newTestDriver(t *testing.T, gw Gateway, cfg Config) *Driver {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}

	return New(hclog.NewNullLogger(), cfg, WithGateway(gw))
}

func TestDriver_RefreshHostStatus(t *testing.T) {
	gw := newMockGateway()
	gw.respond("host_get_info", hostInfoPayload)

	d := newTestDriver(t, gw, Config{})

	// Before the first refresh there is nothing cached.
	_, err := d.GetHostUptime()
	must.ErrorIs(t, err, ErrNoHostStatus)
	must.Len(t, 0, d.GetAvailableNodes())

	snapshot, err := d.RefreshHostStatus(context.Background())
	must.NoError(t, err)

	must.Eq(t, 10, snapshot.VCPUsTotal)
	must.Eq(t, 6, snapshot.VCPUsUsed)
	must.Eq(t, 876544, snapshot.MemoryTotalMB)
	must.Eq(t, 876544-111500, snapshot.MemoryFreeMB)
	must.Eq(t, snapshot.MemoryTotalMB-snapshot.MemoryFreeMB, snapshot.MemoryUsedMB)
	must.Eq(t, 406105, snapshot.DiskTotalMB)
	must.Eq(t, 367263, snapshot.DiskUsedMB)
	must.Eq(t, 38842, snapshot.DiskAvailableMB)
	must.Eq(t, "zvm", snapshot.HypervisorType)
	must.Eq(t, 640, snapshot.HypervisorVersion)
	must.Eq(t, "opnstk2", snapshot.HypervisorHostname)
	must.Eq(t, "IPL at 03/13/14 21:43:12 EDT", snapshot.UptimeDescriptor)
	must.StrContains(t, snapshot.CPUInfo, `"architecture"`)
	must.Eq(t, guest.SupportedInstances(), snapshot.SupportedInstances)

	// The refresh replaces the cached snapshot.
	uptime, err := d.GetHostUptime()
	must.NoError(t, err)
	must.Eq(t, "IPL at 03/13/14 21:43:12 EDT", uptime)
	must.Eq(t, []string{"opnstk2"}, d.GetAvailableNodes())
}

func TestDriver_RefreshHostStatus_negativeMemory(t *testing.T) {
	gw := newMockGateway()
	gw.respond("host_get_info", `{"memory_mb": 2048, "memory_mb_used": 3000}`)

	d := newTestDriver(t, gw, Config{})

	snapshot, err := d.RefreshHostStatus(context.Background())
	must.NoError(t, err)

	// Used beyond total is an upstream inconsistency, it must be surfaced
	// exactly and never clamped.
	must.Eq(t, -952, snapshot.MemoryFreeMB)
	must.Eq(t, 3000, snapshot.MemoryUsedMB)
	must.Eq(t, snapshot.MemoryTotalMB-snapshot.MemoryFreeMB, snapshot.MemoryUsedMB)
}

func TestDriver_RefreshHostStatus_gatewayFailure(t *testing.T) {
	gw := newMockGateway()
	gw.fail("host_get_info", &RemoteCallError{Op: "host_get_info", Code: 300, Message: "busy"})

	d := newTestDriver(t, gw, Config{})

	_, err := d.RefreshHostStatus(context.Background())
	must.Error(t, err)
	must.True(t, IsGatewayError(err))
}

func TestMappingPowerState(t *testing.T) {
	testCases := []struct {
		token    string
		expected guest.PowerState
	}{
		{token: "on", expected: guest.PowerStateRunning},
		{token: "off", expected: guest.PowerStateShutdown},
		{token: "paused", expected: guest.PowerStateNoState},
		{token: "anything-else", expected: guest.PowerStateNoState},
		{token: "", expected: guest.PowerStateNoState},
	}

	for _, tc := range testCases {
		t.Run(tc.token, func(t *testing.T) {
			must.Eq(t, tc.expected, MappingPowerState(tc.token))
		})
	}
}

func TestEffectivePowerState(t *testing.T) {
	testCases := []struct {
		name     string
		prev     guest.PowerState
		raw      guest.PowerState
		expected guest.PowerState
	}{
		{
			name:     "pause sticks across a running refresh",
			prev:     guest.PowerStatePaused,
			raw:      guest.PowerStateRunning,
			expected: guest.PowerStatePaused,
		},
		{
			name:     "running stays running",
			prev:     guest.PowerStateRunning,
			raw:      guest.PowerStateRunning,
			expected: guest.PowerStateRunning,
		},
		{
			name:     "shutdown is not overridden",
			prev:     guest.PowerStatePaused,
			raw:      guest.PowerStateShutdown,
			expected: guest.PowerStateShutdown,
		},
		{
			name:     "no previous state",
			prev:     guest.PowerStateNoState,
			raw:      guest.PowerStateRunning,
			expected: guest.PowerStateRunning,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.expected, EffectivePowerState(tc.prev, tc.raw))
		})
	}
}
