// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"
)

// powerStateTable maps the power tokens the hypervisor reports to the
// normalized power states. Tokens not present here map to NoState.
var powerStateTable = map[string]guest.PowerState{
	"on":  guest.PowerStateRunning,
	"off": guest.PowerStateShutdown,
}

// MappingPowerState translates a hypervisor power token. Unknown tokens never
// fail, they report NoState so an unrecognized state cannot take down status
// reporting.
func MappingPowerState(token string) guest.PowerState {
	if state, ok := powerStateTable[token]; ok {
		return state
	}
	return guest.PowerStateNoState
}

// EffectivePowerState applies the sticky pause rule. The hypervisor cannot
// report pause, it is simulated by the driver, so a refresh that reads Running
// must not clobber a previously observed Paused. The override applies to
// Running only, a transition to Shutdown is reported as is.
func EffectivePowerState(prev, raw guest.PowerState) guest.PowerState {
	if raw == guest.PowerStateRunning && prev == guest.PowerStatePaused {
		return guest.PowerStatePaused
	}
	return raw
}

// buildHostStatusSnapshot translates one host_get_info payload into the
// normalized descriptor. It is total for well formed input: known fields are
// copied as is, memory used is derived by exact subtraction and never clamped,
// cpu_info and ipl_time pass through verbatim.
func buildHostStatusSnapshot(info *hostInfo) *guest.HostStatusSnapshot {
	freeMB := info.MemoryMB - info.MemoryMBUsed

	return &guest.HostStatusSnapshot{
		VCPUsTotal:         info.VCPUs,
		VCPUsUsed:          info.VCPUsUsed,
		MemoryTotalMB:      info.MemoryMB,
		MemoryFreeMB:       freeMB,
		MemoryUsedMB:       info.MemoryMB - freeMB,
		DiskTotalMB:        info.DiskTotal,
		DiskUsedMB:         info.DiskUsed,
		DiskAvailableMB:    info.DiskAvailable,
		CPUInfo:            string(info.CPUInfo),
		HypervisorType:     info.HypervisorType,
		HypervisorVersion:  info.HypervisorVersion,
		HypervisorHostname: info.HypervisorHostname,
		SupportedInstances: guest.SupportedInstances(),
		UptimeDescriptor:   info.IPLTime,
	}
}

// RefreshHostStatus performs one host_get_info round trip and replaces the
// cached snapshot. Gateway failures propagate unchanged, retry policy belongs
// to the caller.
func (d *Driver) RefreshHostStatus(ctx context.Context) (*guest.HostStatusSnapshot, error) {
	d.logger.Debug("refreshing host status")

	info, err := hostGetInfo(ctx, d.gateway)
	if err != nil {
		return nil, err
	}

	snapshot := buildHostStatusSnapshot(info)
	d.hostStatus.Store(snapshot)

	return snapshot, nil
}

// GetAvailableResource returns a fresh host resource descriptor for the
// scheduler. This runs on every fingerprint period.
func (d *Driver) GetAvailableResource(ctx context.Context) (*guest.HostStatusSnapshot, error) {
	return d.RefreshHostStatus(ctx)
}

// GetAvailableNodes reports the hypervisor hostnames known from the last
// collected snapshot. A single driver instance manages a single host.
func (d *Driver) GetAvailableNodes() []string {
	snapshot := d.hostStatus.Load()
	if snapshot == nil || snapshot.HypervisorHostname == "" {
		return nil
	}
	return []string{snapshot.HypervisorHostname}
}

// GetHostUptime returns the verbatim uptime descriptor from the last
// collected snapshot.
func (d *Driver) GetHostUptime() (string, error) {
	snapshot := d.hostStatus.Load()
	if snapshot == nil {
		return "", ErrNoHostStatus
	}
	return snapshot.UptimeDescriptor, nil
}
