// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package virt

import (
	"context"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"
)

// Hypervisor is the interface the plugin uses to manage guests on the z/VM
// host. It is implemented by the zvm driver.
type Hypervisor interface {
	// Start blocks until the hypervisor backend is reachable and the first
	// host status snapshot has been collected.
	Start(ctx context.Context) error

	// Spawn provisions, deploys and powers on a new guest.
	Spawn(ctx context.Context, cfg *guest.Config) error

	// Destroy deletes the named guest.
	Destroy(ctx context.Context, name string) error

	// PowerOn starts the named guest.
	PowerOn(ctx context.Context, name string) error

	// PowerOff stops the named guest.
	PowerOff(ctx context.Context, name string, timeout, retryInterval time.Duration) error

	// ListInstances returns the names of all guests on the host.
	ListInstances(ctx context.Context) ([]string, error)

	// GetAvailableResource collects a fresh host resource snapshot.
	GetAvailableResource(ctx context.Context) (*guest.HostStatusSnapshot, error)

	// GetAvailableNodes reports the hypervisor hostnames known to the driver.
	GetAvailableNodes() []string

	// GetHostUptime returns the host's uptime descriptor.
	GetHostUptime() (string, error)
}

// GuestGetter is a slim interface for retrieving information about a single
// guest, used by task handles.
type GuestGetter interface {
	// GetInstanceInfo reports the effective power state of the guest given
	// the previously observed state.
	GetInstanceInfo(ctx context.Context, name string, prev guest.PowerState) (guest.PowerState, error)

	// GetStats returns the guest's resource counters.
	GetStats(ctx context.Context, name string) (*guest.Stats, error)

	// GetConsoleOutput returns the guest's console log.
	GetConsoleOutput(ctx context.Context, name string) (string, error)
}
