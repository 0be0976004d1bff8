// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/nomad/plugins/drivers"
)

const (
	// MaxNameLength is the z/VM user ID limit. Guest names longer than this
	// cannot be created on the hypervisor, so they are rejected before any
	// request is sent to the SDK server.
	MaxNameLength = 8

	// DefaultEphemeralFormat is the filesystem format used for ephemeral
	// disks when the task does not specify one.
	DefaultEphemeralFormat = "ext3"

	// FingerprintAttributeKeyPrefix is the key prefix to use when creating
	// and adding attributes during the fingerprint process.
	FingerprintAttributeKeyPrefix = "driver.zvm"
)

var (
	ErrEmptyName       = errors.New("guest name can not be empty")
	ErrNameTooLong     = fmt.Errorf("guest name can not be longer than %d characters", MaxNameLength)
	ErrNoCPUs          = errors.New("no cpus configured for guest")
	ErrNotEnoughMemory = errors.New("no memory configured for guest")
	ErrMissingImage    = errors.New("image id can not be empty")
	ErrMissingOSDistro = errors.New("os distro can not be empty")
)

// PowerState is the normalized guest power state reported upstream. The
// hypervisor only distinguishes on and off; pause is simulated by the driver.
type PowerState int

const (
	PowerStateNoState PowerState = iota
	PowerStateRunning
	PowerStateShutdown
	PowerStatePaused
)

func (p PowerState) String() string {
	switch p {
	case PowerStateRunning:
		return "running"
	case PowerStateShutdown:
		return "shutdown"
	case PowerStatePaused:
		return "paused"
	default:
		return "nostate"
	}
}

func (p PowerState) ToTaskState() drivers.TaskState {
	switch p {
	case PowerStateRunning, PowerStatePaused:
		return drivers.TaskStateRunning
	case PowerStateShutdown:
		return drivers.TaskStateExited
	default:
		return drivers.TaskStateUnknown
	}
}

// Disk is a single entry of the disk list sent on guest creation. Size is a
// z/VM size literal such as "3g", or a cylinder count when reported by the
// image itself.
type Disk struct {
	Size       string `json:"size"`
	IsBootDisk bool   `json:"is_boot_disk,omitempty"`
	Format     string `json:"format,omitempty"`
}

// EphemeralDisk describes a secondary disk requested by the task.
type EphemeralDisk struct {
	SizeGB int
	Format string
}

// NetworkInterface carries the per-NIC descriptors handed to the SDK when
// networking is configured for a guest.
type NetworkInterface struct {
	NicID          string `json:"nic_id"`
	MacAddress     string `json:"mac_addr"`
	IPAddress      string `json:"ip_addr"`
	GatewayAddress string `json:"gateway_addr"`
	CIDR           string `json:"cidr"`
}

// Config is the full description of a guest to spawn.
type Config struct {
	Name     string
	VCPUs    int
	MemoryMB int

	// ImageID identifies the image in the image service. OSDistro is the
	// distro property of that image, needed by the SDK for network setup.
	ImageID  string
	OSDistro string

	// RootDiskGB is the boot disk size. Zero means derive the size from the
	// image itself.
	RootDiskGB int

	EphemeralDisks []EphemeralDisk
	Networks       []NetworkInterface
}

func (c *Config) Validate() error {
	var mErr *multierror.Error

	if c.Name == "" {
		mErr = multierror.Append(mErr, ErrEmptyName)
	}

	if len(c.Name) > MaxNameLength {
		mErr = multierror.Append(mErr, ErrNameTooLong)
	}

	if c.VCPUs < 1 {
		mErr = multierror.Append(mErr, ErrNoCPUs)
	}

	if c.MemoryMB < 1 {
		mErr = multierror.Append(mErr, ErrNotEnoughMemory)
	}

	if c.ImageID == "" {
		mErr = multierror.Append(mErr, ErrMissingImage)
	}

	if c.OSDistro == "" {
		mErr = multierror.Append(mErr, ErrMissingOSDistro)
	}

	return mErr.ErrorOrNil()
}

// Stats holds the per-guest resource counters used to feed task stats.
type Stats struct {
	MaxMemoryKB uint64
	MemoryKB    uint64
	CPUs        int
	CPUTimeNS   uint64
}
