// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package virt

import (
	"fmt"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/nomad/plugins/drivers"
	"github.com/hashicorp/nomad/plugins/shared/hclspec"
)

var (
	// configSpec is the specification of the plugin's configuration set on
	// a per-client basis.
	configSpec = hclspec.NewObject(map[string]*hclspec.Spec{
		"sdk_server_url": hclspec.NewDefault(
			hclspec.NewAttr("sdk_server_url", "string", false),
			hclspec.NewLiteral(`"http://127.0.0.1:8080"`),
		),
		"reachable_timeout": hclspec.NewDefault(
			hclspec.NewAttr("reachable_timeout", "string", false),
			hclspec.NewLiteral(`"300s"`),
		),
		"poll_interval": hclspec.NewDefault(
			hclspec.NewAttr("poll_interval", "string", false),
			hclspec.NewLiteral(`"10s"`),
		),
		"image_tmp_path": hclspec.NewDefault(
			hclspec.NewAttr("image_tmp_path", "string", false),
			hclspec.NewLiteral(`"/var/lib/nomad-driver-zvm/images"`),
		),
		"instances_path": hclspec.NewDefault(
			hclspec.NewAttr("instances_path", "string", false),
			hclspec.NewLiteral(`"/var/lib/nomad-driver-zvm/instances"`),
		),
		"default_ephemeral_format": hclspec.NewDefault(
			hclspec.NewAttr("default_ephemeral_format", "string", false),
			hclspec.NewLiteral(`"ext3"`),
		),
		"remote_host": hclspec.NewAttr("remote_host", "string", false),
	})

	// taskConfigSpec is the specification of the plugin's configuration for
	// a task, validated when a job is submitted.
	taskConfigSpec = hclspec.NewObject(map[string]*hclspec.Spec{
		"image_id":  hclspec.NewAttr("image_id", "string", true),
		"os_distro": hclspec.NewAttr("os_distro", "string", true),

		"vcpus": hclspec.NewDefault(
			hclspec.NewAttr("vcpus", "number", false),
			hclspec.NewLiteral("1"),
		),

		// Size of the boot disk, for example "10g". Empty means the size is
		// derived from the image.
		"root_disk_size": hclspec.NewAttr("root_disk_size", "string", false),

		"ephemeral_disk": hclspec.NewBlockList("ephemeral_disk", hclspec.NewObject(map[string]*hclspec.Spec{
			"size":   hclspec.NewAttr("size", "string", true),
			"format": hclspec.NewAttr("format", "string", false),
		})),

		"network_interface": hclspec.NewBlockList("network_interface", hclspec.NewObject(map[string]*hclspec.Spec{
			"nic_id":      hclspec.NewAttr("nic_id", "string", true),
			"mac_address": hclspec.NewAttr("mac_address", "string", false),
			"ip_address":  hclspec.NewAttr("ip_address", "string", true),
			"gateway":     hclspec.NewAttr("gateway", "string", true),
			"cidr":        hclspec.NewAttr("cidr", "string", true),
		})),
	})

	// capabilities indicates what optional features this driver supports.
	capabilities = &drivers.Capabilities{
		SendSignals:          false,
		Exec:                 false,
		DisableLogCollection: true,

		// NetIsolationModes details that this driver only supports the
		// network isolation of host, NICs are coupled to vswitches by the
		// external network agent.
		NetIsolationModes: []drivers.NetIsolationMode{
			drivers.NetIsolationModeHost,
		},

		MustInitiateNetwork: false,
	}
)

// Config contains configuration information for the plugin.
type Config struct {
	SDKServerURL           string `codec:"sdk_server_url"`
	ReachableTimeout       string `codec:"reachable_timeout"`
	PollInterval           string `codec:"poll_interval"`
	ImageTmpPath           string `codec:"image_tmp_path"`
	InstancesPath          string `codec:"instances_path"`
	DefaultEphemeralFormat string `codec:"default_ephemeral_format"`
	RemoteHost             string `codec:"remote_host"`
}

func (c *Config) reachableTimeout() (time.Duration, error) {
	if c.ReachableTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.ReachableTimeout)
}

func (c *Config) pollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.PollInterval)
}

// TaskConfig contains configuration information for a task that runs within
// this plugin.
type TaskConfig struct {
	ImageID        string             `codec:"image_id"`
	OSDistro       string             `codec:"os_distro"`
	VCPUs          int                `codec:"vcpus"`
	RootDiskSize   string             `codec:"root_disk_size"`
	EphemeralDisks []EphemeralDisk    `codec:"ephemeral_disk"`
	Networks       []NetworkInterface `codec:"network_interface"`
}

type EphemeralDisk struct {
	Size   string `codec:"size"`
	Format string `codec:"format"`
}

type NetworkInterface struct {
	NicID      string `codec:"nic_id"`
	MacAddress string `codec:"mac_address"`
	IPAddress  string `codec:"ip_address"`
	Gateway    string `codec:"gateway"`
	CIDR       string `codec:"cidr"`
}

func (tc *TaskConfig) Validate() error {
	var mErr *multierror.Error

	if tc.ImageID == "" {
		mErr = multierror.Append(mErr, guest.ErrMissingImage)
	}

	if tc.OSDistro == "" {
		mErr = multierror.Append(mErr, guest.ErrMissingOSDistro)
	}

	if tc.VCPUs < 1 {
		mErr = multierror.Append(mErr, guest.ErrNoCPUs)
	}

	if tc.RootDiskSize != "" {
		if _, err := units.RAMInBytes(tc.RootDiskSize); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf("invalid root_disk_size %q: %w", tc.RootDiskSize, err))
		}
	}

	for _, eph := range tc.EphemeralDisks {
		if _, err := units.RAMInBytes(eph.Size); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf("invalid ephemeral_disk size %q: %w", eph.Size, err))
		}
	}

	for _, nic := range tc.Networks {
		if nic.NicID == "" || nic.IPAddress == "" || nic.Gateway == "" || nic.CIDR == "" {
			mErr = multierror.Append(mErr,
				fmt.Errorf("network_interface %q is missing required fields", nic.NicID))
		}
	}

	return mErr.ErrorOrNil()
}

// rootDiskGB returns the requested boot disk size in whole gigabytes, zero
// when the size should be derived from the image.
func (tc *TaskConfig) rootDiskGB() int {
	if tc.RootDiskSize == "" {
		return 0
	}

	bytes, err := units.RAMInBytes(tc.RootDiskSize)
	if err != nil {
		return 0
	}

	return int(bytes / units.GiB)
}

func sizeGB(size string) int {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0
	}
	return int(bytes / units.GiB)
}
