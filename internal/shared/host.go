// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package guest

const (
	// Architecture and HypervisorType are compile time constants of this
	// adapter, the hypervisor only ever runs s390x guests.
	Architecture   = "s390x"
	HypervisorType = "zvm"

	// VMModeHVM is the only virtualization mode z/VM offers.
	VMModeHVM = "hvm"
)

// SupportedInstance is one (architecture, hypervisor type, vm mode) capability
// triple advertised to the scheduler.
type SupportedInstance struct {
	Architecture   string
	HypervisorType string
	VMMode         string
}

// SupportedInstances is the static capability declaration for every host this
// driver manages. It is not discovered per host.
func SupportedInstances() []SupportedInstance {
	return []SupportedInstance{
		{
			Architecture:   Architecture,
			HypervisorType: HypervisorType,
			VMMode:         VMModeHVM,
		},
	}
}

// HostStatusSnapshot is the normalized host resource descriptor built from a
// single host_get_info response. A snapshot is immutable once constructed, the
// driver keeps the most recent one and replaces it wholesale on refresh.
type HostStatusSnapshot struct {
	VCPUsTotal int
	VCPUsUsed  int

	MemoryTotalMB int
	MemoryFreeMB  int
	// MemoryUsedMB is total minus free, never clamped. A negative value
	// signals an upstream inconsistency and must stay visible to operators.
	MemoryUsedMB int

	DiskTotalMB     int
	DiskUsedMB      int
	DiskAvailableMB int

	// CPUInfo is the hypervisor's cpu_info blob serialized as JSON text,
	// passed through unmodified.
	CPUInfo string

	HypervisorType     string
	HypervisorVersion  int
	HypervisorHostname string

	SupportedInstances []SupportedInstance

	// UptimeDescriptor is the verbatim ipl_time string from the hypervisor.
	UptimeDescriptor string
}
