// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package configdrive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

func readDriveEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()

	f, err := os.Open(path)
	must.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	must.NoError(t, err)
	defer gz.Close()

	entries := map[string][]byte{}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		must.NoError(t, err)

		content, err := io.ReadAll(tr)
		must.NoError(t, err)
		entries[header.Name] = content
	}

	return entries
}

func TestBuilder_Build(t *testing.T) {
	instancesPath := t.TempDir()

	b := NewBuilder(hclog.NewNullLogger(), instancesPath)

	cfg := &guest.Config{
		Name:     "test0001",
		VCPUs:    2,
		MemoryMB: 2048,
		ImageID:  "0a16b44a-34f5-4b0f-9d45-bba1a17b0c35",
		OSDistro: "rhel7.2",
		Networks: []guest.NetworkInterface{
			{
				NicID:          "e6bc4a13",
				MacAddress:     "02:00:00:12:34:56",
				IPAddress:      "192.168.0.100",
				GatewayAddress: "192.168.0.1",
				CIDR:           "192.168.0.0/24",
			},
		},
	}

	drivePath, err := b.Build(cfg)
	must.NoError(t, err)
	must.Eq(t, filepath.Join(instancesPath, "test0001", "cfgdrive.tgz"), drivePath)

	entries := readDriveEntries(t, drivePath)
	must.MapContainsKey(t, entries, "openstack/latest/meta_data.json")
	must.MapContainsKey(t, entries, "openstack/latest/network_data.json")

	var md metaData
	must.NoError(t, json.Unmarshal(entries["openstack/latest/meta_data.json"], &md))
	must.Eq(t, "test0001", md.Hostname)
	must.Eq(t, "test0001", md.UUID)

	var nd networkData
	must.NoError(t, json.Unmarshal(entries["openstack/latest/network_data.json"], &nd))
	must.Len(t, 1, nd.Links)
	must.Eq(t, "e6bc4a13", nd.Links[0].ID)
	must.Eq(t, "02:00:00:12:34:56", nd.Links[0].EthernetMAC)
	must.Eq(t, "192.168.0.100", nd.Links[0].IPAddress)
}

func TestBuilder_Build_noNetworks(t *testing.T) {
	b := NewBuilder(hclog.NewNullLogger(), t.TempDir())

	drivePath, err := b.Build(&guest.Config{Name: "test0002"})
	must.NoError(t, err)

	entries := readDriveEntries(t, drivePath)

	var nd networkData
	must.NoError(t, json.Unmarshal(entries["openstack/latest/network_data.json"], &nd))
	must.Len(t, 0, nd.Links)
}

func TestBuilder_Build_overwritesExistingDrive(t *testing.T) {
	instancesPath := t.TempDir()
	b := NewBuilder(hclog.NewNullLogger(), instancesPath)

	cfg := &guest.Config{Name: "test0003"}

	first, err := b.Build(cfg)
	must.NoError(t, err)

	// A second build for the same guest replaces the drive in place.
	second, err := b.Build(cfg)
	must.NoError(t, err)
	must.Eq(t, first, second)

	entries := readDriveEntries(t, second)
	must.MapContainsKey(t, entries, "openstack/latest/meta_data.json")
}
