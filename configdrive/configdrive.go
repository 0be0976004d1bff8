// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package configdrive builds the transport payload deployed into a guest
// alongside its image. The hypervisor expects a gzipped tarball holding the
// standard metadata layout, it is unpacked by the activation engine on first
// boot.
package configdrive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/hashicorp/go-hclog"
)

const (
	driveFileName  = "cfgdrive.tgz"
	metadataPath   = "openstack/latest/meta_data.json"
	networkPath    = "openstack/latest/network_data.json"
	dirPermissions = 0o755
)

type metaData struct {
	UUID          string `json:"uuid"`
	Hostname      string `json:"hostname"`
	LaunchIndex   int    `json:"launch_index"`
	AvailabilityZ string `json:"availability_zone,omitempty"`
}

type networkData struct {
	Links []networkLink `json:"links"`
}

type networkLink struct {
	ID          string `json:"id"`
	EthernetMAC string `json:"ethernet_mac_address"`
	IPAddress   string `json:"ip_address,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	CIDR        string `json:"cidr,omitempty"`
}

// Builder writes one config drive per guest under the instances path.
type Builder struct {
	logger        hclog.Logger
	instancesPath string
}

func NewBuilder(logger hclog.Logger, instancesPath string) *Builder {
	return &Builder{
		logger:        logger.Named("configdrive"),
		instancesPath: instancesPath,
	}
}

// Build writes the config drive for the guest and returns its path.
func (b *Builder) Build(cfg *guest.Config) (string, error) {
	instanceDir := filepath.Join(b.instancesPath, cfg.Name)
	if err := os.MkdirAll(instanceDir, dirPermissions); err != nil {
		return "", fmt.Errorf("configdrive: unable to create instance path: %w", err)
	}

	drivePath := filepath.Join(instanceDir, driveFileName)
	b.logger.Debug("creating config drive", "guest", cfg.Name, "path", drivePath)

	out, err := os.Create(drivePath)
	if err != nil {
		return "", fmt.Errorf("configdrive: unable to create drive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	md := metaData{
		UUID:     cfg.Name,
		Hostname: cfg.Name,
	}
	if err := writeJSONEntry(tw, metadataPath, md); err != nil {
		return "", err
	}

	nd := networkData{}
	for _, nic := range cfg.Networks {
		nd.Links = append(nd.Links, networkLink{
			ID:          nic.NicID,
			EthernetMAC: nic.MacAddress,
			IPAddress:   nic.IPAddress,
			Gateway:     nic.GatewayAddress,
			CIDR:        nic.CIDR,
		})
	}
	if err := writeJSONEntry(tw, networkPath, nd); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("configdrive: unable to finish tarball: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("configdrive: unable to finish tarball: %w", err)
	}

	return drivePath, nil
}

func writeJSONEntry(tw *tar.Writer, name string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("configdrive: unable to encode %s: %w", name, err)
	}

	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("configdrive: unable to write %s header: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("configdrive: unable to write %s: %w", name, err)
	}

	return nil
}
