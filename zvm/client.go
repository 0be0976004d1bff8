// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	requestPath = "/rpc"

	defaultRequestTimeout = 3 * time.Minute
	defaultRetryMax       = 2
)

// Gateway is the single call boundary to the external SDK server. Every
// hypervisor operation this driver performs goes through it.
type Gateway interface {
	Call(ctx context.Context, op string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// sdkRequest is the wire shape of one SDK invocation.
type sdkRequest struct {
	RequestID string         `json:"requestId"`
	Function  string         `json:"function"`
	Args      []any          `json:"args"`
	KWArgs    map[string]any `json:"kwargs,omitempty"`
}

// sdkResponse is the envelope every SDK response comes in. A zero overallRC
// means success and Output holds the operation result.
type sdkResponse struct {
	OverallRC int             `json:"overallRC"`
	RC        int             `json:"rc"`
	ErrMsg    string          `json:"errmsg"`
	Output    json.RawMessage `json:"output"`
}

// Client is the JSON over HTTP implementation of Gateway, talking to the SDK
// server that fronts the hypervisor.
type Client struct {
	serverURL  string
	httpClient *retryablehttp.Client
	logger     hclog.Logger
}

func NewClient(logger hclog.Logger, serverURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = defaultRequestTimeout
	rc.RetryMax = defaultRetryMax
	rc.Logger = nil

	return &Client{
		serverURL:  serverURL,
		httpClient: rc,
		logger:     logger.Named("sdk-client"),
	}
}

func (c *Client) Call(ctx context.Context, op string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}

	body, err := json.Marshal(sdkRequest{
		RequestID: uuid.NewString(),
		Function:  op,
		Args:      args,
		KWArgs:    kwargs,
	})
	if err != nil {
		return nil, fmt.Errorf("zvm: unable to encode sdk request %s: %w", op, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.serverURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zvm: unable to build sdk request %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending sdk request", "op", op)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteCallError{Op: op, Code: transportRC, Message: err.Error(), err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteCallError{Op: op, Code: transportRC, Message: err.Error(), err: err}
	}

	var sdkResp sdkResponse
	if err := json.Unmarshal(raw, &sdkResp); err != nil {
		return nil, &RemoteCallError{Op: op, Code: transportRC, Message: err.Error(), err: err}
	}

	if sdkResp.OverallRC != 0 {
		c.logger.Debug("sdk request failed", "op", op, "overallRC", sdkResp.OverallRC,
			"rc", sdkResp.RC, "errmsg", sdkResp.ErrMsg)
		return nil, &RemoteCallError{Op: op, Code: sdkResp.OverallRC, Message: sdkResp.ErrMsg}
	}

	return sdkResp.Output, nil
}

// hostInfo is the host_get_info response shape.
type hostInfo struct {
	VCPUs              int             `json:"vcpus"`
	VCPUsUsed          int             `json:"vcpus_used"`
	CPUInfo            json.RawMessage `json:"cpu_info"`
	DiskTotal          int             `json:"disk_total"`
	DiskUsed           int             `json:"disk_used"`
	DiskAvailable      int             `json:"disk_available"`
	MemoryMB           int             `json:"memory_mb"`
	MemoryMBUsed       int             `json:"memory_mb_used"`
	HypervisorType     string          `json:"hypervisor_type"`
	HypervisorVersion  int             `json:"hypervisor_version"`
	HypervisorHostname string          `json:"hypervisor_hostname"`
	IPLTime            string          `json:"ipl_time"`
}

// guestInfo is the guest_get_info response shape, fed into task stats.
type guestInfo struct {
	MaxMemKB  uint64 `json:"max_mem_kb"`
	MemKB     uint64 `json:"mem_kb"`
	NumCPU    int    `json:"num_cpu"`
	CPUTimeUS uint64 `json:"cpu_time_us"`
}

func hostGetInfo(ctx context.Context, g Gateway) (*hostInfo, error) {
	out, err := g.Call(ctx, "host_get_info", nil, nil)
	if err != nil {
		return nil, err
	}

	var info hostInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("zvm: unable to decode host_get_info response: %w", err)
	}

	return &info, nil
}

func guestGetPowerState(ctx context.Context, g Gateway, name string) (string, error) {
	out, err := g.Call(ctx, "guest_get_power_state", []any{name}, nil)
	if err != nil {
		return "", err
	}

	var state string
	if err := json.Unmarshal(out, &state); err != nil {
		return "", fmt.Errorf("zvm: unable to decode guest_get_power_state response: %w", err)
	}

	return state, nil
}

func guestGetInfo(ctx context.Context, g Gateway, name string) (*guestInfo, error) {
	out, err := g.Call(ctx, "guest_get_info", []any{name}, nil)
	if err != nil {
		return nil, err
	}

	var info guestInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("zvm: unable to decode guest_get_info response: %w", err)
	}

	return &info, nil
}

func guestList(ctx context.Context, g Gateway) ([]string, error) {
	out, err := g.Call(ctx, "guest_list", nil, nil)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(out, &names); err != nil {
		return nil, fmt.Errorf("zvm: unable to decode guest_list response: %w", err)
	}

	return names, nil
}

func guestCreate(ctx context.Context, g Gateway, name string, vcpus, memoryMB int, disks []guest.Disk) error {
	_, err := g.Call(ctx, "guest_create", []any{name, vcpus, memoryMB, disks}, nil)
	return err
}

func guestDeploy(ctx context.Context, g Gateway, name, imageName, transportFiles, remoteHost string) error {
	_, err := g.Call(ctx, "guest_deploy", []any{name, imageName, transportFiles, remoteHost}, nil)
	return err
}

func guestStart(ctx context.Context, g Gateway, name string) error {
	_, err := g.Call(ctx, "guest_start", []any{name}, nil)
	return err
}

func guestStop(ctx context.Context, g Gateway, name string, timeout, retryInterval time.Duration) error {
	_, err := g.Call(ctx, "guest_stop",
		[]any{name, int(timeout.Seconds()), int(retryInterval.Seconds())}, nil)
	return err
}

func guestDelete(ctx context.Context, g Gateway, name string) error {
	_, err := g.Call(ctx, "guest_delete", []any{name}, nil)
	return err
}

func guestCreateNetworkInterface(ctx context.Context, g Gateway, name, osDistro string, nics []guest.NetworkInterface) error {
	_, err := g.Call(ctx, "guest_create_network_interface", []any{name, osDistro, nics}, nil)
	return err
}

func guestConfigMinidisks(ctx context.Context, g Gateway, name string, disks []guest.Disk) error {
	_, err := g.Call(ctx, "guest_config_minidisks", []any{name, disks}, nil)
	return err
}

// guestGetNicVswitchInfo returns the NIC id to vswitch name mapping for the
// guest. An empty string value means the NIC is not attached to a switch yet.
func guestGetNicVswitchInfo(ctx context.Context, g Gateway, name string) (map[string]string, error) {
	out, err := g.Call(ctx, "guest_get_nic_vswitch_info", []any{name}, nil)
	if err != nil {
		return nil, err
	}

	var switches map[string]string
	if err := json.Unmarshal(out, &switches); err != nil {
		return nil, fmt.Errorf("zvm: unable to decode guest_get_nic_vswitch_info response: %w", err)
	}

	return switches, nil
}

func guestGetNicCoupled(ctx context.Context, g Gateway, name, nicID string) (bool, error) {
	out, err := g.Call(ctx, "guest_get_definition_info", []any{name},
		map[string]any{"nic_coupled": nicID})
	if err != nil {
		return false, err
	}

	var info struct {
		NicCoupled bool `json:"nic_coupled"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return false, fmt.Errorf("zvm: unable to decode guest_get_definition_info response: %w", err)
	}

	return info.NicCoupled, nil
}

// imageQuery resolves the image service id to the name the image is known by
// on the hypervisor. Fails with a 404 RemoteCallError when not imported yet.
func imageQuery(ctx context.Context, g Gateway, imageID string) (string, error) {
	out, err := g.Call(ctx, "image_query", []any{imageID}, nil)
	if err != nil {
		return "", err
	}

	var rows [][]string
	if err := json.Unmarshal(out, &rows); err != nil {
		return "", fmt.Errorf("zvm: unable to decode image_query response: %w", err)
	}

	if len(rows) == 0 || len(rows[0]) == 0 {
		return "", &RemoteCallError{Op: "image_query", Code: notFoundRC,
			Message: fmt.Sprintf("image %s not found", imageID)}
	}

	return rows[0][0], nil
}

func imageGetRootDiskSize(ctx context.Context, g Gateway, imageName string) (string, error) {
	out, err := g.Call(ctx, "image_get_root_disk_size", []any{imageName}, nil)
	if err != nil {
		return "", err
	}

	var size string
	if err := json.Unmarshal(out, &size); err != nil {
		return "", fmt.Errorf("zvm: unable to decode image_get_root_disk_size response: %w", err)
	}

	return size, nil
}

func imageImport(ctx context.Context, g Gateway, imageID, localURL string, imageMeta map[string]string, remoteHost string) error {
	_, err := g.Call(ctx, "image_import", []any{imageID, localURL},
		map[string]any{"image_meta": imageMeta, "remote_host": remoteHost})
	return err
}

func guestGetConsoleOutput(ctx context.Context, g Gateway, name string) (string, error) {
	out, err := g.Call(ctx, "guest_get_console_output", []any{name}, nil)
	if err != nil {
		return "", err
	}

	var console string
	if err := json.Unmarshal(out, &console); err != nil {
		return "", fmt.Errorf("zvm: unable to decode guest_get_console_output response: %w", err)
	}

	return console, nil
}
