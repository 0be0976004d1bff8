// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package virt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/nomad-driver-zvm/configdrive"
	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"
	"github.com/hashicorp/nomad-driver-zvm/zvm"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/drivers/shared/eventer"
	"github.com/hashicorp/nomad/plugins/base"
	"github.com/hashicorp/nomad/plugins/drivers"
	"github.com/hashicorp/nomad/plugins/shared/hclspec"
	"github.com/hashicorp/nomad/plugins/shared/structs"
)

const (
	pluginName = "nomad-driver-zvm"

	// pluginVersion allows the client to identify and use newer versions of
	// an installed plugin.
	pluginVersion = "v0.1.0"

	// fingerprintPeriod is the interval at which the plugin will send
	// fingerprint responses.
	fingerprintPeriod = 30 * time.Second

	// taskHandleVersion is the version of task handle which this plugin sets
	// and understands how to decode. This is used to allow modification and
	// migration of the task schema used by the plugin.
	taskHandleVersion = 1

	// stopRetryInterval is handed to the hypervisor as the interval between
	// shutdown signal retries when stopping a guest.
	stopRetryInterval = 10 * time.Second
)

var (
	// pluginInfo describes the plugin.
	pluginInfo = &base.PluginInfoResponse{
		Type:              base.PluginTypeDriver,
		PluginApiVersions: []string{drivers.ApiVersion010},
		PluginVersion:     pluginVersion,
		Name:              pluginName,
	}

	ErrExistingTask = errors.New("task is already running")
)

// TaskState is the runtime state which is encoded in the handle returned to
// the Nomad client. This information is needed to rebuild the task state and
// handler during recovery.
type TaskState struct {
	TaskConfig *drivers.TaskConfig
	StartedAt  time.Time
}

// ZVMDriverPlugin exposes a z/VM host as a Nomad task driver. Guests are
// managed through the external SDK server, the plugin itself is glue between
// the Nomad driver contract and the hypervisor operations.
type ZVMDriverPlugin struct {
	eventer        *eventer.Eventer
	hypervisor     Hypervisor
	guestGetter    GuestGetter
	config         *Config
	nomadConfig    *base.ClientDriverConfig
	tasks          *taskStore
	ctx            context.Context
	signalShutdown context.CancelFunc
	logger         hclog.Logger
}

// NewPlugin returns a new driver plugin.
func NewPlugin(logger hclog.Logger) drivers.DriverPlugin {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.Named(pluginName)

	return &ZVMDriverPlugin{
		eventer:        eventer.NewEventer(ctx, logger),
		config:         &Config{},
		tasks:          newTaskStore(),
		ctx:            ctx,
		signalShutdown: cancel,
		logger:         logger,
	}
}

// PluginInfo returns information describing the plugin.
func (d *ZVMDriverPlugin) PluginInfo() (*base.PluginInfoResponse, error) {
	return pluginInfo, nil
}

// ConfigSchema returns the plugin configuration schema.
func (d *ZVMDriverPlugin) ConfigSchema() (*hclspec.Spec, error) {
	return configSpec, nil
}

// SetConfig is called by the client to pass the configuration for the plugin.
func (d *ZVMDriverPlugin) SetConfig(cfg *base.Config) error {
	var config Config
	if len(cfg.PluginConfig) != 0 {
		if err := base.MsgPackDecode(cfg.PluginConfig, &config); err != nil {
			return err
		}
	}

	// Save the configuration to the plugin.
	d.config = &config

	// Save the Nomad agent configuration.
	if cfg.AgentConfig != nil {
		d.nomadConfig = cfg.AgentConfig.Driver
	}

	reachableTimeout, err := config.reachableTimeout()
	if err != nil {
		return fmt.Errorf("virt: invalid reachable_timeout: %w", err)
	}

	pollInterval, err := config.pollInterval()
	if err != nil {
		return fmt.Errorf("virt: invalid poll_interval: %w", err)
	}

	hypervisor := zvm.New(d.logger, zvm.Config{
		ServerURL:              config.SDKServerURL,
		ReachableTimeout:       reachableTimeout,
		PollInterval:           pollInterval,
		ImageTmpPath:           config.ImageTmpPath,
		DefaultEphemeralFormat: config.DefaultEphemeralFormat,
		RemoteHost:             config.RemoteHost,
	}, zvm.WithTransportBuilder(configdrive.NewBuilder(d.logger, config.InstancesPath)))

	d.hypervisor = hypervisor
	d.guestGetter = hypervisor

	// The SDK server may not be up yet, keep retrying in the background. The
	// fingerprint reports the driver undetected until the first snapshot
	// lands.
	go func() {
		if err := hypervisor.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("unable to initialize hypervisor backend", "error", err)
		}
	}()

	return nil
}

// TaskConfigSchema returns the HCL schema for the configuration of a task.
func (d *ZVMDriverPlugin) TaskConfigSchema() (*hclspec.Spec, error) {
	return taskConfigSpec, nil
}

// Capabilities returns the features supported by the driver.
func (d *ZVMDriverPlugin) Capabilities() (*drivers.Capabilities, error) {
	return capabilities, nil
}

// Fingerprint returns a channel that will be used to send health information
// and other driver specific node attributes.
func (d *ZVMDriverPlugin) Fingerprint(ctx context.Context) (<-chan *drivers.Fingerprint, error) {
	ch := make(chan *drivers.Fingerprint)

	go d.handleFingerprint(ctx, ch)

	return ch, nil
}

// handleFingerprint manages the channel and the flow of fingerprint data.
func (d *ZVMDriverPlugin) handleFingerprint(ctx context.Context, ch chan<- *drivers.Fingerprint) {
	defer close(ch)

	// Nomad expects the initial fingerprint to be sent immediately.
	ch <- d.buildFingerprint(ctx)

	ticker := time.NewTicker(fingerprintPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch <- d.buildFingerprint(ctx)
		}
	}
}

// buildFingerprint returns the driver's fingerprint data, backed by a fresh
// host status snapshot.
func (d *ZVMDriverPlugin) buildFingerprint(ctx context.Context) *drivers.Fingerprint {
	snapshot, err := d.hypervisor.GetAvailableResource(ctx)
	if err != nil {
		return &drivers.Fingerprint{
			Attributes:        map[string]*structs.Attribute{},
			Health:            drivers.HealthStateUndetected,
			HealthDescription: "failed to collect host status",
		}
	}

	prefix := guest.FingerprintAttributeKeyPrefix
	attrs := map[string]*structs.Attribute{}

	attrs[prefix] = structs.NewBoolAttribute(true)
	attrs[prefix+".hypervisor.type"] = structs.NewStringAttribute(snapshot.HypervisorType)
	attrs[prefix+".hypervisor.version"] = structs.NewIntAttribute(int64(snapshot.HypervisorVersion), "")
	attrs[prefix+".hypervisor.hostname"] = structs.NewStringAttribute(snapshot.HypervisorHostname)
	attrs[prefix+".vcpus.total"] = structs.NewIntAttribute(int64(snapshot.VCPUsTotal), "")
	attrs[prefix+".vcpus.used"] = structs.NewIntAttribute(int64(snapshot.VCPUsUsed), "")
	attrs[prefix+".memory.total"] = structs.NewIntAttribute(int64(snapshot.MemoryTotalMB), "MB")
	attrs[prefix+".memory.used"] = structs.NewIntAttribute(int64(snapshot.MemoryUsedMB), "MB")
	attrs[prefix+".disk.available"] = structs.NewIntAttribute(int64(snapshot.DiskAvailableMB), "MB")
	attrs[prefix+".uptime"] = structs.NewStringAttribute(snapshot.UptimeDescriptor)

	return &drivers.Fingerprint{
		Attributes:        attrs,
		Health:            drivers.HealthStateHealthy,
		HealthDescription: drivers.DriverHealthy,
	}
}

// StartTask spawns a new guest for the task and returns its handle.
func (d *ZVMDriverPlugin) StartTask(cfg *drivers.TaskConfig) (*drivers.TaskHandle, *drivers.DriverNetwork, error) {
	if _, ok := d.tasks.Get(cfg.ID); ok {
		return nil, nil, fmt.Errorf("virt: task with ID %q already started: %w", cfg.ID, ErrExistingTask)
	}

	var driverConfig TaskConfig
	if err := cfg.DecodeDriverConfig(&driverConfig); err != nil {
		return nil, nil, fmt.Errorf("virt: failed to decode driver config: %v", err)
	}

	if err := driverConfig.Validate(); err != nil {
		return nil, nil, fmt.Errorf("virt: invalid task configuration %s: %w", cfg.AllocID, err)
	}

	guestName := guestNameFromTaskID(cfg.ID)
	d.logger.Info("starting task", "task_id", cfg.ID, "guest", guestName)

	handle := drivers.NewTaskHandle(taskHandleVersion)
	handle.Config = cfg

	h := &taskHandle{
		taskConfig:  cfg,
		procState:   drivers.TaskStateRunning,
		startedAt:   time.Now().Round(time.Millisecond),
		logger:      d.logger.Named("handle").With("alloc_id", cfg.AllocID),
		guestGetter: d.guestGetter,
		name:        guestName,
		powerState:  guest.PowerStateRunning,
	}

	driverState := TaskState{
		TaskConfig: cfg,
		StartedAt:  h.startedAt,
	}

	guestConfig := buildGuestConfig(guestName, cfg, &driverConfig)

	if err := d.hypervisor.Spawn(d.ctx, guestConfig); err != nil {
		return nil, nil, fmt.Errorf("virt: failed to start task %s: %w", cfg.AllocID, err)
	}

	if err := handle.SetDriverState(&driverState); err != nil {
		return nil, nil, fmt.Errorf("virt: failed to set driver state for %s: %v", cfg.AllocID, err)
	}

	d.tasks.Set(cfg.ID, h)

	d.logger.Info("task started successfully", "guest", guestName)

	return handle, nil, nil
}

func buildGuestConfig(guestName string, cfg *drivers.TaskConfig, driverConfig *TaskConfig) *guest.Config {
	guestConfig := &guest.Config{
		Name:       guestName,
		VCPUs:      driverConfig.VCPUs,
		MemoryMB:   int(cfg.Resources.NomadResources.Memory.MemoryMB),
		ImageID:    driverConfig.ImageID,
		OSDistro:   driverConfig.OSDistro,
		RootDiskGB: driverConfig.rootDiskGB(),
	}

	for _, eph := range driverConfig.EphemeralDisks {
		guestConfig.EphemeralDisks = append(guestConfig.EphemeralDisks, guest.EphemeralDisk{
			SizeGB: sizeGB(eph.Size),
			Format: eph.Format,
		})
	}

	for _, nic := range driverConfig.Networks {
		guestConfig.Networks = append(guestConfig.Networks, guest.NetworkInterface{
			NicID:          nic.NicID,
			MacAddress:     nic.MacAddress,
			IPAddress:      nic.IPAddress,
			GatewayAddress: nic.Gateway,
			CIDR:           nic.CIDR,
		})
	}

	return guestConfig
}

// RecoverTask recreates the in-memory state of a task from a TaskHandle.
func (d *ZVMDriverPlugin) RecoverTask(handle *drivers.TaskHandle) error {
	if handle == nil {
		return errors.New("virt: handle cannot be nil")
	}

	if _, ok := d.tasks.Get(handle.Config.ID); ok {
		return nil
	}

	var taskState TaskState
	if err := handle.GetDriverState(&taskState); err != nil {
		return fmt.Errorf("virt: failed to decode task state from handle %s: %v",
			handle.Config.ID, err)
	}

	h := &taskHandle{
		name:        guestNameFromTaskID(handle.Config.ID),
		logger:      d.logger.Named("handle").With("alloc_id", handle.Config.AllocID),
		taskConfig:  taskState.TaskConfig,
		startedAt:   taskState.StartedAt,
		guestGetter: d.guestGetter,
	}

	state, err := h.guestGetter.GetInstanceInfo(d.ctx, h.name, guest.PowerStateNoState)
	if err != nil {
		if errors.Is(err, zvm.ErrInstanceNotFound) {
			return drivers.ErrTaskNotFound
		}
		d.logger.Warn("recovery failed, unknown task state", "task_id", handle.Config.ID)
		return fmt.Errorf("virt: failed to recover task %s: %v", handle.Config.ID, err)
	}

	h.powerState = state
	h.procState = state.ToTaskState()

	d.tasks.Set(handle.Config.ID, h)

	return nil
}

// WaitTask returns a channel that will send an *ExitResult when the task
// exits, or closes when the context is cancelled.
func (d *ZVMDriverPlugin) WaitTask(ctx context.Context, taskID string) (<-chan *drivers.ExitResult, error) {
	handle, ok := d.tasks.Get(taskID)
	if !ok {
		return nil, drivers.ErrTaskNotFound
	}

	exitChannel := make(chan *drivers.ExitResult, 1)

	go func(ctx context.Context, handle *taskHandle, exitCh chan *drivers.ExitResult) {
		defer close(exitCh)
		d.logger.Info("monitoring task", "guest", handle.name)

		handle.monitor(ctx, exitCh)
	}(ctx, handle, exitChannel)

	return exitChannel, nil
}

// StopTask powers off the guest backing the task.
func (d *ZVMDriverPlugin) StopTask(taskID string, timeout time.Duration, signal string) error {
	d.logger.Info("stopping task", "task_id", taskID)

	handle, ok := d.tasks.Get(taskID)
	if !ok {
		d.logger.Warn("task to stop not found", "task_id", taskID)
		return nil
	}

	if err := d.hypervisor.PowerOff(d.ctx, handle.name, timeout, stopRetryInterval); err != nil {
		return fmt.Errorf("virt: unable to stop task %s: %w", taskID, err)
	}

	return nil
}

// DestroyTask cleans up and removes a task that has terminated. If force is
// set to true, the driver destroys the task even if it is still running.
func (d *ZVMDriverPlugin) DestroyTask(taskID string, force bool) error {
	d.logger.Info("destroying task", "task_id", taskID)

	handle, ok := d.tasks.Get(taskID)
	if !ok {
		d.logger.Warn("task to destroy not found", "task_id", taskID)
		return nil
	}

	if handle.IsRunning() && !force {
		return errors.New("cannot destroy a running task")
	}

	if err := d.hypervisor.Destroy(d.ctx, handle.name); err != nil {
		return fmt.Errorf("virt: unable to destroy task %s: %w", taskID, err)
	}

	d.tasks.Delete(taskID)

	return nil
}

// InspectTask returns detailed status information for the referenced taskID.
func (d *ZVMDriverPlugin) InspectTask(taskID string) (*drivers.TaskStatus, error) {
	handle, ok := d.tasks.Get(taskID)
	if !ok {
		return nil, drivers.ErrTaskNotFound
	}

	return handle.TaskStatus(), nil
}

// TaskStats returns a channel which the driver should send stats to at the
// given interval.
func (d *ZVMDriverPlugin) TaskStats(ctx context.Context, taskID string, interval time.Duration) (<-chan *drivers.TaskResourceUsage, error) {
	handle, ok := d.tasks.Get(taskID)
	if !ok {
		return nil, drivers.ErrTaskNotFound
	}

	statsChannel := make(chan *drivers.TaskResourceUsage)

	go d.publishStats(ctx, interval, statsChannel, handle)

	return statsChannel, nil
}

func (d *ZVMDriverPlugin) publishStats(ctx context.Context, interval time.Duration,
	sch chan<- *drivers.TaskResourceUsage, handle *taskHandle) {
	defer close(sch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := handle.GetStats(ctx)
			if err != nil {
				d.logger.Error("error while reading stats from the task",
					"guest", handle.name, "error", err)
				continue
			}

			sch <- stats

		case <-ctx.Done():
			return
		}
	}
}

// TaskEvents returns a channel that the plugin can use to emit task related
// events.
func (d *ZVMDriverPlugin) TaskEvents(ctx context.Context) (<-chan *drivers.TaskEvent, error) {
	return d.eventer.TaskEvents(ctx)
}

// SignalTask forwards a signal to a task. This is an optional capability,
// not supported by the zvm driver.
func (d *ZVMDriverPlugin) SignalTask(taskID string, signal string) error {
	return errors.New("this driver does not support signaling")
}

// ExecTask returns the result of executing the given command inside a task.
// This is an optional capability, not supported by the zvm driver.
func (d *ZVMDriverPlugin) ExecTask(taskID string, cmd []string, timeout time.Duration) (*drivers.ExecTaskResult, error) {
	return nil, errors.New("this driver does not support exec")
}

// guestNameFromTaskID creates a hypervisor user ID for the guest, using the
// last 8 chars of the task ID which should be unique per task and fit the
// fixed width identifier field.
func guestNameFromTaskID(taskID string) string {
	if len(taskID) <= guest.MaxNameLength {
		return taskID
	}
	return taskID[len(taskID)-guest.MaxNameLength:]
}
