// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
)

const (
	// defaultPollInterval is how often the readiness waiter queries the NIC
	// attachment state.
	defaultPollInterval = 10 * time.Second

	// defaultReachableTimeout bounds the whole readiness wait. Zero disables
	// the bound.
	defaultReachableTimeout = 300 * time.Second
)

// initialRefreshBackoff is the incremental sleep ladder used while waiting
// for the SDK server to answer the very first host status refresh. The last
// step repeats until the refresh succeeds.
var initialRefreshBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// TransportBuilder produces the transport payload (config drive) deployed
// into a guest. Generation is external to this driver.
type TransportBuilder interface {
	Build(cfg *guest.Config) (string, error)
}

// Config holds the driver level settings, populated from the plugin
// configuration.
type Config struct {
	// ServerURL is the base URL of the SDK server.
	ServerURL string

	// ReachableTimeout bounds the NIC readiness wait, zero disables it.
	ReachableTimeout time.Duration

	// PollInterval overrides the readiness poll interval when non zero.
	PollInterval time.Duration

	// ImageTmpPath is where downloaded images live before import.
	ImageTmpPath string

	// DefaultEphemeralFormat is used for ephemeral disks without an explicit
	// format.
	DefaultEphemeralFormat string

	// RemoteHost is the user@ip tag the SDK uses to reach back to this
	// compute host for image and transport file transfer.
	RemoteHost string
}

// Driver implements the compute operations against a single z/VM host. All
// hypervisor work is delegated to the SDK server through the gateway.
type Driver struct {
	logger  hclog.Logger
	gateway Gateway
	cfg     Config

	transport TransportBuilder
	waiter    *ReadinessWaiter

	// importSem serializes image imports process wide. Imports move large
	// files through the SDK server, running several at once is not safe for
	// the backing store.
	importSem *semaphore.Weighted

	// hostStatus is the last collected snapshot, replaced wholesale on every
	// refresh.
	hostStatus atomic.Pointer[guest.HostStatusSnapshot]
}

type Option func(*Driver)

// WithGateway replaces the default HTTP client, used by tests and by callers
// embedding their own transport.
func WithGateway(g Gateway) Option {
	return func(d *Driver) {
		d.gateway = g
	}
}

func WithTransportBuilder(tb TransportBuilder) Option {
	return func(d *Driver) {
		d.transport = tb
	}
}

func New(logger hclog.Logger, cfg Config, options ...Option) *Driver {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultEphemeralFormat == "" {
		cfg.DefaultEphemeralFormat = guest.DefaultEphemeralFormat
	}

	d := &Driver{
		logger:    logger.Named("zvm"),
		cfg:       cfg,
		importSem: semaphore.NewWeighted(1),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.gateway == nil {
		d.gateway = NewClient(d.logger, cfg.ServerURL)
	}

	d.waiter = NewReadinessWaiter(d.gateway, d.logger, cfg.PollInterval, cfg.ReachableTimeout)

	return d
}

// Start blocks until the first host status snapshot has been collected,
// retrying on an incremental backoff ladder. The SDK server may come up after
// the plugin does.
func (d *Driver) Start(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		_, err := d.RefreshHostStatus(ctx)
		if err == nil {
			return nil
		}

		sleep := initialRefreshBackoff[min(attempt, len(initialRefreshBackoff)-1)]
		d.logger.Warn("failed to get host stats while initializing the driver",
			"error", err, "retry_in", sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Spawn provisions, deploys and powers on a new guest. Any failure after the
// input validation triggers a best effort destroy of whatever was created
// before the original error is returned unchanged.
func (d *Driver) Spawn(ctx context.Context, cfg *guest.Config) error {
	// The name must fit the fixed width hypervisor user ID, checked before
	// any remote call is made.
	if len(cfg.Name) > guest.MaxNameLength {
		return fmt.Errorf("zvm: %w: %s", ErrInvalidGuestName, cfg.Name)
	}

	d.logger.Info("spawning new guest", "guest", cfg.Name)
	start := time.Now()

	if err := d.provision(ctx, cfg); err != nil {
		d.logger.Error("deploying image to guest failed", "guest", cfg.Name, "error", err)

		if cleanupErr := d.Destroy(ctx, cfg.Name); cleanupErr != nil {
			d.logger.Error("cleanup of failed guest did not complete",
				"guest", cfg.Name, "error", cleanupErr)
		}

		return err
	}

	d.logger.Info("guest spawned successfully", "guest", cfg.Name,
		"elapsed", time.Since(start))

	return nil
}

func (d *Driver) provision(ctx context.Context, cfg *guest.Config) error {
	transportFiles, err := d.transportFiles(cfg)
	if err != nil {
		return err
	}

	imageName, err := d.ensureImage(ctx, cfg)
	if err != nil {
		return err
	}

	rootSize, err := d.resolveRootDiskSize(ctx, cfg, imageName)
	if err != nil {
		return err
	}

	diskList := []guest.Disk{{Size: rootSize, IsBootDisk: true}}

	var ephemerals []guest.Disk
	for _, eph := range cfg.EphemeralDisks {
		format := eph.Format
		if format == "" {
			format = d.cfg.DefaultEphemeralFormat
		}
		ephemerals = append(ephemerals, guest.Disk{
			Size:   fmt.Sprintf("%dg", eph.SizeGB),
			Format: format,
		})
	}
	diskList = append(diskList, ephemerals...)

	if err := guestCreate(ctx, d.gateway, cfg.Name, cfg.VCPUs, cfg.MemoryMB, diskList); err != nil {
		return err
	}

	if err := guestDeploy(ctx, d.gateway, cfg.Name, imageName, transportFiles, d.cfg.RemoteHost); err != nil {
		return err
	}

	if len(cfg.Networks) > 0 {
		d.logger.Debug("creating NICs for guest", "guest", cfg.Name, "nics", len(cfg.Networks))
		if err := guestCreateNetworkInterface(ctx, d.gateway, cfg.Name, cfg.OSDistro, cfg.Networks); err != nil {
			return err
		}
	}

	if len(ephemerals) > 0 {
		if err := guestConfigMinidisks(ctx, d.gateway, cfg.Name, ephemerals); err != nil {
			return err
		}
	}

	if err := d.waiter.Wait(ctx, cfg.Name); err != nil {
		return err
	}

	return guestStart(ctx, d.gateway, cfg.Name)
}

func (d *Driver) transportFiles(cfg *guest.Config) (string, error) {
	if d.transport == nil {
		return "", nil
	}

	transportFiles, err := d.transport.Build(cfg)
	if err != nil {
		return "", fmt.Errorf("zvm: unable to generate transport files for %s: %w", cfg.Name, err)
	}

	return transportFiles, nil
}

// ensureImage resolves the hypervisor side name of the image, importing it
// first when the hypervisor does not have it yet. Imports are serialized
// through a process wide permit of exactly one.
func (d *Driver) ensureImage(ctx context.Context, cfg *guest.Config) (string, error) {
	imageName, err := imageQuery(ctx, d.gateway, cfg.ImageID)
	if err == nil {
		return imageName, nil
	}
	if !IsNotFound(err) {
		return "", err
	}

	if err := d.importImage(ctx, cfg); err != nil {
		return "", err
	}

	return imageQuery(ctx, d.gateway, cfg.ImageID)
}

func (d *Driver) importImage(ctx context.Context, cfg *guest.Config) error {
	if err := d.importSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.importSem.Release(1)

	d.logger.Info("importing image into the hypervisor repository",
		"image", cfg.ImageID, "os_distro", cfg.OSDistro)

	localURL := fmt.Sprintf("file://%s/%s", d.cfg.ImageTmpPath, cfg.ImageID)
	imageMeta := map[string]string{"os_version": cfg.OSDistro}

	return imageImport(ctx, d.gateway, cfg.ImageID, localURL, imageMeta, d.cfg.RemoteHost)
}

// resolveRootDiskSize picks the boot disk size. A zero root disk request is
// the sentinel for "derive from the image".
func (d *Driver) resolveRootDiskSize(ctx context.Context, cfg *guest.Config, imageName string) (string, error) {
	if cfg.RootDiskGB > 0 {
		return fmt.Sprintf("%dg", cfg.RootDiskGB), nil
	}
	return imageGetRootDiskSize(ctx, d.gateway, imageName)
}

// ListInstances returns the names of all guests known to the hypervisor.
func (d *Driver) ListInstances(ctx context.Context) ([]string, error) {
	return guestList(ctx, d.gateway)
}

func (d *Driver) instanceExists(ctx context.Context, name string) (bool, error) {
	names, err := guestList(ctx, d.gateway)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

// Destroy deletes the named guest. Destroying a guest that does not exist is
// not an error, the desired state is already reached.
func (d *Driver) Destroy(ctx context.Context, name string) error {
	exists, err := d.instanceExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		d.logger.Warn("guest to destroy does not exist", "guest", name)
		return nil
	}

	d.logger.Info("destroying guest", "guest", name)

	return guestDelete(ctx, d.gateway, name)
}

// PowerOn starts the named guest if it exists.
func (d *Driver) PowerOn(ctx context.Context, name string) error {
	exists, err := d.instanceExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		d.logger.Warn("guest to power on does not exist", "guest", name)
		return nil
	}

	d.logger.Info("powering on guest", "guest", name)

	return guestStart(ctx, d.gateway, name)
}

// PowerOff stops the named guest if it exists.
func (d *Driver) PowerOff(ctx context.Context, name string, timeout, retryInterval time.Duration) error {
	exists, err := d.instanceExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		d.logger.Warn("guest to power off does not exist", "guest", name)
		return nil
	}

	d.logger.Info("powering off guest", "guest", name)

	return guestStop(ctx, d.gateway, name, timeout, retryInterval)
}

// GetInstanceInfo reports the effective power state of a guest. prev is the
// last state the caller observed, needed for the sticky pause rule.
func (d *Driver) GetInstanceInfo(ctx context.Context, name string, prev guest.PowerState) (guest.PowerState, error) {
	token, err := guestGetPowerState(ctx, d.gateway, name)
	if err != nil {
		if IsNotFound(err) {
			d.logger.Warn("queried power state of non existing guest", "guest", name)
			return guest.PowerStateNoState, fmt.Errorf("zvm: %w: %s", ErrInstanceNotFound, name)
		}
		return guest.PowerStateNoState, err
	}

	return EffectivePowerState(prev, MappingPowerState(token)), nil
}

// GetStats returns the resource counters of a guest for task stats.
func (d *Driver) GetStats(ctx context.Context, name string) (*guest.Stats, error) {
	info, err := guestGetInfo(ctx, d.gateway, name)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("zvm: %w: %s", ErrInstanceNotFound, name)
		}
		return nil, err
	}

	return &guest.Stats{
		MaxMemoryKB: info.MaxMemKB,
		MemoryKB:    info.MemKB,
		CPUs:        info.NumCPU,
		CPUTimeNS:   info.CPUTimeUS * 1000,
	}, nil
}

// GetConsoleOutput returns the guest's console log.
func (d *Driver) GetConsoleOutput(ctx context.Context, name string) (string, error) {
	return guestGetConsoleOutput(ctx, d.gateway, name)
}
