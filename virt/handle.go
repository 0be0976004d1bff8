// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package virt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	guest "github.com/hashicorp/nomad-driver-zvm/internal/shared"
	"github.com/hashicorp/nomad-driver-zvm/zvm"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/client/structs"
	"github.com/hashicorp/nomad/plugins/drivers"
)

var defaultMonitorInterval = 5 * time.Second

// taskHandle stores the runtime state of a guest backed task.
type taskHandle struct {
	// stateLock syncs access to procState, powerState and the exit fields.
	stateLock sync.RWMutex

	logger      hclog.Logger
	taskConfig  *drivers.TaskConfig
	procState   drivers.TaskState
	startedAt   time.Time
	completedAt time.Time
	name        string
	exitResult  *drivers.ExitResult

	// powerState is the last effective power state observed for the guest.
	// It feeds the next refresh so a simulated pause is not clobbered by a
	// hypervisor that only reports on and off.
	powerState guest.PowerState

	guestGetter GuestGetter
}

func (h *taskHandle) TaskStatus() *drivers.TaskStatus {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()

	return &drivers.TaskStatus{
		ID:               h.taskConfig.ID,
		Name:             h.taskConfig.Name,
		State:            h.procState,
		StartedAt:        h.startedAt,
		CompletedAt:      h.completedAt,
		DriverAttributes: map[string]string{},
		ExitResult:       h.exitResult.Copy(),
	}
}

func (h *taskHandle) IsRunning() bool {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()
	return h.procState == drivers.TaskStateRunning
}

func (h *taskHandle) GetStats(ctx context.Context) (*drivers.TaskResourceUsage, error) {
	stats, err := h.guestGetter.GetStats(ctx, h.name)
	if err != nil {
		return nil, fmt.Errorf("virt: unable to get task %s stats: %w", h.name, err)
	}

	return fillStats(stats), nil
}

// monitor keeps the task state in sync with the guest's power state. It only
// returns when the guest stops, disappears or the context is cancelled.
func (h *taskHandle) monitor(ctx context.Context, exitCh chan<- *drivers.ExitResult) {
	ticker := time.NewTicker(defaultMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.stateLock.RLock()
			prev := h.powerState
			h.stateLock.RUnlock()

			state, err := h.guestGetter.GetInstanceInfo(ctx, h.name, prev)
			if err != nil {
				if errors.Is(err, zvm.ErrInstanceNotFound) {
					h.exit(exitCh, &drivers.ExitResult{
						ExitCode: 1,
						Err:      drivers.ErrTaskNotFound,
					})
					return
				}

				h.logger.Error("unable to get guest state", "guest", h.name, "error", err)
				h.stateLock.Lock()
				h.procState = drivers.TaskStateUnknown
				h.stateLock.Unlock()

				continue
			}

			h.stateLock.Lock()
			h.powerState = state
			h.stateLock.Unlock()

			if state == guest.PowerStateRunning || state == guest.PowerStatePaused {
				continue
			}

			h.logConsoleTail(ctx)
			h.exit(exitCh, fillExitResult(state))
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *taskHandle) exit(exitCh chan<- *drivers.ExitResult, result *drivers.ExitResult) {
	h.stateLock.Lock()
	h.procState = drivers.TaskStateExited
	h.completedAt = time.Now()
	h.exitResult = result
	h.stateLock.Unlock()

	exitCh <- result
}

// logConsoleTail is a best effort capture of the guest console when the task
// exits, the console is gone once the guest is destroyed.
func (h *taskHandle) logConsoleTail(ctx context.Context) {
	console, err := h.guestGetter.GetConsoleOutput(ctx, h.name)
	if err != nil {
		h.logger.Debug("unable to read guest console output", "guest", h.name, "error", err)
		return
	}

	h.logger.Debug("guest console output at exit", "guest", h.name, "console", console)
}

func fillExitResult(state guest.PowerState) *drivers.ExitResult {
	er := &drivers.ExitResult{}

	switch state {
	case guest.PowerStateShutdown:
		er.ExitCode = 0
	default:
		er.ExitCode = 1
		er.Err = fmt.Errorf("unexpected guest state: %s", state)
	}

	return er
}

func fillStats(stats *guest.Stats) *structs.TaskResourceUsage {
	return &structs.TaskResourceUsage{
		Timestamp: time.Now().UnixNano(),
		ResourceUsage: &structs.ResourceUsage{
			MemoryStats: &structs.MemoryStats{
				Usage:    stats.MemoryKB * 1024,
				MaxUsage: stats.MaxMemoryKB * 1024,
			},
			CpuStats: &structs.CpuStats{
				ThrottledTime: stats.CPUTimeNS,
			},
		},
	}
}
