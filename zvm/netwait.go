// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ReadinessWaiter blocks until every NIC of a guest has been attached to a
// vswitch and coupled by the external network agent. Attachment happens
// asynchronously outside this driver's control, so completion can only be
// observed by polling.
type ReadinessWaiter struct {
	gateway Gateway
	logger  hclog.Logger

	interval time.Duration
	timeout  time.Duration

	// now is the clock used for deadline checks, replaceable in tests.
	now func() time.Time
}

func NewReadinessWaiter(gateway Gateway, logger hclog.Logger, interval, timeout time.Duration) *ReadinessWaiter {
	return &ReadinessWaiter{
		gateway:  gateway,
		logger:   logger.Named("netwait"),
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Wait polls the guest's NIC attachment state until it converges or the
// deadline passes. A zero timeout disables the deadline entirely, which is
// the debug escape hatch for environments without a network agent. The
// deadline is evaluated at the start of every tick, a tick that would have
// converged after an expired deadline still fails.
func (w *ReadinessWaiter) Wait(ctx context.Context, name string) error {
	var deadline time.Time
	if w.timeout > 0 {
		deadline = w.now().Add(w.timeout)
	}

	w.logger.Info("waiting for the network agent to couple guest NICs", "guest", name)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if !deadline.IsZero() && w.now().After(deadline) {
			return fmt.Errorf("zvm: %w: guest %s", ErrNetworkTimeout, name)
		}

		ready, err := w.poll(ctx, name)
		if err != nil {
			if !IsGatewayError(err) {
				return err
			}
			// A failed vswitch query counts as one more not-ready round,
			// bounded by the overall deadline.
			w.logger.Info("ignoring error while reading vswitch info",
				"guest", name, "error", err)
		}

		if ready {
			w.logger.Info("all NICs are coupled", "guest", name)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll runs a single readiness round. The round is ready only when the
// vswitch mapping is non empty, every NIC has a resolved switch name and
// every definition query reports the NIC coupled. The first uncoupled NIC
// short-circuits the round, the remaining NICs are rechecked next tick.
func (w *ReadinessWaiter) poll(ctx context.Context, name string) (bool, error) {
	switches, err := guestGetNicVswitchInfo(ctx, w.gateway, name)
	if err != nil {
		return false, err
	}

	if len(switches) == 0 {
		return false, nil
	}

	for _, vswitch := range switches {
		if vswitch == "" {
			return false, nil
		}
	}

	for nicID := range switches {
		coupled, err := guestGetNicCoupled(ctx, w.gateway, name, nicID)
		if err != nil {
			return false, err
		}
		if !coupled {
			return false, nil
		}
	}

	return true, nil
}
